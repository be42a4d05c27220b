// ABOUTME: Conversation domain service: chat CRUD, streaming runs wired onto
// ABOUTME: the subscriber fan-out, and the one-active-run-per-conversation rule.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fableforge/rift/internal/access"
	"github.com/fableforge/rift/internal/orchestrator"
	"github.com/fableforge/rift/internal/service"
)

const defaultHistoryLimit = 50

// MessageStore is what the service needs from message persistence beyond the
// generic store contract. Satisfied by *store.Collection[Message].
type MessageStore interface {
	service.Store[Message]
	ListBy(ctx context.Context, field, value string, limit int) ([]Message, error)
	CountBy(ctx context.Context, field, value string) (int, error)
	DeleteBy(ctx context.Context, field, value string) (int, error)
}

// Service owns conversations and their messages. Run events are broadcast to
// the conversation's subscribers; persistence happens only when a run
// completes normally.
type Service struct {
	convs    *service.Service[Conversation]
	messages *service.Service[Message]
	msgStore MessageStore
	runner   *orchestrator.Runner
	runs     *runRegistry

	agentID      string
	systemPrompt string
	historyLimit int
	logger       *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithAgentID sets the agent identity runs invoke tool directives under. The
// agent's allow-list caps what generated text can trigger.
func WithAgentID(agentID string) Option {
	return func(s *Service) { s.agentID = agentID }
}

// WithSystemPrompt sets the system prompt sent with every run.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) { s.systemPrompt = prompt }
}

// WithHistoryLimit caps how many prior turns a run carries as context.
func WithHistoryLimit(limit int) Option {
	return func(s *Service) { s.historyLimit = limit }
}

// New wires the conversation service.
func New(convStore service.Store[Conversation], msgStore MessageStore, runner *orchestrator.Runner, opts ...Option) *Service {
	s := &Service{
		msgStore:     msgStore,
		runner:       runner,
		runs:         newRunRegistry(),
		historyLimit: defaultHistoryLimit,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation")

	s.convs = service.New[Conversation]("conversation", convStore, service.WithLogger[Conversation](s.logger))
	s.messages = service.New[Message]("message", msgStore,
		service.WithLogger[Message](s.logger),
		service.WithEntryEvaluator[Message](s.messageAccess))

	s.registerMethods()
	return s
}

// Surfaces returns the services to register with the dispatch registry.
func (s *Service) Surfaces() []service.Surface {
	return []service.Surface{s.convs, s.messages}
}

// Conversations exposes the conversation base for admin wiring and tests.
func (s *Service) Conversations() *service.Service[Conversation] { return s.convs }

// messageAccess evaluates message entry access against the parent
// conversation's ACL: reading a message requires the same grant reading the
// conversation would.
func (s *Service) messageAccess(ctx context.Context, caller *service.Caller, entryID string, need access.Level) (bool, error) {
	msg, err := s.msgStore.Get(ctx, entryID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	conv, err := s.convs.Get(ctx, msg.ConversationID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return conv.ACL.Grant(caller.PrincipalID).Sufficient(need), nil
}

func (s *Service) registerMethods() {
	s.convs.Register("create", access.Read, s.handleCreate,
		service.WithDescription("Create a conversation"),
		service.WithEntryResolver(func(json.RawMessage) string { return "" }))
	s.convs.Register("get", access.Read, s.handleGet,
		service.WithDescription("Fetch one conversation"))
	s.convs.Register("history", access.Read, s.handleHistory,
		service.WithDescription("List a conversation's messages"))
	s.convs.Register("updateTitle", access.Moderate, s.handleUpdateTitle,
		service.WithDescription("Rename a conversation"))
	s.convs.Register("stream", access.Read, s.handleStream,
		service.WithDescription("Start a streaming generation run"))
	s.convs.Register("cancel", access.Read, s.handleCancel,
		service.WithDescription("Cancel the active run, if any"))
	s.convs.Register("delete", access.Admin, s.handleDelete,
		service.WithDescription("Delete a conversation and its messages"))

	service.ExposeAdmin(s.convs, service.FullAdminExposure())

	s.messages.Register("get", access.Read, s.handleMessageGet,
		service.WithDescription("Fetch one message"))
}

func (s *Service) handleCreate(ctx context.Context, caller *service.Caller, payload json.RawMessage) (any, error) {
	var req struct {
		Title string `json:"title"`
		Model string `json:"model"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding create request: %w", err)
		}
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	now := time.Now().UTC()
	conv := Conversation{
		ID:      uuid.New().String(),
		OwnerID: caller.PrincipalID,
		Title:   req.Title,
		Model:   req.Model,
		// The creator administers their own conversation from the start.
		ACL:       access.List{{PrincipalID: caller.PrincipalID, Level: access.Admin}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.convs.Create(ctx, conv)
}

func (s *Service) handleGet(ctx context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
	return s.convs.Get(ctx, service.ConventionalEntryID(payload))
}

func (s *Service) handleHistory(ctx context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
	var req struct {
		ID    string `json:"id"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding history request: %w", err)
	}
	if _, err := s.convs.Get(ctx, req.ID); err != nil {
		return nil, err
	}
	return s.msgStore.ListBy(ctx, "conversationId", req.ID, req.Limit)
}

func (s *Service) handleUpdateTitle(ctx context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
	var req struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding updateTitle request: %w", err)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	updated, ok := s.convs.Update(ctx, req.ID, func(c Conversation) Conversation {
		c.Title = req.Title
		c.UpdatedAt = time.Now().UTC()
		return c
	})
	if !ok {
		return nil, service.ErrNotFound
	}
	return updated, nil
}

func (s *Service) handleStream(ctx context.Context, caller *service.Caller, payload json.RawMessage) (any, error) {
	var req struct {
		ID     string `json:"id"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding stream request: %w", err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	conv, err := s.convs.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	// Register before acking so an immediate cancel finds the run. begin
	// blocks until a superseded predecessor finishes emitting its timeline.
	h := s.runs.begin(conv.ID)
	go s.run(h, conv, req.Prompt, caller.PrincipalID)

	return map[string]bool{"started": true}, nil
}

func (s *Service) handleCancel(_ context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
	id := service.ConventionalEntryID(payload)
	cancelled := s.runs.cancel(id)
	return map[string]bool{"cancelled": cancelled}, nil
}

func (s *Service) handleDelete(ctx context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
	id := service.ConventionalEntryID(payload)
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	s.runs.cancel(id)
	if err := s.convs.Delete(ctx, id); err != nil {
		return nil, err
	}
	if _, err := s.msgStore.DeleteBy(ctx, "conversationId", id); err != nil {
		s.logger.Warn("deleting conversation messages failed", "conversation", id, "error", err)
	}
	return map[string]bool{"deleted": true}, nil
}

func (s *Service) handleMessageGet(ctx context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
	return s.messages.Get(ctx, service.ConventionalEntryID(payload))
}

// run drives one generation to completion. It owns the handle registered by
// handleStream and always releases it, which is what closes the done channel
// a successor waits on.
func (s *Service) run(h *runHandle, conv Conversation, prompt, principalID string) {
	defer s.runs.end(conv.ID, h)

	history, err := s.loadHistory(h.ctx, conv.ID)
	if err != nil {
		s.logger.Warn("loading history failed, running without context", "conversation", conv.ID, "error", err)
	}

	res, err := s.runner.Run(h.ctx, orchestrator.Input{
		ConversationID: conv.ID,
		PrincipalID:    principalID,
		AgentID:        s.agentID,
		Model:          conv.Model,
		System:         s.systemPrompt,
		History:        history,
		Prompt:         prompt,
		Emit: func(e orchestrator.Event) {
			s.convs.Broadcast(conv.ID, e)
		},
	})
	// Closing the timeline first means any cancel that did not land before
	// this point reports false instead of racing the persist below.
	h.finish()

	if err != nil {
		s.logger.Error("run failed", "conversation", conv.ID, "error", err)
		return
	}
	// A cancel can land between the provider stream ending and now; the
	// token is the source of truth, not just the runner's verdict.
	if res.Cancelled || h.ctx.Err() != nil {
		return
	}
	s.persistTurn(conv, prompt, res.FinalText)
}

// persistTurn records the user and assistant messages of a normally completed
// run and announces the new assistant turn. Cancelled and failed runs persist
// nothing.
func (s *Service) persistTurn(conv Conversation, prompt, finalText string) {
	// Detached context: a successor's cancel must not lose a finished turn.
	ctx := context.Background()
	now := time.Now().UTC()

	user := Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           orchestrator.RoleUser,
		Content:        prompt,
		CreatedAt:      now,
	}
	if err := s.msgStore.Insert(ctx, user); err != nil {
		s.logger.Error("persisting user turn failed", "conversation", conv.ID, "error", err)
		return
	}

	assistant := Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           orchestrator.RoleAssistant,
		Content:        finalText,
		CreatedAt:      now.Add(time.Millisecond),
	}
	if err := s.msgStore.Insert(ctx, assistant); err != nil {
		s.logger.Error("persisting assistant turn failed", "conversation", conv.ID, "error", err)
		return
	}

	s.convs.Broadcast(conv.ID, map[string]string{"type": "created", "id": assistant.ID})

	if _, ok := s.convs.Update(ctx, conv.ID, func(c Conversation) Conversation {
		c.UpdatedAt = now
		return c
	}); !ok {
		s.logger.Warn("conversation vanished after run", "conversation", conv.ID)
	}
}

func (s *Service) loadHistory(ctx context.Context, conversationID string) ([]orchestrator.Message, error) {
	msgs, err := s.msgStore.ListBy(ctx, "conversationId", conversationID, s.historyLimit)
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, orchestrator.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}
