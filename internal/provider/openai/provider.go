// ABOUTME: OpenAI Chat Completions backend for the orchestration runner.
// ABOUTME: Adapts the SDK's chunk stream into plain text chunks with usage.

package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/fableforge/rift/internal/orchestrator"
)

// CompletionsClient is the subset of the SDK client the provider uses,
// satisfied by the real chat completion service so tests can substitute a
// mock.
type CompletionsClient interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Provider implements orchestrator.Provider on the OpenAI Chat Completions
// API.
type Provider struct {
	chat         CompletionsClient
	defaultModel string
}

// New builds a provider over an existing completions client.
func New(chat CompletionsClient, defaultModel string) (*Provider, error) {
	if chat == nil {
		return nil, errors.New("openai completions client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Provider{chat: chat, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a provider with the default SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, defaultModel)
}

func (p *Provider) Name() string { return "openai" }

// Stream opens one streaming generation request. Usage reporting is opted in
// so the terminal chunk carries token accounting.
func (p *Provider) Stream(ctx context.Context, req orchestrator.Request) (orchestrator.Stream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case orchestrator.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		case orchestrator.RoleSystem:
			messages = append(messages, sdk.SystemMessage(m.Content))
		default:
			messages = append(messages, sdk.UserMessage(m.Content))
		}
	}

	stream := p.chat.NewStreaming(ctx, sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: messages,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	})
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai completions stream: %w", err)
	}
	return &textStream{stream: stream}, nil
}

// textStream pulls SDK chunks and yields text deltas plus the terminal usage
// chunk.
type textStream struct {
	stream *ssestream.Stream[sdk.ChatCompletionChunk]
}

func (s *textStream) Recv() (orchestrator.Chunk, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			return orchestrator.Chunk{Usage: &orchestrator.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}}, nil
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return orchestrator.Chunk{Text: text}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return orchestrator.Chunk{}, fmt.Errorf("openai stream: %w", err)
	}
	return orchestrator.Chunk{}, io.EOF
}

func (s *textStream) Close() error {
	return s.stream.Close()
}
