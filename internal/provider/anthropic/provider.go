// ABOUTME: Anthropic Messages API backend for the orchestration runner.
// ABOUTME: Adapts the SDK's event-union stream into plain text chunks.

package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fableforge/rift/internal/orchestrator"
)

const defaultMaxTokens = 4096

// MessagesClient is the subset of the SDK client the provider uses, satisfied
// by *sdk.MessageService so tests can substitute a mock.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements orchestrator.Provider on the Anthropic Messages API.
type Provider struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int64
}

// New builds a provider over an existing Messages client.
func New(msg MessagesClient, defaultModel string) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Provider{msg: msg, defaultModel: defaultModel, maxTokens: defaultMaxTokens}, nil
}

// NewFromAPIKey constructs a provider with the default SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, defaultModel)
}

func (p *Provider) Name() string { return "anthropic" }

// Stream opens one streaming generation request.
func (p *Provider) Stream(ctx context.Context, req orchestrator.Request) (orchestrator.Stream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: p.maxTokens,
		Messages:  encodeMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	stream := p.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	return &textStream{stream: stream}, nil
}

func encodeMessages(msgs []orchestrator.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case orchestrator.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return out
}

// textStream pulls SDK events and yields only what the runner consumes: text
// deltas and the final usage accounting.
type textStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	input  int64
}

func (s *textStream) Recv() (orchestrator.Chunk, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			s.input = ev.Message.Usage.InputTokens
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return orchestrator.Chunk{Text: delta.Text}, nil
			}
		case sdk.MessageDeltaEvent:
			return orchestrator.Chunk{Usage: &orchestrator.Usage{
				InputTokens:  int(s.input),
				OutputTokens: int(ev.Usage.OutputTokens),
			}}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return orchestrator.Chunk{}, fmt.Errorf("anthropic stream: %w", err)
	}
	return orchestrator.Chunk{}, io.EOF
}

func (s *textStream) Close() error {
	return s.stream.Close()
}
