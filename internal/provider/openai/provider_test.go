// ABOUTME: Tests for the OpenAI stream adapter using a scripted SSE decoder.
// ABOUTME: Covers text deltas, the terminal usage chunk, and EOF.

package openai

import (
	"context"
	"io"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/rift/internal/orchestrator"
)

type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type fakeCompletions struct {
	decoder *testDecoder
	params  sdk.ChatCompletionNewParams
}

func (f *fakeCompletions) NewStreaming(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	f.params = body
	return ssestream.NewStream[sdk.ChatCompletionChunk](f.decoder, nil)
}

func chunkEvent(data string) ssestream.Event {
	return ssestream.Event{Type: "message", Data: []byte(data)}
}

func TestStream_TextThenUsageThenEOF(t *testing.T) {
	chat := &fakeCompletions{decoder: &testDecoder{events: []ssestream.Event{
		chunkEvent(`{"choices":[{"index":0,"delta":{"content":"Hi"}}]}`),
		chunkEvent(`{"choices":[{"index":0,"delta":{"content":" there"}}]}`),
		chunkEvent(`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`),
	}}}
	p, err := New(chat, "gpt-test")
	require.NoError(t, err)

	stream, err := p.Stream(t.Context(), orchestrator.Request{
		Messages: []orchestrator.Message{{Role: orchestrator.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hi", chunk.Text)

	chunk, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, " there", chunk.Text)

	chunk, err = stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 5, chunk.Usage.InputTokens)
	assert.Equal(t, 2, chunk.Usage.OutputTokens)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_RequestEncoding(t *testing.T) {
	chat := &fakeCompletions{decoder: &testDecoder{}}
	p, err := New(chat, "gpt-default")
	require.NoError(t, err)

	_, err = p.Stream(t.Context(), orchestrator.Request{
		System: "sys",
		Messages: []orchestrator.Message{
			{Role: orchestrator.RoleUser, Content: "q"},
			{Role: orchestrator.RoleAssistant, Content: "a"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, sdk.ChatModel("gpt-default"), chat.params.Model)
	// System prompt leads, followed by the conversation turns.
	require.Len(t, chat.params.Messages, 3)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "m")
	assert.Error(t, err)
	_, err = New(&fakeCompletions{}, "")
	assert.Error(t, err)
}
