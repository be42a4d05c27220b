// ABOUTME: Provider abstraction the runner streams from: request/message types,
// ABOUTME: the chunk stream contract, and the one error every stream ends with.

package orchestrator

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one generation request.
type Request struct {
	Model    string
	System   string
	Messages []Message
}

// Chunk is one streamed increment. Text may be empty on the terminal chunk
// that carries usage.
type Chunk struct {
	Text  string
	Usage *Usage
}

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream yields chunks until io.EOF. Recv blocks; callers cancel via the
// context passed to Provider.Stream.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider is a pluggable text-generation backend.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}
