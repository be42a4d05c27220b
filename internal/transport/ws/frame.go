// ABOUTME: Wire frame shapes for the websocket transport
// ABOUTME: Call frames carry client IDs; acks echo them; pushes carry none

package ws

import (
	"encoding/json"

	"github.com/fableforge/rift/internal/dispatch"
)

// callFrame is an inbound request frame. The ID is client-assigned and only
// meaningful on this connection; the ack echoes it back for correlation.
type callFrame struct {
	ID    int64           `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ackFrame is the response to exactly one callFrame.
type ackFrame struct {
	ID int64 `json:"id"`
	dispatch.Ack
}

// pushFrame is a server-initiated frame delivered to subscribers.
type pushFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}
