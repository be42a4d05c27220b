// ABOUTME: Typed event timeline a run emits: status, delta, step, context,
// ABOUTME: tool, and final variants in one tagged struct for wire fan-out.

package orchestrator

import "encoding/json"

// Event types.
const (
	EventStatus  = "status"
	EventDelta   = "delta"
	EventStep    = "step"
	EventContext = "context"
	EventTool    = "tool"
	EventFinal   = "final"
)

// Status phases, in emission order. A run always ends with PhaseRunEnd;
// cancellation emits PhaseCancelled in place of a final event.
const (
	PhasePlanStart   = "plan_start"
	PhasePlanEnd     = "plan_end"
	PhaseRunStart    = "run_start"
	PhaseRepairStart = "repair_start"
	PhaseRepairEnd   = "repair_end"
	PhaseCancelled   = "cancelled"
	PhaseRunEnd      = "run_end"
)

// Tool phases.
const (
	ToolStart  = "start"
	ToolResult = "result"
	ToolError  = "error"
)

// Step statuses.
const (
	StepStart = "start"
	StepEnd   = "end"
)

// Usage is the provider-reported token accounting for one run.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Event is one entry of a run's ordered, append-only timeline. The Type tag
// selects which fields are populated; consumers receive events as emitted,
// per run, in order.
type Event struct {
	Type  string `json:"type"`
	Phase string `json:"phase,omitempty"`

	// plan_end
	Steps []string `json:"steps,omitempty"`

	// delta
	Text string `json:"text,omitempty"`

	// step
	Step       int    `json:"step,omitempty"`
	Total      int    `json:"total,omitempty"`
	Title      string `json:"title,omitempty"`
	StepStatus string `json:"stepStatus,omitempty"`

	// context
	MessageCount int `json:"messageCount,omitempty"`

	// tool
	Tool    string          `json:"tool,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	// final
	Message string `json:"message,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

func statusEvent(phase string) Event {
	return Event{Type: EventStatus, Phase: phase}
}

func planEndEvent(steps []string) Event {
	return Event{Type: EventStatus, Phase: PhasePlanEnd, Steps: steps}
}

func deltaEvent(text string) Event {
	return Event{Type: EventDelta, Text: text}
}

func stepEvent(step, total int, title, status string) Event {
	return Event{Type: EventStep, Step: step, Total: total, Title: title, StepStatus: status}
}

func contextEvent(messageCount int) Event {
	return Event{Type: EventContext, MessageCount: messageCount}
}

func toolStartEvent(tool string, payload json.RawMessage) Event {
	return Event{Type: EventTool, Phase: ToolStart, Tool: tool, Payload: payload}
}

func toolResultEvent(tool string, result any) Event {
	return Event{Type: EventTool, Phase: ToolResult, Tool: tool, Result: result}
}

func toolErrorEvent(tool, message string) Event {
	return Event{Type: EventTool, Phase: ToolError, Tool: tool, Error: message}
}

func finalEvent(message string, usage *Usage) Event {
	return Event{Type: EventFinal, Message: message, Usage: usage}
}
