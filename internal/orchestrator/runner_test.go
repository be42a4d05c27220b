// ABOUTME: Tests for the run event timeline, cooperative cancellation,
// ABOUTME: the at-most-once tool directive, and the repair pass.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/rift/internal/tools"
)

// scriptStream yields scripted chunks, then a terminal error.
type scriptStream struct {
	chunks   []Chunk
	terminal error
	pos      int
}

func (s *scriptStream) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.terminal != nil {
			return Chunk{}, s.terminal
		}
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptStream) Close() error { return nil }

type scriptProvider struct {
	stream    *scriptStream
	streamErr error
	lastReq   Request
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Stream(_ context.Context, req Request) (Stream, error) {
	p.lastReq = req
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return p.stream, nil
}

type fakeInvoker struct {
	calls   []string
	result  any
	invokeE error
}

func (f *fakeInvoker) Invoke(_ context.Context, name string, _ json.RawMessage, _ string, _ tools.InvokeOptions) (any, error) {
	f.calls = append(f.calls, name)
	if f.invokeE != nil {
		return nil, f.invokeE
	}
	return f.result, nil
}

func textChunks(parts ...string) []Chunk {
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Text: p}
	}
	return chunks
}

func collect(t *testing.T, r *Runner, in Input) ([]Event, Result, error) {
	t.Helper()
	var events []Event
	in.Emit = func(e Event) { events = append(events, e) }
	res, err := r.Run(t.Context(), in)
	return events, res, err
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
		if e.Phase != "" {
			out[i] = e.Type + ":" + e.Phase
		}
	}
	return out
}

func TestRun_SimpleTimeline(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{
		chunks: append(textChunks("Hello", " there"), Chunk{Usage: &Usage{InputTokens: 3, OutputTokens: 2}}),
	}}
	r := NewRunner(p, nil, nil)

	events, res, err := collect(t, r, Input{Prompt: "Hi", Model: "m1"})
	require.NoError(t, err)
	assert.False(t, res.Cancelled)

	assert.Equal(t, []string{
		"status:plan_start",
		"status:plan_end",
		"status:run_start",
		"context",
		"step",
		"delta",
		"delta",
		"step",
		"status:repair_start",
		"status:repair_end",
		"final",
		"status:run_end",
	}, eventTypes(events))

	final := events[len(events)-2]
	assert.Equal(t, "Hello there.", final.Message)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 3, final.Usage.InputTokens)
	assert.Equal(t, "Hello there.", res.FinalText)
}

func TestRun_NoRepairWhenTerminalPunctuation(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{chunks: textChunks("Done!")}}
	r := NewRunner(p, nil, nil)

	events, res, err := collect(t, r, Input{Prompt: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "Done!", res.FinalText)
	for _, e := range events {
		assert.NotEqual(t, PhaseRepairStart, e.Phase)
	}
}

func TestRun_MultiPartPromptGetsTwoSteps(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{chunks: textChunks("A and B.")}}
	r := NewRunner(p, nil, nil)

	events, _, err := collect(t, r, Input{Prompt: "What is A? And what is B?"})
	require.NoError(t, err)

	var steps []Event
	for _, e := range events {
		if e.Type == EventStep {
			steps = append(steps, e)
		}
	}
	require.Len(t, steps, 4)
	assert.Equal(t, 2, steps[0].Total)
	assert.Equal(t, StepStart, steps[0].StepStatus)
	assert.Equal(t, StepEnd, steps[1].StepStatus)
	// The second step's start/end pair is back-to-back.
	assert.Equal(t, 2, steps[2].Step)
	assert.Equal(t, StepStart, steps[2].StepStatus)
	assert.Equal(t, 2, steps[3].Step)
	assert.Equal(t, StepEnd, steps[3].StepStatus)
}

func TestRun_ContextCountsHistoryPlusPrompt(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{chunks: textChunks("ok.")}}
	r := NewRunner(p, nil, nil)

	events, _, err := collect(t, r, Input{
		Prompt: "next",
		History: []Message{
			{Role: RoleUser, Content: "a"},
			{Role: RoleAssistant, Content: "b"},
		},
	})
	require.NoError(t, err)

	for _, e := range events {
		if e.Type == EventContext {
			assert.Equal(t, 3, e.MessageCount)
			return
		}
	}
	t.Fatal("no context event emitted")
}

func TestRun_CancelledBeforeFirstChunk(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{chunks: textChunks("never seen")}}
	r := NewRunner(p, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var events []Event
	res, err := r.Run(ctx, Input{Prompt: "Hi", Emit: func(e Event) { events = append(events, e) }})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)

	types := eventTypes(events)
	assert.NotContains(t, types, "delta")
	assert.NotContains(t, types, "final")
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, "status:cancelled", types[len(types)-2])
	assert.Equal(t, "status:run_end", types[len(types)-1])
}

func TestRun_DirectiveInvokedAtMostOnce(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{chunks: textChunks(
		"Renaming now. ",
		`[TOOL] chat:updateTitle {"id":"c1","title":"New"}`,
		` done. [TOOL] chat:updateTitle {"id":"c1","title":"Again"}.`,
	)}}
	inv := &fakeInvoker{result: map[string]string{"id": "c1"}}
	r := NewRunner(p, inv, nil)

	events, _, err := collect(t, r, Input{Prompt: "rename", PrincipalID: "alice", AgentID: "scribe"})
	require.NoError(t, err)

	assert.Equal(t, []string{"chat:updateTitle"}, inv.calls)
	var toolEvents []Event
	for _, e := range events {
		if e.Type == EventTool {
			toolEvents = append(toolEvents, e)
		}
	}
	require.Len(t, toolEvents, 2)
	assert.Equal(t, ToolStart, toolEvents[0].Phase)
	assert.JSONEq(t, `{"id":"c1","title":"New"}`, string(toolEvents[0].Payload))
	assert.Equal(t, ToolResult, toolEvents[1].Phase)
}

func TestRun_DirectiveSplitAcrossChunks(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{chunks: textChunks(
		"[TO", "OL] chat:up", `dateTitle {"id":`, `"c1"}`, " tail.",
	)}}
	inv := &fakeInvoker{}
	r := NewRunner(p, inv, nil)

	_, _, err := collect(t, r, Input{Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, []string{"chat:updateTitle"}, inv.calls)
}

func TestRun_ToolFailureDoesNotAbortRun(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{chunks: textChunks(
		`[TOOL] chat:updateTitle {"id":"c1"} and the answer is 42.`,
	)}}
	inv := &fakeInvoker{invokeE: errors.New("tool not in agent allow-list")}
	r := NewRunner(p, inv, nil)

	events, res, err := collect(t, r, Input{Prompt: "go"})
	require.NoError(t, err)
	assert.Contains(t, res.FinalText, "42")

	var sawError, sawFinal bool
	for _, e := range events {
		if e.Type == EventTool && e.Phase == ToolError {
			sawError = true
		}
		if e.Type == EventFinal {
			sawFinal = true
		}
	}
	assert.True(t, sawError)
	assert.True(t, sawFinal)
}

func TestRun_ProviderMidStreamFailure(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{
		chunks:   textChunks("partial "),
		terminal: errors.New("connection reset"),
	}}
	r := NewRunner(p, nil, nil)

	events, res, err := collect(t, r, Input{Prompt: "Hi"})
	require.Error(t, err)
	assert.Equal(t, "partial ", res.FinalText)

	// The timeline still terminates with final + run_end.
	types := eventTypes(events)
	assert.Equal(t, "final", types[len(types)-2])
	assert.Equal(t, "status:run_end", types[len(types)-1])
}

func TestRun_RequestCarriesHistoryAndPrompt(t *testing.T) {
	p := &scriptProvider{stream: &scriptStream{chunks: textChunks("ok.")}}
	r := NewRunner(p, nil, nil)

	_, _, err := collect(t, r, Input{
		Model:   "m2",
		System:  "be brief",
		Prompt:  "next",
		History: []Message{{Role: RoleUser, Content: "first"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "m2", p.lastReq.Model)
	assert.Equal(t, "be brief", p.lastReq.System)
	require.Len(t, p.lastReq.Messages, 2)
	assert.Equal(t, RoleUser, p.lastReq.Messages[1].Role)
	assert.Equal(t, "next", p.lastReq.Messages[1].Content)
}

func TestDirectiveScanner_BracesInsideStrings(t *testing.T) {
	var s directiveScanner
	d := s.feed(`[TOOL] note:create {"id":"n1","body":"curly } brace {"}`)
	require.NotNil(t, d)
	assert.Equal(t, "note:create", d.Tool)
	assert.JSONEq(t, `{"id":"n1","body":"curly } brace {"}`, string(d.Payload))
}

func TestDirectiveScanner_NestedObjects(t *testing.T) {
	var s directiveScanner
	d := s.feed(`[TOOL] note:create {"meta":{"tags":["a"]},"id":"n1"} trailing`)
	require.NotNil(t, d)
	assert.JSONEq(t, `{"meta":{"tags":["a"]},"id":"n1"}`, string(d.Payload))
}

func TestDirectiveScanner_MarkerWithoutObjectIsIgnored(t *testing.T) {
	var s directiveScanner
	assert.Nil(t, s.feed("[TOOL] just talking about tools here. "))
	// A later real directive still matches.
	d := s.feed(`[TOOL] note:get {"id":"n1"}`)
	require.NotNil(t, d)
	assert.Equal(t, "note:get", d.Tool)
}
