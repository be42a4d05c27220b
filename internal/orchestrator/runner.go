// ABOUTME: Drives one streaming generation run: plan, stream, directive
// ABOUTME: detection, repair, and the event timeline with cooperative cancel.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fableforge/rift/internal/tools"
)

// ToolInvoker is the slice of the tool registry a run needs. Satisfied by
// *tools.Registry.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, payload json.RawMessage, principalID string, opts tools.InvokeOptions) (any, error)
}

// Input describes one run.
type Input struct {
	ConversationID string
	PrincipalID    string
	AgentID        string
	Model          string
	System         string
	History        []Message
	Prompt         string

	// Emit receives the run's event timeline in order. Must be non-nil.
	Emit func(Event)
}

// Result is what a finished run reports. FinalText holds whatever text
// accumulated, including the partial text of a failed or cancelled run.
type Result struct {
	FinalText string
	Cancelled bool
}

// Runner executes runs against a provider. Stateless across runs; the
// per-conversation single-run invariant lives with the conversation service.
type Runner struct {
	provider Provider
	tools    ToolInvoker
	logger   *slog.Logger
}

// NewRunner creates a runner. tools may be nil when no tool registry is
// wired; directives then emit tool errors.
func NewRunner(provider Provider, tools ToolInvoker, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		provider: provider,
		tools:    tools,
		logger:   logger.With("component", "orchestrator"),
	}
}

// Run executes one run to completion. Cancellation is cooperative: ctx is
// checked at chunk boundaries, never preemptively. The timeline always ends
// with status(run_end); a cancelled run emits status(cancelled) and no final.
func (r *Runner) Run(ctx context.Context, in Input) (Result, error) {
	emit := in.Emit

	emit(statusEvent(PhasePlanStart))
	steps := planSteps(in.Prompt)
	emit(planEndEvent(steps))

	emit(statusEvent(PhaseRunStart))
	emit(contextEvent(len(in.History) + 1))

	total := len(steps)
	emit(stepEvent(1, total, steps[0], StepStart))

	text, usage, cancelled, streamErr := r.stream(ctx, in, emit)
	if cancelled {
		emit(statusEvent(PhaseCancelled))
		emit(statusEvent(PhaseRunEnd))
		return Result{FinalText: text, Cancelled: true}, nil
	}

	emit(stepEvent(1, total, steps[0], StepEnd))
	for i := 1; i < total; i++ {
		// Later heuristic steps do no work; they exist as a progress signal.
		emit(stepEvent(i+1, total, steps[i], StepStart))
		emit(stepEvent(i+1, total, steps[i], StepEnd))
	}

	if streamErr != nil {
		r.logger.Error("provider stream failed", "conversation", in.ConversationID, "error", streamErr)
		emit(finalEvent(text, usage))
		emit(statusEvent(PhaseRunEnd))
		return Result{FinalText: text}, fmt.Errorf("provider stream: %w", streamErr)
	}

	if repaired, ok := repair(text); ok {
		emit(statusEvent(PhaseRepairStart))
		text = repaired
		emit(statusEvent(PhaseRepairEnd))
	}

	emit(finalEvent(text, usage))
	emit(statusEvent(PhaseRunEnd))
	return Result{FinalText: text}, nil
}

// stream consumes the provider, forwarding deltas and firing at most one tool
// directive. Returns the accumulated text, usage if reported, whether the run
// was cancelled, and any provider error.
func (r *Runner) stream(ctx context.Context, in Input, emit func(Event)) (string, *Usage, bool, error) {
	req := Request{Model: in.Model, System: in.System}
	req.Messages = append(req.Messages, in.History...)
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: in.Prompt})

	stream, err := r.provider.Stream(ctx, req)
	if err != nil {
		return "", nil, false, err
	}
	defer stream.Close()

	var (
		out     strings.Builder
		usage   *Usage
		scanner directiveScanner
	)
	for {
		if ctx.Err() != nil {
			return out.String(), usage, true, nil
		}
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A stream that ended under a cancelled context counts as a
				// cancelled run, not a completed one.
				return out.String(), usage, ctx.Err() != nil, nil
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return out.String(), usage, true, nil
			}
			return out.String(), usage, false, err
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Text == "" {
			continue
		}
		emit(deltaEvent(chunk.Text))
		out.WriteString(chunk.Text)
		if d := scanner.feed(chunk.Text); d != nil {
			r.fireDirective(ctx, in, d, emit)
		}
	}
}

// fireDirective invokes one parsed directive. Failures become tool(error)
// events; they never abort the run since the directive is a side effect, not
// the run's primary output.
func (r *Runner) fireDirective(ctx context.Context, in Input, d *Directive, emit func(Event)) {
	emit(toolStartEvent(d.Tool, d.Payload))
	if !json.Valid(d.Payload) {
		emit(toolErrorEvent(d.Tool, "malformed directive payload"))
		return
	}
	if r.tools == nil {
		emit(toolErrorEvent(d.Tool, "no tool registry configured"))
		return
	}
	result, err := r.tools.Invoke(ctx, d.Tool, d.Payload, in.PrincipalID, tools.InvokeOptions{AgentID: in.AgentID})
	if err != nil {
		r.logger.Warn("tool directive failed", "tool", d.Tool, "conversation", in.ConversationID, "error", err)
		emit(toolErrorEvent(d.Tool, err.Error()))
		return
	}
	emit(toolResultEvent(d.Tool, result))
}

// planSteps decides the trivial step outline: two phases for multi-part
// prompts, one otherwise. A heuristic, not semantic planning.
func planSteps(prompt string) []string {
	if multiPart(prompt) {
		return []string{"Analyze the request", "Compose the answer"}
	}
	return []string{"Respond"}
}

func multiPart(prompt string) bool {
	if strings.Count(prompt, "?") >= 2 {
		return true
	}
	for _, marker := range []string{"\n- ", "\n* ", "\n1.", "\n2."} {
		if strings.Contains(prompt, marker) {
			return true
		}
	}
	return false
}

// repair appends a period when the text does not end in terminal punctuation.
// A syntactic guard, not semantic correction.
func repair(text string) (string, bool) {
	trimmed := strings.TrimRight(text, " \t\n")
	if trimmed == "" {
		return text, false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return text, false
	}
	if strings.HasSuffix(trimmed, "…") {
		return text, false
	}
	return trimmed + ".", true
}
