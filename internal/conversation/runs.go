// ABOUTME: Active-run registry enforcing at most one generation run per
// ABOUTME: conversation with explicit last-writer-wins supersession.

package conversation

import (
	"context"
	"sync"
)

// runHandle is one registered run. done closes after the run's entire event
// timeline has been emitted, so a successor observing done sees the
// predecessor's status(cancelled) fully delivered first. finished flips once
// the timeline has closed; cancels arriving after that are refused, so a
// completed turn cannot be retroactively voided.
type runHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	finished bool
}

// finish marks the timeline closed. Called exactly once, after the runner
// returns and before the persist decision.
func (h *runHandle) finish() {
	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()
}

// tryCancel signals the run unless its timeline has already closed. The
// mutex orders it against finish: either the cancel lands first and the run
// skips persistence, or finish wins and the cancel reports false.
func (h *runHandle) tryCancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.cancel()
	return true
}

// runRegistry maps conversation ids to their active run handle.
type runRegistry struct {
	mu     sync.Mutex
	active map[string]*runHandle
}

func newRunRegistry() *runRegistry {
	return &runRegistry{active: make(map[string]*runHandle)}
}

// begin registers a new run for the conversation, cancelling any active
// predecessor and waiting for it to finish emitting before the new handle is
// installed. Runs detach from the request context: the connection that
// started a run may disconnect without killing it.
func (r *runRegistry) begin(conversationID string) *runHandle {
	for {
		r.mu.Lock()
		prev := r.active[conversationID]
		if prev == nil {
			ctx, cancel := context.WithCancel(context.Background())
			h := &runHandle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
			r.active[conversationID] = h
			r.mu.Unlock()
			return h
		}
		r.mu.Unlock()

		prev.tryCancel()
		<-prev.done
	}
}

// end releases a finished run and marks its timeline complete. The registry
// entry is removed only when it still belongs to this handle, so a superseded
// run's cleanup never clobbers its successor.
func (r *runRegistry) end(conversationID string, h *runHandle) {
	r.mu.Lock()
	if r.active[conversationID] == h {
		delete(r.active, conversationID)
	}
	r.mu.Unlock()
	close(h.done)
}

// cancel signals the conversation's active run, if any. Idempotent; cancelling
// a conversation with no run, or one whose timeline has already closed, is a
// no-op reported as false.
func (r *runRegistry) cancel(conversationID string) bool {
	r.mu.Lock()
	h := r.active[conversationID]
	r.mu.Unlock()
	if h == nil {
		return false
	}
	return h.tryCancel()
}

// running reports whether the conversation has an active run.
func (r *runRegistry) running(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[conversationID] != nil
}
