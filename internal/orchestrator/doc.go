// Package orchestrator drives streaming generation runs.
//
// A run walks plan, run, optional repair, end, emitting a typed event
// timeline: status phases, text deltas, heuristic step markers, a message
// count, at most one tool directive round-trip, and a final message. The
// provider is pluggable; cancellation is cooperative and observed at chunk
// boundaries. The at-most-one-run-per-conversation invariant is not this
// package's concern; the conversation service owns it.
package orchestrator
