// Package conversation is the one domain service with real machinery: chat
// threads and their messages, plus streaming generation runs.
//
// A conversation has at most one active run. Starting a new run cancels and
// replaces the active one (last-writer-wins, not a queue); the superseded
// run's status(cancelled) is fully emitted before the successor's first
// event. Run events are broadcast to the conversation's subscribers; the
// user and assistant turns are persisted only when a run completes normally.
package conversation
