// ABOUTME: Typed method table entries declared by domain services.
// ABOUTME: Replaces structural discovery with explicit registration.

package service

import (
	"context"
	"encoding/json"

	"github.com/fableforge/rift/internal/access"
)

// Handler runs a method body on behalf of a caller. The payload is the raw
// wire payload; handlers unmarshal what they need. By the time a handler runs
// the caller has already passed the access check.
type Handler func(ctx context.Context, caller *Caller, payload json.RawMessage) (any, error)

// EntryResolver extracts the entry id a payload targets when the payload does
// not use the conventional "id" field. Returning "" means the method is not
// entry-scoped for this payload.
type EntryResolver func(payload json.RawMessage) string

// AuthorizeFunc overrides the default access check for one method. Used by the
// admin scaffolding for rules like "delete also honors entry-level admin".
type AuthorizeFunc func(ctx context.Context, caller *Caller, entryID string) error

// Method is one declared remote operation. Immutable once registered; the
// dispatch and tool registries iterate the table rather than scanning shape.
type Method struct {
	Name        string
	Level       access.Level
	Description string
	Handler     Handler

	// EntryID resolves the entry id for entry-scoped access checks; nil falls
	// back to the conventional "id" payload field.
	EntryID EntryResolver

	// ServiceOnly restricts the check to service-level sufficiency: entry
	// ACLs never satisfy it.
	ServiceOnly bool

	// Authorize, when set, replaces the default access check entirely.
	Authorize AuthorizeFunc
}

// MethodOption customizes a method at registration time.
type MethodOption func(*Method)

// WithDescription attaches a human-readable description, surfaced by the tool
// registry's listing.
func WithDescription(desc string) MethodOption {
	return func(m *Method) { m.Description = desc }
}

// WithEntryResolver sets a custom entry id resolver for payloads that do not
// carry a conventional "id" field.
func WithEntryResolver(r EntryResolver) MethodOption {
	return func(m *Method) { m.EntryID = r }
}

// ServiceLevelOnly marks the method as satisfiable by service-level access
// only, never by an entry ACL.
func ServiceLevelOnly() MethodOption {
	return func(m *Method) { m.ServiceOnly = true }
}

func withAuthorize(fn AuthorizeFunc) MethodOption {
	return func(m *Method) { m.Authorize = fn }
}

// ConventionalEntryID extracts the "id" field from a JSON payload, returning
// "" when absent. The dispatch layer uses it when no resolver is declared.
func ConventionalEntryID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.ID
}
