// ABOUTME: Caller identity and the per-principal service access map.
// ABOUTME: Unifies live-connection and synthetic (tool) callers behind one type.

package service

import (
	"context"
	"sync"

	"github.com/fableforge/rift/internal/access"
)

// Subscriber is the push side of a connection: anything that can receive
// broadcast events for an entry it subscribed to. Implemented by transport
// connections; tool-invocation callers have none.
type Subscriber interface {
	// ID uniquely identifies the connection within the process.
	ID() string
	// Push delivers a server-emitted event. Implementations must not block;
	// slow consumers drop events rather than stall the broadcaster.
	Push(event string, payload any)
}

// Caller is the identity a method handler runs on behalf of. It is built from
// a live connection on the RPC path, or synthesized from a persisted access
// map on the tool-invocation path, so access checks never branch on origin.
type Caller struct {
	PrincipalID string
	Guest       bool
	Access      *AccessMap
	Conn        Subscriber // nil for synthetic callers
}

// Authenticated reports whether the caller carries a verified principal.
// Guests have a synthetic principal id but never count as authenticated.
func (c *Caller) Authenticated() bool {
	return c != nil && !c.Guest && c.PrincipalID != ""
}

// AccessStore persists per-principal service access maps. The durable store is
// the source of truth; AccessMap is the per-connection cache over it.
type AccessStore interface {
	ServiceAccess(ctx context.Context, principalID string) (map[string]access.Level, error)
	SetServiceAccess(ctx context.Context, principalID, service string, level access.Level) error
}

// AccessMap caches a principal's service-level grants. It is hydrated from the
// store on first use and lazily backfilled with each service's default level
// when a key is missing; backfills are written through to the store.
type AccessMap struct {
	mu          sync.Mutex
	store       AccessStore
	principalID string
	levels      map[string]access.Level
	loaded      bool
}

// NewAccessMap creates an access map for the principal. A nil store yields a
// purely in-memory map (used for guests and tests).
func NewAccessMap(store AccessStore, principalID string) *AccessMap {
	return &AccessMap{store: store, principalID: principalID}
}

// Level returns the principal's grant for the service, backfilling the
// service's default level on first use. Store failures degrade to the default
// without failing the call; the backfill is retried on the next miss.
func (m *AccessMap) Level(ctx context.Context, service string, fallback access.Level) access.Level {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hydrateLocked(ctx)
	if level, ok := m.levels[service]; ok {
		return level
	}

	m.levels[service] = fallback
	if m.store != nil && m.principalID != "" {
		if err := m.store.SetServiceAccess(ctx, m.principalID, service, fallback); err != nil {
			// Keep the in-memory value; the durable copy catches up later.
			delete(m.levels, service)
		}
	}
	return fallback
}

// Set overrides the cached grant for a service. Used when an admin changes a
// grant mid-session and by tests.
func (m *AccessMap) Set(service string, level access.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[string]access.Level)
	}
	m.loaded = true
	m.levels[service] = level
}

func (m *AccessMap) hydrateLocked(ctx context.Context) {
	if m.loaded {
		return
	}
	m.levels = make(map[string]access.Level)
	if m.store != nil && m.principalID != "" {
		if stored, err := m.store.ServiceAccess(ctx, m.principalID); err == nil {
			for svc, level := range stored {
				m.levels[svc] = level
			}
			m.loaded = true
			return
		}
		// Store unavailable: stay unloaded so the next access retries.
		return
	}
	m.loaded = true
}
