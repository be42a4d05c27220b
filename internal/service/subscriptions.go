// ABOUTME: Subscriber registry for one entity type with prune-on-empty fan-out sets.
// ABOUTME: Keys exist iff their subscriber set is non-empty; safe for concurrent use.

package service

import "sync"

// Subscriptions tracks which connections listen to which entry of one entity
// type. It is an in-memory cache of "who is listening", never of entity
// content, and is rebuilt naturally as connections come and go.
type Subscriptions struct {
	mu      sync.RWMutex
	entries map[string]map[string]Subscriber // entryID -> connID -> subscriber
}

// NewSubscriptions creates an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{entries: make(map[string]map[string]Subscriber)}
}

// Add registers sub under entryID. Repeated adds for the same pair are
// idempotent; returns false when the pair was already registered.
func (s *Subscriptions) Add(entryID string, sub Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[entryID]
	if !ok {
		set = make(map[string]Subscriber)
		s.entries[entryID] = set
	}
	if _, exists := set[sub.ID()]; exists {
		return false
	}
	set[sub.ID()] = sub
	return true
}

// Remove unregisters sub from entryID, pruning the set if it empties.
// Removing a pair that is not registered is a no-op.
func (s *Subscriptions) Remove(entryID string, sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(entryID, sub.ID())
}

// DropConn removes the connection from every entry it is subscribed to.
// Called when a connection closes.
func (s *Subscriptions) DropConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for entryID := range s.entries {
		s.removeLocked(entryID, connID)
	}
}

// Clear removes every subscriber of entryID, returning how many were removed.
func (s *Subscriptions) Clear(entryID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries[entryID])
	delete(s.entries, entryID)
	return n
}

// Snapshot returns the current subscribers of entryID. Broadcast iterates the
// snapshot so a subscriber added mid-broadcast may miss that emission but
// never observes events out of order.
func (s *Subscriptions) Snapshot(entryID string) []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.entries[entryID]
	if len(set) == 0 {
		return nil
	}
	subs := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// ConnIDs returns the connection ids subscribed to entryID.
func (s *Subscriptions) ConnIDs(entryID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.entries[entryID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Has reports whether the pair is currently registered.
func (s *Subscriptions) Has(entryID, connID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[entryID][connID]
	return ok
}

// EntryCount returns the number of entries with at least one subscriber.
func (s *Subscriptions) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Subscriptions) removeLocked(entryID, connID string) {
	set, ok := s.entries[entryID]
	if !ok {
		return
	}
	if _, exists := set[connID]; !exists {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.entries, entryID)
	}
}
