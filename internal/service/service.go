// ABOUTME: Generic per-entity-type service base: CRUD with broadcast, access checks,
// ABOUTME: subscription fan-out, and the typed method table domain services declare into.

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fableforge/rift/internal/access"
)

// Entity is any row a service manages.
type Entity interface {
	EntityID() string
}

// AccessHolder is implemented by entity types carrying a per-row ACL. The
// default entry evaluator consults it.
type AccessHolder interface {
	EntityAccess() access.List
}

// AccessCarrier additionally supports replacing the row ACL; required for the
// adminSetEntryACL scaffolding.
type AccessCarrier[T any] interface {
	AccessHolder
	WithEntityAccess(list access.List) T
}

// Store is the persistence contract one service needs for its entity type.
// Implementations return ErrNotFound / ErrDuplicate sentinels.
type Store[T Entity] interface {
	Insert(ctx context.Context, e T) error
	Get(ctx context.Context, id string) (T, error)
	Update(ctx context.Context, id string, apply func(T) T) (T, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]T, error)
}

// EntryEvaluator decides whether a caller may act on a specific entry at the
// required level when their service-level grant is insufficient. Services
// override it when access is evaluated against a different entity than the
// one being touched (e.g. a message deferring to its conversation's ACL).
type EntryEvaluator func(ctx context.Context, caller *Caller, entryID string, need access.Level) (bool, error)

// SubscribeStatus is the tri-state outcome of a subscribe call, replacing the
// ambiguous nil the original wire protocol used for both denial and absence.
type SubscribeStatus int

const (
	SubscribeDenied SubscribeStatus = iota
	SubscribeNotFound
	SubscribeGranted
)

// SubscribeResult carries the status and, when granted, the current snapshot.
type SubscribeResult struct {
	Status   SubscribeStatus
	Snapshot any
}

// Surface is the non-generic face a Service[T] presents to the dispatch and
// tool registries.
type Surface interface {
	Name() string
	Methods() []*Method
	Method(name string) (*Method, bool)
	Authorize(ctx context.Context, caller *Caller, m *Method, entryID string) error
	Subscribe(ctx context.Context, caller *Caller, entryID string, need access.Level) SubscribeResult
	Unsubscribe(entryID string, sub Subscriber)
	DropConn(connID string)
}

// DeletedMarker is the terminal payload broadcast to subscribers of a deleted
// entry.
type DeletedMarker struct {
	Deleted bool `json:"deleted"`
}

// Service is the runtime for one entity type. Domain services embed or wrap
// one and declare methods into it; permission logic lives here, once.
type Service[T Entity] struct {
	name         string
	store        Store[T]
	subs         *Subscriptions
	defaultLevel access.Level
	entryEval    EntryEvaluator
	logger       *slog.Logger

	methods map[string]*Method
	order   []string
}

// Option configures a Service at construction time.
type Option[T Entity] func(*Service[T])

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger[T Entity](logger *slog.Logger) Option[T] {
	return func(s *Service[T]) { s.logger = logger }
}

// WithDefaultLevel sets the service-level grant backfilled for principals
// with no stored grant for this service. Defaults to Read.
func WithDefaultLevel[T Entity](level access.Level) Option[T] {
	return func(s *Service[T]) { s.defaultLevel = level }
}

// WithEntryEvaluator overrides the default per-entry access evaluation.
func WithEntryEvaluator[T Entity](eval EntryEvaluator) Option[T] {
	return func(s *Service[T]) { s.entryEval = eval }
}

// New creates a service base for one entity type.
func New[T Entity](name string, store Store[T], opts ...Option[T]) *Service[T] {
	s := &Service[T]{
		name:         name,
		store:        store,
		subs:         NewSubscriptions(),
		defaultLevel: access.Read,
		methods:      make(map[string]*Method),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("service", name)
	if s.entryEval == nil {
		s.entryEval = s.defaultEntryEval
	}
	return s
}

// Name returns the wire-level service name.
func (s *Service[T]) Name() string { return s.name }

// Store exposes the backing store for handlers that need reads beyond CRUD.
func (s *Service[T]) Store() Store[T] { return s.store }

// Register declares a method. Declaring the same name twice is a programmer
// error and panics at startup.
func (s *Service[T]) Register(name string, level access.Level, handler Handler, opts ...MethodOption) {
	if _, exists := s.methods[name]; exists {
		panic(fmt.Sprintf("service %s: method %s registered twice", s.name, name))
	}
	m := &Method{Name: name, Level: level, Handler: handler}
	for _, opt := range opts {
		opt(m)
	}
	s.methods[name] = m
	s.order = append(s.order, name)
}

// Method looks up a declared method by name.
func (s *Service[T]) Method(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// Methods returns the method table in registration order.
func (s *Service[T]) Methods() []*Method {
	out := make([]*Method, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.methods[name])
	}
	return out
}

// ServiceLevel resolves the caller's service-level grant, backfilling the
// default on first use.
func (s *Service[T]) ServiceLevel(ctx context.Context, caller *Caller) access.Level {
	if caller == nil || caller.Access == nil {
		return access.Public
	}
	return caller.Access.Level(ctx, s.name, s.defaultLevel)
}

// EnsureAccess is the single choke point every method invocation and
// subscription passes through. Rules, in order: Public always passes; the
// caller must be authenticated; entry-scoped checks accept service-level
// sufficiency and fall back to the entry evaluator; entry-less checks accept
// Read for any authenticated caller and require service-level sufficiency
// above that.
func (s *Service[T]) EnsureAccess(ctx context.Context, caller *Caller, need access.Level, entryID string) error {
	if need == access.Public {
		return nil
	}
	if !caller.Authenticated() {
		return ErrAuthRequired
	}
	if entryID != "" {
		// A principal always has at least Read-equivalent treatment of
		// their own entry, regardless of ACL contents.
		if entryID == caller.PrincipalID && access.Read.Sufficient(need) {
			return nil
		}
		if s.ServiceLevel(ctx, caller).Sufficient(need) {
			return nil
		}
		ok, err := s.entryEval(ctx, caller, entryID, need)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPermission
		}
		return nil
	}
	if access.Read.Sufficient(need) {
		return nil
	}
	if !s.ServiceLevel(ctx, caller).Sufficient(need) {
		return ErrPermission
	}
	return nil
}

// EnsureServiceLevel checks service-level sufficiency only; entry ACLs never
// satisfy it. Used by the admin scaffolding.
func (s *Service[T]) EnsureServiceLevel(ctx context.Context, caller *Caller, need access.Level) error {
	if !caller.Authenticated() {
		return ErrAuthRequired
	}
	if !s.ServiceLevel(ctx, caller).Sufficient(need) {
		return ErrPermission
	}
	return nil
}

// Authorize applies the method's access rule for the resolved entry id.
func (s *Service[T]) Authorize(ctx context.Context, caller *Caller, m *Method, entryID string) error {
	if m.Authorize != nil {
		return m.Authorize(ctx, caller, entryID)
	}
	if m.ServiceOnly {
		if m.Level == access.Public {
			return nil
		}
		return s.EnsureServiceLevel(ctx, caller, m.Level)
	}
	return s.EnsureAccess(ctx, caller, m.Level, entryID)
}

// defaultEntryEval consults the entity's own ACL field when the entity type
// carries one; entities without an ACL grant nothing at entry level.
func (s *Service[T]) defaultEntryEval(ctx context.Context, caller *Caller, entryID string, need access.Level) (bool, error) {
	e, err := s.store.Get(ctx, entryID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	holder, ok := any(e).(AccessHolder)
	if !ok {
		return false, nil
	}
	return holder.EntityAccess().Grant(caller.PrincipalID).Sufficient(need), nil
}

// Create inserts the entity and broadcasts the full row to subscribers of its
// id. Access is the registering method's concern; Create itself never checks.
func (s *Service[T]) Create(ctx context.Context, e T) (T, error) {
	if err := s.store.Insert(ctx, e); err != nil {
		var zero T
		return zero, fmt.Errorf("inserting %s entry: %w", s.name, err)
	}
	s.Broadcast(e.EntityID(), e)
	return e, nil
}

// Update applies the mutation and broadcasts the updated row. A vanished row
// (or any store failure) yields ok=false — the not-found sentinel. Concurrent
// delete-then-update is expected and must not surface as an error.
func (s *Service[T]) Update(ctx context.Context, id string, apply func(T) T) (T, bool) {
	updated, err := s.store.Update(ctx, id, apply)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("update failed, treating row as gone", "id", id, "error", err)
		}
		var zero T
		return zero, false
	}
	s.Broadcast(id, updated)
	return updated, true
}

// Delete removes the row and broadcasts the terminal deleted marker, not the
// row itself.
func (s *Service[T]) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting %s entry: %w", s.name, err)
	}
	s.Broadcast(id, DeletedMarker{Deleted: true})
	return nil
}

// Get loads one row.
func (s *Service[T]) Get(ctx context.Context, id string) (T, error) {
	return s.store.Get(ctx, id)
}

// Broadcast fans payload out to every current subscriber of entryID under the
// wire event name `<service>:update:<entryID>`. Fan-out is synchronous over a
// snapshot of the subscriber set; per-subscriber ordering follows emission
// order.
func (s *Service[T]) Broadcast(entryID string, payload any) {
	subs := s.subs.Snapshot(entryID)
	if len(subs) == 0 {
		return
	}
	event := s.name + ":update:" + entryID
	for _, sub := range subs {
		sub.Push(event, payload)
	}
}

// Subscribe evaluates access and, if granted, registers the caller's
// connection under entryID. The tri-state result distinguishes denial from
// "authenticated but no row yet". Repeat subscriptions are idempotent.
func (s *Service[T]) Subscribe(ctx context.Context, caller *Caller, entryID string, need access.Level) SubscribeResult {
	if need == access.Public {
		need = access.Read
	}
	if err := s.EnsureAccess(ctx, caller, need, entryID); err != nil {
		return SubscribeResult{Status: SubscribeDenied}
	}
	if caller.Conn != nil {
		s.subs.Add(entryID, caller.Conn)
	}
	e, err := s.store.Get(ctx, entryID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("snapshot load failed on subscribe", "id", entryID, "error", err)
		}
		return SubscribeResult{Status: SubscribeNotFound}
	}
	return SubscribeResult{Status: SubscribeGranted, Snapshot: e}
}

// Unsubscribe removes the connection from the entry's set. Always succeeds,
// even when the pair was never subscribed.
func (s *Service[T]) Unsubscribe(entryID string, sub Subscriber) {
	s.subs.Remove(entryID, sub)
}

// DropConn removes the connection from every entry of this entity type.
func (s *Service[T]) DropConn(connID string) {
	s.subs.DropConn(connID)
}

// Subscriptions exposes the registry for admin scaffolding and tests.
func (s *Service[T]) Subscriptions() *Subscriptions { return s.subs }

// mergePatch applies a shallow JSON object patch to an entity by document
// round-trip. Unknown fields in the patch are dropped by the final unmarshal.
func mergePatch[T Entity](e T, patch map[string]json.RawMessage) (T, error) {
	var zero T
	raw, err := json.Marshal(e)
	if err != nil {
		return zero, fmt.Errorf("encoding entity: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return zero, fmt.Errorf("decoding entity document: %w", err)
	}
	for k, v := range patch {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return zero, fmt.Errorf("encoding patched document: %w", err)
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return zero, fmt.Errorf("decoding patched entity: %w", err)
	}
	return out, nil
}
