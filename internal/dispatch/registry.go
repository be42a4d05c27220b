// ABOUTME: Binds registered services' method tables to wire events and enforces
// ABOUTME: access before invocation. The one place permission logic must be airtight.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fableforge/rift/internal/access"
	"github.com/fableforge/rift/internal/service"
)

// Registry holds every registered service and routes wire events of the form
// `<service>:<method>` to the declared method tables. `<service>:subscribe`
// and `<service>:unsubscribe` are bound implicitly for every service.
type Registry struct {
	mu       sync.RWMutex
	services map[string]service.Surface
	logger   *slog.Logger
}

// NewRegistry creates an empty dispatch registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		services: make(map[string]service.Surface),
		logger:   logger.With("component", "dispatch"),
	}
}

// Register adds a service. Registering the same name twice is a programmer
// error and panics at startup.
func (r *Registry) Register(svc service.Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[svc.Name()]; exists {
		panic(fmt.Sprintf("dispatch: service %s registered twice", svc.Name()))
	}
	r.services[svc.Name()] = svc
}

// Service looks up a registered service by name.
func (r *Registry) Service(name string) (service.Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns the registered services. Order is unspecified.
func (r *Registry) Services() []service.Surface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]service.Surface, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

// HandleDisconnect removes the connection from every service's subscriber
// registry. Called by the transport when a connection closes.
func (r *Registry) HandleDisconnect(connID string) {
	for _, svc := range r.Services() {
		svc.DropConn(connID)
	}
}

// subscribeRequest is the payload of `<service>:subscribe` and
// `<service>:unsubscribe` events.
type subscribeRequest struct {
	EntryID       string `json:"entryId"`
	RequiredLevel string `json:"requiredLevel,omitempty"`
}

// Dispatch routes one wire event to its handler and returns the single
// acknowledgement the call resolves to. Failures never propagate: handler
// errors and panics both come back as failure envelopes.
func (r *Registry) Dispatch(ctx context.Context, caller *service.Caller, event string, payload json.RawMessage) (ack Ack) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic", "event", event, "panic", rec)
			ack = Fail("Internal error", CodeInternal)
		}
	}()

	svcName, methodName, ok := strings.Cut(event, ":")
	if !ok || svcName == "" || methodName == "" {
		return Fail("Malformed event name", CodeUnknownTarget)
	}
	svc, ok := r.Service(svcName)
	if !ok {
		return Fail("Unknown service", CodeUnknownTarget)
	}

	switch methodName {
	case "subscribe":
		return r.handleSubscribe(ctx, caller, svc, payload)
	case "unsubscribe":
		return r.handleUnsubscribe(caller, svc, payload)
	}

	result, err := r.invoke(ctx, caller, svc, methodName, payload)
	if err != nil {
		fail := AckError(err)
		if fail.Code == CodeInternal {
			r.logger.Error("method failed", "event", event, "principal", caller.PrincipalID, "error", err)
		}
		return fail
	}
	return OK(result)
}

// Invoke runs one declared method with access enforcement. It is the shared
// entry point for the RPC path and the tool-invocation path; the caller's
// origin never changes the check.
func (r *Registry) Invoke(ctx context.Context, caller *service.Caller, svcName, methodName string, payload json.RawMessage) (any, error) {
	svc, ok := r.Service(svcName)
	if !ok {
		return nil, fmt.Errorf("unknown service %q: %w", svcName, service.ErrNotFound)
	}
	return r.invoke(ctx, caller, svc, methodName, payload)
}

func (r *Registry) invoke(ctx context.Context, caller *service.Caller, svc service.Surface, methodName string, payload json.RawMessage) (any, error) {
	m, ok := svc.Method(methodName)
	if !ok {
		return nil, fmt.Errorf("unknown method %s:%s: %w", svc.Name(), methodName, service.ErrNotFound)
	}

	var entryID string
	if m.EntryID != nil {
		entryID = m.EntryID(payload)
	} else {
		entryID = service.ConventionalEntryID(payload)
	}

	if err := svc.Authorize(ctx, caller, m, entryID); err != nil {
		return nil, err
	}
	return m.Handler(ctx, caller, payload)
}

func (r *Registry) handleSubscribe(ctx context.Context, caller *service.Caller, svc service.Surface, payload json.RawMessage) Ack {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.EntryID == "" {
		return Fail("Malformed subscribe payload", CodeUnknownTarget)
	}

	need := access.Read
	if req.RequiredLevel != "" {
		parsed, err := access.ParseLevel(req.RequiredLevel)
		if err != nil {
			return Fail("Unknown access level", CodeUnknownTarget)
		}
		need = parsed
	}

	res := svc.Subscribe(ctx, caller, req.EntryID, need)
	switch res.Status {
	case service.SubscribeGranted:
		return OK(res.Snapshot)
	case service.SubscribeNotFound:
		// Registered with no row yet: success with a null snapshot.
		return OK(nil)
	default:
		if !caller.Authenticated() {
			return Fail("Authentication required", CodeUnauthenticated)
		}
		return Fail(service.ErrPermission.Error(), 0)
	}
}

func (r *Registry) handleUnsubscribe(caller *service.Caller, svc service.Surface, payload json.RawMessage) Ack {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.EntryID == "" {
		return Fail("Malformed unsubscribe payload", CodeUnknownTarget)
	}
	if caller.Conn != nil {
		svc.Unsubscribe(req.EntryID, caller.Conn)
	}
	return OK(nil)
}
