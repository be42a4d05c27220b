// ABOUTME: Transport-independent tool invoker over the dispatch registry.
// ABOUTME: Synthesizes callers for non-connection invocations; same access path.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fableforge/rift/internal/dispatch"
	"github.com/fableforge/rift/internal/service"
)

// ErrUnknownTool is returned when the tool name does not resolve to a
// registered service method.
var ErrUnknownTool = errors.New("unknown tool")

// ErrToolNotAllowed is returned when the invoking agent's allow-list does not
// contain the tool, regardless of the principal's own access.
var ErrToolNotAllowed = errors.New("tool not in agent allow-list")

// Tool describes one invokable method for discovery listings.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Level       string `json:"requiredLevel"`
}

// InvokeOptions carry the optional agent identity of an invocation. An empty
// AgentID means the caller acts purely as the principal, with no allow-list
// narrowing.
type InvokeOptions struct {
	AgentID string
}

// Registry lets non-connection callers (models, MCP clients) invoke declared
// service methods. Every invocation passes the same access check as the RPC
// path; the agent allow-list is applied on top and can only narrow.
type Registry struct {
	dispatch *dispatch.Registry
	access   service.AccessStore
	allow    *AllowLists
	logger   *slog.Logger
}

// NewRegistry creates a tool registry over the dispatch registry. allow may
// be nil when no agents are configured.
func NewRegistry(d *dispatch.Registry, accessStore service.AccessStore, allow *AllowLists, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dispatch: d,
		access:   accessStore,
		allow:    allow,
		logger:   logger.With("component", "tools"),
	}
}

// List returns the tools visible to the given agent, in the order their
// services and methods were registered. An empty agent id lists every
// declared method; subscribe/unsubscribe are transport concerns and never
// appear as tools.
func (r *Registry) List(agentID string) []Tool {
	var out []Tool
	for _, svc := range r.dispatch.Services() {
		for _, m := range svc.Methods() {
			name := svc.Name() + ":" + m.Name
			if agentID != "" && !r.allow.Allowed(agentID, name) {
				continue
			}
			out = append(out, Tool{
				Name:        name,
				Description: m.Description,
				Level:       m.Level.String(),
			})
		}
	}
	return out
}

// Invoke runs one tool on behalf of a principal. The tool name is
// `<service>:<method>`. The synthesized caller hydrates its access map from
// the durable store, so tool invocations see exactly the grants a live
// connection for the same principal would.
func (r *Registry) Invoke(ctx context.Context, name string, payload json.RawMessage, principalID string, opts InvokeOptions) (any, error) {
	svcName, methodName, ok := strings.Cut(name, ":")
	if !ok || svcName == "" || methodName == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	svc, ok := r.dispatch.Service(svcName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if _, ok := svc.Method(methodName); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if opts.AgentID != "" && !r.allow.Allowed(opts.AgentID, name) {
		r.logger.Warn("tool blocked by allow-list", "tool", name, "agent", opts.AgentID, "principal", principalID)
		return nil, fmt.Errorf("%w: %s", ErrToolNotAllowed, name)
	}

	caller := &service.Caller{
		PrincipalID: principalID,
		Access:      service.NewAccessMap(r.access, principalID),
	}

	result, err := r.dispatch.Invoke(ctx, caller, svcName, methodName, payload)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("tool invoked", "tool", name, "agent", opts.AgentID, "principal", principalID)
	return result, nil
}
