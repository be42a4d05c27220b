// ABOUTME: Tests for the MCP HTTP server including tool listing and execution.
// ABOUTME: Validates auth handling, session lifecycle, and error responses.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/rift/internal/access"
	"github.com/fableforge/rift/internal/auth"
	"github.com/fableforge/rift/internal/dispatch"
	"github.com/fableforge/rift/internal/service"
	"github.com/fableforge/rift/internal/store"
	"github.com/fableforge/rift/internal/tools"
)

type widget struct {
	ID    string      `json:"id"`
	Title string      `json:"title"`
	ACL   access.List `json:"acl"`
}

func (w widget) EntityID() string          { return w.ID }
func (w widget) EntityAccess() access.List { return w.ACL }

type memStore struct {
	mu   sync.Mutex
	rows map[string]widget
}

func (s *memStore) Insert(_ context.Context, w widget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[w.ID]; ok {
		return service.ErrDuplicate
	}
	s.rows[w.ID] = w
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.rows[id]
	if !ok {
		return widget{}, service.ErrNotFound
	}
	return w, nil
}

func (s *memStore) Update(_ context.Context, id string, apply func(widget) widget) (widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.rows[id]
	if !ok {
		return widget{}, service.ErrNotFound
	}
	w = apply(w)
	s.rows[id] = w
	return w, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memStore) List(_ context.Context, limit int) ([]widget, error) {
	return nil, nil
}

type memAccessStore struct {
	mu     sync.Mutex
	levels map[string]map[string]access.Level
}

func (s *memAccessStore) ServiceAccess(_ context.Context, principalID string) (map[string]access.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]access.Level{}
	for svc, lvl := range s.levels[principalID] {
		out[svc] = lvl
	}
	return out, nil
}

func (s *memAccessStore) SetServiceAccess(_ context.Context, principalID, svc string, level access.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.levels == nil {
		s.levels = map[string]map[string]access.Level{}
	}
	if s.levels[principalID] == nil {
		s.levels[principalID] = map[string]access.Level{}
	}
	s.levels[principalID][svc] = level
	return nil
}

type memGrants struct {
	grants map[string]store.Grant
}

func (g *memGrants) Lookup(_ context.Context, token string) (store.Grant, error) {
	grant, ok := g.grants[token]
	if !ok {
		return store.Grant{}, store.ErrTokenNotFound
	}
	return grant, nil
}

const jwtSecret = "mcp-test-secret"

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	ws := &memStore{rows: map[string]widget{
		"w1": {ID: "w1", Title: "First"},
	}}
	widgets := service.New[widget]("widgets", ws)
	widgets.Register("get", access.Read, func(ctx context.Context, _ *service.Caller, payload json.RawMessage) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return widgets.Get(ctx, req.ID)
	}, service.WithDescription("Fetch a widget"))
	widgets.Register("purge", access.Admin, func(ctx context.Context, _ *service.Caller, _ json.RawMessage) (any, error) {
		return map[string]bool{"purged": true}, nil
	}, service.WithEntryResolver(func(json.RawMessage) string { return "" }), service.ServiceLevelOnly())

	registry := dispatch.NewRegistry(nil)
	registry.Register(widgets)

	allow, err := tools.ParseAllowLists("[agents.scribe]\ntools = [\"widgets:get\"]\n")
	require.NoError(t, err)

	toolReg := tools.NewRegistry(registry, &memAccessStore{}, allow, nil)

	grants := &memGrants{grants: map[string]store.Grant{
		"tok-scribe": {PrincipalID: "user:alice", AgentID: "scribe"},
		"tok-plain":  {PrincipalID: "user:alice"},
	}}

	srv, err := NewServer(Config{
		Tools:         toolReg,
		TokenVerifier: auth.NewJWTVerifier([]byte(jwtSecret)),
		TokenGrants:   grants,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return srv, hs
}

func rpc(t *testing.T, hs *httptest.Server, path, sessionID string, id int, method string, params any) (*http.Response, JSONRPCResponse) {
	t.Helper()

	body := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != 0 {
		body["id"] = id
	}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, hs.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var parsed JSONRPCResponse
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	}
	return resp, parsed
}

func initialize(t *testing.T, hs *httptest.Server, path string) string {
	t.Helper()
	resp, parsed := rpc(t, hs, path, "", 1, "initialize", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, parsed.Error)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	return sessionID
}

func TestInitialize_CreatesSession(t *testing.T) {
	_, hs := testServer(t)

	resp, parsed := rpc(t, hs, "/mcp/tok-plain", "", 1, "initialize", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, parsed.Error)
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))

	result, err := json.Marshal(parsed.Result)
	require.NoError(t, err)
	assert.Contains(t, string(result), latestProtocolVersion)
	assert.Contains(t, string(result), "riftd")
}

func TestInitialize_NoAuthRejected(t *testing.T) {
	_, hs := testServer(t)

	resp, parsed := rpc(t, hs, "/mcp", "", 1, "initialize", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, parsed.Error)
	assert.Equal(t, JSONRPCInvalidRequest, parsed.Error.Code)
}

func TestInitialize_JWTBearer(t *testing.T) {
	_, hs := testServer(t)

	token, err := auth.NewJWTVerifier([]byte(jwtSecret)).Generate("user:bob", time.Hour)
	require.NoError(t, err)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	req, err := http.NewRequest(http.MethodPost, hs.URL+"/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))
}

func TestToolsList_AgentNarrowed(t *testing.T) {
	_, hs := testServer(t)

	// The scribe agent sees only its allow-listed tool.
	sessionID := initialize(t, hs, "/mcp/tok-scribe")
	_, parsed := rpc(t, hs, "/mcp", sessionID, 2, "tools/list", nil)
	require.Nil(t, parsed.Error)

	raw, err := json.Marshal(parsed.Result)
	require.NoError(t, err)
	var result MCPListToolsResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "widgets:get", result.Tools[0].Name)

	// A plain principal token sees everything declared.
	sessionID = initialize(t, hs, "/mcp/tok-plain")
	_, parsed = rpc(t, hs, "/mcp", sessionID, 3, "tools/list", nil)
	raw, err = json.Marshal(parsed.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Len(t, result.Tools, 2)
}

func TestToolsCall_Success(t *testing.T) {
	_, hs := testServer(t)
	sessionID := initialize(t, hs, "/mcp/tok-scribe")

	_, parsed := rpc(t, hs, "/mcp", sessionID, 2, "tools/call", MCPCallToolParams{
		Name:      "widgets:get",
		Arguments: json.RawMessage(`{"id":"w1"}`),
	})
	require.Nil(t, parsed.Error)

	raw, err := json.Marshal(parsed.Result)
	require.NoError(t, err)
	var result MCPCallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "First")
}

func TestToolsCall_NotAllowedIsInBandError(t *testing.T) {
	_, hs := testServer(t)
	sessionID := initialize(t, hs, "/mcp/tok-scribe")

	// purge is declared but outside scribe's allow-list.
	_, parsed := rpc(t, hs, "/mcp", sessionID, 2, "tools/call", MCPCallToolParams{
		Name: "widgets:purge",
	})
	require.Nil(t, parsed.Error)

	raw, err := json.Marshal(parsed.Result)
	require.NoError(t, err)
	var result MCPCallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.IsError)
}

func TestToolsCall_PermissionDeniedIsInBandError(t *testing.T) {
	_, hs := testServer(t)
	sessionID := initialize(t, hs, "/mcp/tok-plain")

	// No agent narrowing, but alice lacks service-level Admin for purge.
	_, parsed := rpc(t, hs, "/mcp", sessionID, 2, "tools/call", MCPCallToolParams{
		Name: "widgets:purge",
	})
	require.Nil(t, parsed.Error)

	raw, err := json.Marshal(parsed.Result)
	require.NoError(t, err)
	var result MCPCallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "Insufficient permissions")
}

func TestToolsCall_UnknownTool(t *testing.T) {
	_, hs := testServer(t)
	sessionID := initialize(t, hs, "/mcp/tok-plain")

	_, parsed := rpc(t, hs, "/mcp", sessionID, 2, "tools/call", MCPCallToolParams{
		Name: "ghosts:summon",
	})
	require.NotNil(t, parsed.Error)
	assert.Equal(t, JSONRPCInvalidParams, parsed.Error.Code)
}

func TestPost_RequiresSessionAfterInitialize(t *testing.T) {
	_, hs := testServer(t)

	resp, _ := rpc(t, hs, "/mcp", "", 2, "tools/list", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = rpc(t, hs, "/mcp", "no-such-session", 2, "tools/list", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotification_Accepted(t *testing.T) {
	_, hs := testServer(t)
	sessionID := initialize(t, hs, "/mcp/tok-plain")

	resp, _ := rpc(t, hs, "/mcp", sessionID, 0, "notifications/initialized", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestDelete_SessionOwnership(t *testing.T) {
	_, hs := testServer(t)
	sessionID := initialize(t, hs, "/mcp/tok-plain")

	// A different credential cannot terminate the session.
	req, err := http.NewRequest(http.MethodDelete, hs.URL+"/mcp/tok-scribe", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The owner can.
	req, err = http.NewRequest(http.MethodDelete, hs.URL+"/mcp/tok-plain", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Terminated sessions are gone.
	postResp, _ := rpc(t, hs, "/mcp", sessionID, 2, "tools/list", nil)
	assert.Equal(t, http.StatusNotFound, postResp.StatusCode)
}
