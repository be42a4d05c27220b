// ABOUTME: Wiring tests for the assembled gateway
// ABOUTME: Exercises health, websocket RPC, and lifecycle against a real server

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/rift/internal/auth"
	"github.com/fableforge/rift/internal/client"
	"github.com/fableforge/rift/internal/config"
	"github.com/fableforge/rift/internal/orchestrator"
)

const testSecret = "gateway-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Stream(context.Context, orchestrator.Request) (orchestrator.Stream, error) {
	return nil, errors.New("stub provider cannot stream")
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(testConfig(), testLogger(), WithProvider(stubProvider{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestWebsocketRPCThroughAssembledGateway(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.httpServer.Handler)
	defer srv.Close()

	verifier := auth.NewJWTVerifier([]byte(testSecret))
	token, err := verifier.Generate("user:alice", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, err := client.Dial(ctx, url, client.WithToken(token))
	require.NoError(t, err)
	defer c.Close()

	data, err := c.Call(ctx, "users:register", json.RawMessage(`{"displayName":"Alice"}`))
	require.NoError(t, err)

	var profile struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}
	require.NoError(t, json.Unmarshal(data, &profile))
	assert.Equal(t, "user:alice", profile.ID)
	assert.Equal(t, "Alice", profile.DisplayName)

	data, err = c.Call(ctx, "users:get", json.RawMessage(`{"id":"user:alice"}`))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Alice")
}

func TestGuestDeniedThroughAssembledGateway(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.httpServer.Handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, err := client.Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(ctx, "users:register", json.RawMessage(`{}`))
	var callErr *client.Error
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, 401, callErr.Code)
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	g := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.Name = "llamagram"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llamagram")
}

func TestNewRejectsMissingAllowListFile(t *testing.T) {
	cfg := testConfig()
	cfg.Tools.AllowListPath = "/nonexistent/allow.toml"

	_, err := New(cfg, testLogger(), WithProvider(stubProvider{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow-lists")
}
