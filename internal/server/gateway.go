// ABOUTME: Gateway orchestrator wiring store, services, transports, and lifecycle
// ABOUTME: Serves /healthz, /ws, and /mcp over TCP or a tailnet listener

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/fableforge/rift/internal/auth"
	"github.com/fableforge/rift/internal/config"
	"github.com/fableforge/rift/internal/conversation"
	"github.com/fableforge/rift/internal/dedupe"
	"github.com/fableforge/rift/internal/dispatch"
	"github.com/fableforge/rift/internal/mcp"
	"github.com/fableforge/rift/internal/orchestrator"
	"github.com/fableforge/rift/internal/provider/anthropic"
	"github.com/fableforge/rift/internal/provider/openai"
	"github.com/fableforge/rift/internal/store"
	"github.com/fableforge/rift/internal/tools"
	"github.com/fableforge/rift/internal/transport/ws"
	"github.com/fableforge/rift/internal/user"
)

// Gateway owns every long-lived component and the HTTP server they hang off.
type Gateway struct {
	config      *config.Config
	db          *store.DB
	dedupe      *dedupe.Cache
	dispatch    *dispatch.Registry
	tools       *tools.Registry
	convs       *conversation.Service
	users       *user.Service
	tokens      *store.TokenStore
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// Option customizes gateway construction.
type Option func(*options)

type options struct {
	provider orchestrator.Provider
}

// WithProvider overrides the config-selected text-generation backend.
func WithProvider(p orchestrator.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New wires a gateway from configuration. Nothing is listening yet; call Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	db, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config: cfg,
		db:     db,
		dedupe: dedupe.New(5*time.Minute, 100_000),
		tokens: store.NewTokenStore(db),
		logger: logger.With("component", "gateway"),
	}

	accessStore := store.NewAccessStore(db)

	prov := o.provider
	if prov == nil {
		prov, err = buildProvider(cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	allow, err := loadAllowLists(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	g.dispatch = dispatch.NewRegistry(logger)
	g.tools = tools.NewRegistry(g.dispatch, accessStore, allow, logger)

	runner := orchestrator.NewRunner(prov, g.tools, logger)

	convOpts := []conversation.Option{
		conversation.WithLogger(logger),
	}
	if cfg.Agent.ID != "" {
		convOpts = append(convOpts, conversation.WithAgentID(cfg.Agent.ID))
	}
	if cfg.Agent.SystemPrompt != "" {
		convOpts = append(convOpts, conversation.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	if cfg.Agent.HistoryLimit > 0 {
		convOpts = append(convOpts, conversation.WithHistoryLimit(cfg.Agent.HistoryLimit))
	}
	g.convs = conversation.New(
		store.NewCollection[conversation.Conversation](db, "conversations"),
		store.NewCollection[conversation.Message](db, "messages"),
		runner,
		convOpts...,
	)
	for _, surface := range g.convs.Surfaces() {
		g.dispatch.Register(surface)
	}

	g.users = user.New(store.NewCollection[user.Profile](db, "users"), user.WithLogger(logger))
	g.dispatch.Register(g.users.Surface())

	authenticator := auth.NewAuthenticator(
		auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		auth.WithDevMode(cfg.Auth.DevMode),
		auth.WithLogger(logger),
	)

	wsHandler := ws.NewHandler(authenticator, g.dispatch, accessStore, g.dedupe,
		ws.WithLogger(logger),
		ws.WithTimings(cfg.Server.WriteTimeout, cfg.Server.PingInterval),
	)

	mcpServer, err := mcp.NewServer(mcp.Config{
		Tools:         g.tools,
		Logger:        logger,
		TokenVerifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		TokenGrants:   g.tokens,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.Handle("/ws", wsHandler)
	mcpServer.RegisterRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Dispatch exposes the registry so embedders can add services before Run.
func (g *Gateway) Dispatch() *dispatch.Registry { return g.dispatch }

// Tokens exposes the MCP token store for the CLI's token subcommand.
func (g *Gateway) Tokens() *store.TokenStore { return g.tokens }

// initStore opens the configured database, honoring RIFT_DB_PATH overrides.
func initStore(cfg *config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RIFT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == ":memory:" {
		return store.OpenMemory()
	}
	return store.Open(dbPath)
}

// buildProvider selects the text-generation backend from config.
func buildProvider(cfg *config.Config) (orchestrator.Provider, error) {
	switch cfg.Provider.Name {
	case "", "anthropic":
		apiKey := cfg.Provider.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("provider.api_key or ANTHROPIC_API_KEY required")
		}
		return anthropic.NewFromAPIKey(apiKey, cfg.Provider.Model)
	case "openai":
		apiKey := cfg.Provider.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("provider.api_key or OPENAI_API_KEY required")
		}
		return openai.NewFromAPIKey(apiKey, cfg.Provider.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

// loadAllowLists reads the tool allow-list file when configured.
func loadAllowLists(cfg *config.Config, logger *slog.Logger) (*tools.AllowLists, error) {
	if cfg.Tools.AllowListPath == "" {
		return nil, nil
	}
	allow, err := tools.LoadAllowLists(cfg.Tools.AllowListPath)
	if err != nil {
		return nil, fmt.Errorf("loading tool allow-lists: %w", err)
	}
	logger.Info("tool allow-lists loaded", "path", cfg.Tools.AllowListPath)
	return allow, nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Run starts the HTTP server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener returns a tailnet listener when configured, TCP otherwise.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default when
// not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "riftd", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		AuthKey:   authKey,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
	}

	if _, err := g.tsnetServer.Up(ctx); err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("bringing up tailscale node: %w", err)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailnet: %w", err)
	}

	g.logger.Info("serving on tailnet", "hostname", tsCfg.Hostname)
	return ln, nil
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time it runs.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases every held resource.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	g.dedupe.Close()
	if err := g.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	return errors.Join(errs...)
}
