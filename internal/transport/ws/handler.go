// ABOUTME: HTTP handler that upgrades clients to websocket connections
// ABOUTME: Binds handshake identity, frame dedupe, and dispatch per connection

package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fableforge/rift/internal/auth"
	"github.com/fableforge/rift/internal/dedupe"
	"github.com/fableforge/rift/internal/dispatch"
	"github.com/fableforge/rift/internal/service"
)

// Handler upgrades HTTP requests and runs the per-connection frame loop.
type Handler struct {
	upgrader websocket.Upgrader
	auth     *auth.Authenticator
	registry *dispatch.Registry
	access   service.AccessStore
	dedupe   *dedupe.Cache
	logger   *slog.Logger

	writeTimeout time.Duration
	pingInterval time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger.With("component", "ws") }
}

// WithTimings overrides the write deadline and ping cadence.
func WithTimings(writeTimeout, pingInterval time.Duration) Option {
	return func(h *Handler) {
		h.writeTimeout = writeTimeout
		h.pingInterval = pingInterval
	}
}

// NewHandler creates the websocket endpoint. The dedupe cache may be nil to
// disable retransmit suppression.
func NewHandler(authenticator *auth.Authenticator, registry *dispatch.Registry, access service.AccessStore, cache *dedupe.Cache, opts ...Option) *Handler {
	h := &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		auth:     authenticator,
		registry: registry,
		access:   access,
		dedupe:   cache,
		logger:   slog.Default().With("component", "ws"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP resolves the handshake identity, upgrades, and runs the pumps.
// Identity failures do not reject the upgrade; the connection proceeds as a
// guest and individual operations are denied downstream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := h.auth.Identify(r)

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(wsConn, h.writeTimeout, h.pingInterval, h.logger)
	caller := &service.Caller{
		PrincipalID: identity.PrincipalID,
		Guest:       identity.Guest,
		Access:      service.NewAccessMap(h.access, identity.PrincipalID),
		Conn:        conn,
	}

	h.logger.Info("connection established",
		"conn_id", conn.ID(),
		"principal_id", identity.PrincipalID,
		"guest", identity.Guest,
		"remote_addr", r.RemoteAddr)

	go conn.writePump()
	h.readPump(conn, caller)
}

// readPump processes inbound frames until the client goes away. Every valid
// call frame produces exactly one ack; duplicate retransmits produce none.
func (h *Handler) readPump(conn *Conn, caller *service.Caller) {
	defer func() {
		conn.close()
		h.registry.HandleDisconnect(conn.ID())
		if h.dedupe != nil {
			h.dedupe.DropConn(conn.ID())
		}
		h.logger.Info("connection closed", "conn_id", conn.ID())
	}()

	// The request context dies after the upgrade; connection work gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.ws.SetReadDeadline(time.Now().Add(2 * conn.pingInterval))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(2 * conn.pingInterval))
		return nil
	})

	for {
		var frame callFrame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read failed", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(2 * conn.pingInterval))

		if frame.Event == "" {
			conn.ack(ackFrame{ID: frame.ID, Ack: dispatch.Fail("Malformed frame", dispatch.CodeUnknownTarget)})
			continue
		}

		// Frame id 0 is what a client gets when it omits the id entirely, so
		// distinct id-less calls would collide; they bypass dedupe instead.
		if frame.ID != 0 && h.dedupe != nil && h.dedupe.Observe(dedupe.FrameKey(conn.ID(), frame.ID)) {
			h.logger.Debug("dropping duplicate frame", "conn_id", conn.ID(), "frame_id", frame.ID)
			continue
		}

		ack := h.registry.Dispatch(ctx, caller, frame.Event, frame.Data)
		conn.ack(ackFrame{ID: frame.ID, Ack: ack})
	}
}
