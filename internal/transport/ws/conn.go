// ABOUTME: Per-connection state and read/write pumps
// ABOUTME: A Conn is the transport-side subscriber pushed to by services

package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	sendBuffer          = 256
)

// wireConn is the websocket surface Conn needs. *websocket.Conn satisfies it.
type wireConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one persistent client connection. Its identity is fixed at the
// handshake; services push to it through the Subscriber interface.
type Conn struct {
	id   string
	ws   wireConn
	send chan any

	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws wireConn, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		send:         make(chan any, sendBuffer),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		closed:       make(chan struct{}),
	}
	c.logger = logger.With("conn_id", c.id)
	return c
}

// ID returns the connection's stable identifier.
func (c *Conn) ID() string {
	return c.id
}

// Push delivers a subscription event to the client. A slow client whose
// buffer is full loses the frame rather than blocking the broadcaster.
func (c *Conn) Push(event string, payload any) {
	frame := pushFrame{Event: event, Data: payload}
	select {
	case c.send <- frame:
	case <-c.closed:
	default:
		c.logger.Warn("send buffer full, dropping push", "event", event)
	}
}

// ack queues a response frame. Acks use the same ordered writer as pushes.
func (c *Conn) ack(frame ackFrame) {
	select {
	case c.send <- frame:
	case <-c.closed:
	}
}

// close makes Push a no-op and wakes the write pump. Safe to call twice.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// writePump owns all writes to the websocket. It drains the send channel and
// keeps the connection alive with pings until close is called or a write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			// Drain anything already queued before closing
			for {
				select {
				case frame := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
					if err := c.ws.WriteJSON(frame); err != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
					_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
