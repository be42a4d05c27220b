// ABOUTME: Websocket client with call/ack correlation and shared subscriptions
// ABOUTME: One wire subscription per (service, entryID) regardless of consumers

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// unsubscribeTimeout bounds the wire unsubscribe sent when the last local
// consumer detaches.
const unsubscribeTimeout = 5 * time.Second

// Error is a failed ack. Code is zero when the server sent none.
type Error struct {
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

// ErrClosed is returned by operations on a closed client.
var ErrClosed = &Error{Message: "client closed"}

type callFrame struct {
	ID    int64           `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// inbound covers both ack and push frames; acks carry an ID, pushes an event
// of the form service:update:entryID.
type inbound struct {
	ID      *int64          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    int             `json:"code"`
	Event   string          `json:"event"`
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// Handler receives pushed payloads for a subscription.
type Handler func(payload json.RawMessage)

// Client is one persistent connection to the server.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan ackResult

	subMu sync.Mutex
	subs  map[subKey]*sharedSub

	closeOnce sync.Once
	closed    chan struct{}
}

type subKey struct {
	service string
	entryID string
}

// sharedSub fans one wire subscription out to any number of local handlers.
// ready closes once the owning subscriber's wire call resolves; err and
// snapshot are only read after that.
type sharedSub struct {
	mu         sync.Mutex
	handlers   map[int]Handler
	nextHandle int

	ready    chan struct{}
	err      error
	snapshot json.RawMessage
}

// Option configures a Client.
type Option func(*dialConfig)

type dialConfig struct {
	header http.Header
	logger *slog.Logger
}

// WithToken sends a JWT as the Authorization bearer header.
func WithToken(token string) Option {
	return func(c *dialConfig) { c.header.Set("Authorization", "Bearer "+token) }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *dialConfig) { c.logger = logger }
}

// Dial connects to the server's websocket endpoint.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	cfg := &dialConfig{header: http.Header{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		logger:  cfg.logger.With("component", "client"),
		pending: make(map[int64]chan ackResult),
		subs:    make(map[subKey]*sharedSub),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()

		c.mu.Lock()
		for id, ch := range c.pending {
			ch <- ackResult{err: ErrClosed}
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
	return err
}

// Call sends one frame and waits for its ack. Failed acks come back as *Error.
func (c *Client) Call(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan ackResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(callFrame{ID: id, Event: event, Data: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("writing frame: %w", err)
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Subscription is one local consumer of a shared wire subscription.
type Subscription struct {
	client *Client
	key    subKey
	handle int

	closeOnce sync.Once
}

// Subscribe registers a handler for updates to one entry. The first local
// subscriber for a (service, entryID) pair sends the wire subscribe; later
// ones share it and receive the shared snapshot. The wire call happens
// outside subMu so the read loop can keep delivering frames.
func (c *Client) Subscribe(ctx context.Context, service, entryID string, handler Handler) (*Subscription, json.RawMessage, error) {
	key := subKey{service: service, entryID: entryID}

	c.subMu.Lock()
	sub, exists := c.subs[key]
	if !exists {
		sub = &sharedSub{handlers: make(map[int]Handler), ready: make(chan struct{})}
		c.subs[key] = sub
	}
	handle := sub.add(handler)
	c.subMu.Unlock()

	if !exists {
		snapshot, err := c.Call(ctx, service+":subscribe", map[string]string{"entryId": entryID})
		sub.snapshot, sub.err = snapshot, err
		close(sub.ready)
	}

	select {
	case <-sub.ready:
	case <-ctx.Done():
		c.detach(key, sub, handle)
		return nil, nil, ctx.Err()
	}

	if sub.err != nil {
		c.detach(key, sub, handle)
		return nil, nil, sub.err
	}
	return &Subscription{client: c, key: key, handle: handle}, sub.snapshot, nil
}

// detach removes one handler, dropping the shared entry when it empties.
// Returns true when this was the last consumer.
func (c *Client) detach(key subKey, sub *sharedSub, handle int) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if sub.remove(handle) > 0 {
		return false
	}
	if current, ok := c.subs[key]; ok && current == sub {
		delete(c.subs, key)
	}
	return true
}

// Close detaches this consumer. The wire unsubscribe goes out only when the
// last consumer of the pair detaches.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		c := s.client
		c.subMu.Lock()
		sub, ok := c.subs[s.key]
		c.subMu.Unlock()
		if !ok {
			return
		}
		if !c.detach(s.key, sub, s.handle) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if _, err := c.Call(ctx, s.key.service+":unsubscribe", map[string]string{"entryId": s.key.entryID}); err != nil {
			c.logger.Debug("unsubscribe failed", "service", s.key.service, "entry_id", s.key.entryID, "error", err)
		}
	})
}

func (s *sharedSub) add(h Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle++
	s.handlers[s.nextHandle] = h
	return s.nextHandle
}

// remove drops one handler and returns how many remain.
func (s *sharedSub) remove(handle int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, handle)
	return len(s.handlers)
}

func (s *sharedSub) dispatch(payload json.RawMessage) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}

// readLoop routes acks to their pending calls and pushes to shared
// subscriptions until the connection dies.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		var frame inbound
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		if frame.ID != nil {
			c.deliverAck(frame)
			continue
		}
		if frame.Event != "" {
			c.deliverPush(frame)
		}
	}
}

func (c *Client) deliverAck(frame inbound) {
	c.mu.Lock()
	ch, ok := c.pending[*frame.ID]
	if ok {
		delete(c.pending, *frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if frame.Success {
		ch <- ackResult{data: frame.Data}
		return
	}
	ch <- ackResult{err: &Error{Message: frame.Error, Code: frame.Code}}
}

func (c *Client) deliverPush(frame inbound) {
	service, rest, ok := splitEvent(frame.Event)
	if !ok {
		return
	}

	c.subMu.Lock()
	sub, found := c.subs[subKey{service: service, entryID: rest}]
	c.subMu.Unlock()
	if !found {
		return
	}
	sub.dispatch(frame.Data)
}

// splitEvent parses "service:update:entryID" push events.
func splitEvent(event string) (service, entryID string, ok bool) {
	const sep = ":update:"
	i := strings.Index(event, sep)
	if i < 0 {
		return "", "", false
	}
	return event[:i], event[i+len(sep):], true
}
