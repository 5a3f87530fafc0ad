// Package livechan maintains the realtime event channel to the dispatch
// backend. It dials a websocket, joins the session's room, and hands
// every inbound frame to registered handlers. Delivery is best-effort
// and unordered; the reconciler owns correctness.
package livechan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Status is the tri-state connection status surfaced to the UI.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

var (
	ErrNotConnected = errors.New("livechan: not connected")
	ErrClosed       = errors.New("livechan: client closed")
)

// Frame is the wire shape of every message in both directions.
type Frame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL string

	// Role and ScopeID identify the room to join. ScopeID is the request
	// id for guests and may be set later via SetScope.
	Role    string
	ScopeID string

	// AuthToken, when set, is sent as a bearer token on the handshake.
	AuthToken string

	HTTPClient *http.Client
	Logger     Logger

	// DialTimeout bounds a single handshake attempt. MinBackoff and
	// MaxBackoff bound the reconnect delay, which doubles per failure.
	DialTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// Handler receives the payload of one inbound event.
type Handler func(payload map[string]any)

// Client is a reconnecting websocket client. Run owns the connection
// lifecycle; handlers and status subscribers are invoked from the read
// loop goroutine.
type Client struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	scopeID   string
	handlers  map[string][]Handler
	statusFns []func(Status)
	closed    bool
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("livechan: URL required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Client{
		opts:     opts,
		status:   StatusDisconnected,
		scopeID:  opts.ScopeID,
		handlers: map[string][]Handler{},
	}, nil
}

// On registers a handler for an event name. Registrations must happen
// before Run; the app wires exactly one handler per known event.
func (c *Client) On(event string, fn Handler) {
	if fn == nil {
		return
	}
	event = strings.ToLower(strings.TrimSpace(event))
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// OnStatusChange registers a callback for connection status transitions.
func (c *Client) OnStatusChange(fn func(Status)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.statusFns = append(c.statusFns, fn)
	c.mu.Unlock()
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetScope updates the room scope. If a connection is live the new
// scope is announced immediately; every future (re)connect re-joins
// with it.
func (c *Client) SetScope(ctx context.Context, scopeID string) error {
	c.mu.Lock()
	c.scopeID = scopeID
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.writeJoin(ctx, conn)
}

// Emit sends an event to the backend over the live connection.
func (c *Client) Emit(ctx context.Context, event string, data map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, Frame{Event: event, Data: data})
}

// Run connects and keeps reconnecting with capped exponential backoff
// until ctx is cancelled or Close is called. It returns ctx.Err() on
// cancellation.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		if err := ctx.Err(); err != nil {
			c.setStatus(StatusDisconnected)
			return err
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.setStatus(StatusDisconnected)
			return ErrClosed
		}

		c.setStatus(StatusConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setStatus(StatusDisconnected)
			c.logf("dial %s failed: %v (retrying in %s)", c.opts.URL, err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}

		// The room join declares who we are on every connect; the server
		// scopes fan-out by it.
		if err := c.writeJoin(ctx, conn); err != nil {
			conn.Close(websocket.StatusInternalError, "join failed")
			c.setStatus(StatusDisconnected)
			c.logf("join failed: %v", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setStatus(StatusConnected)
		backoff = c.opts.MinBackoff

		err = c.readLoop(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		c.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logf("connection lost: %v", err)
		}
	}
}

// Close tears the client down. Run returns ErrClosed on its next pass.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	dialOpts := &websocket.DialOptions{HTTPClient: c.opts.HTTPClient}
	if c.opts.AuthToken != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.opts.AuthToken}}
	}
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, dialOpts)
	return conn, err
}

func (c *Client) writeJoin(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	scope := c.scopeID
	c.mu.Unlock()
	join := Frame{Event: "join", Data: map[string]any{"role": c.opts.Role}}
	if scope != "" {
		join.Data["scope_id"] = scope
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, join)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logf("malformed frame dropped: %v", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	event := strings.ToLower(strings.TrimSpace(frame.Event))
	if event == "" {
		return
	}
	c.mu.Lock()
	handlers := append([]Handler{}, c.handlers[event]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(frame.Data)
	}
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	fns := append([]func(Status){}, c.statusFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.opts.Logger == nil {
		return
	}
	c.opts.Logger.Printf(format, args...)
}
