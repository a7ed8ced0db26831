// Package cdp implements a bidirectional Chrome DevTools Protocol client
// over a raw WebSocket connection: request/response correlation, event
// fan-out, keepalive, and reconnection. It intentionally does not use a
// higher-level CDP orchestration library — message correlation,
// timeouts, and the event-subscription table are exactly the subsystem
// this package exists to implement.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ardenmoss/bdg/internal/logging"
)

// Options configures Connect.
type Options struct {
	// Timeout bounds the initial dial. Default 10s.
	Timeout time.Duration
	// KeepaliveInterval is the ping cadence. Zero means the 30s default; a
	// negative value disables keepalive entirely (used by tests against
	// mock servers).
	KeepaliveInterval time.Duration
	// MaxRetries bounds dial attempts before giving up. Default 3.
	MaxRetries int
	// AutoReconnect re-dials after an unexpected close.
	AutoReconnect bool
	// OnReconnect runs after a successful reconnect, on the reconnect
	// goroutine. Callers use it to re-enable CDP domains.
	OnReconnect func(c *Client)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.KeepaliveInterval == 0 {
		out.KeepaliveInterval = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	return out
}

// commandTimeout is a var, not a const, so internal tests can shrink it
// instead of waiting out the real 30s.
var commandTimeout = 30 * time.Second

type pendingRequest struct {
	id     int64
	method string
	result chan sendResult
	timer  *time.Timer
}

type sendResult struct {
	result json.RawMessage
	err    error
}

type handlerEntry struct {
	id int64
	fn func(params json.RawMessage, sessionID string)
}

type wireRequest struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireFrame struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Client is a single multiplexed duplex channel to Chrome.
type Client struct {
	logger logging.Logger
	opts   Options
	wsURL  string

	state stateBox

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	nextID atomic64

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest

	handlersMu    sync.Mutex
	handlers      map[string][]handlerEntry
	nextHandlerID atomic64

	missedPongs atomic64

	closeOnce        sync.Once
	intentionalClose atomic64 // 0/1 used as bool

	readerDone chan struct{}
}

// New creates an unconnected Client. Call Connect before Send.
func New(logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewStdoutLogger("cdp")
	}
	return &Client{
		logger:  logger.With(logging.Field{Key: "component", Value: "cdp"}),
		pending: make(map[int64]*pendingRequest),
	}
}

// Connect dials wsURL with exponential backoff up to opts.MaxRetries
// attempts: min(1000*2^attempt, 5000)ms between attempts.
func (c *Client) Connect(ctx context.Context, wsURL string, opts Options) error {
	opts = opts.withDefaults()
	c.opts = opts
	c.wsURL = wsURL
	c.state.store(StateConnecting)

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
		cancel()
		if err == nil {
			c.connMu.Lock()
			c.conn = conn
			c.connMu.Unlock()
			c.state.store(StateOpen)
			c.intentionalClose.store(0)
			c.readerDone = make(chan struct{})
			conn.SetPongHandler(func(string) error {
				c.missedPongs.store(0)
				return nil
			})
			go c.readLoop()
			if opts.KeepaliveInterval > 0 {
				go c.keepaliveLoop()
			}
			return nil
		}

		lastErr = classifyDialError(err, dialCtx)
		if attempt == opts.MaxRetries-1 {
			break
		}
		backoff := time.Duration(1000<<uint(attempt)) * time.Millisecond
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.state.store(StateClosed)
			return ctx.Err()
		}
	}

	c.state.store(StateClosed)
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

func classifyDialError(err error, ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrConnectTimeout
	}
	if isConnRefused(err) {
		return ErrConnectRefused
	}
	return err
}

// GetPort returns the port this client connected (or will connect) to.
func (c *Client) GetPort() (int, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return 0, err
	}
	return portFromHostPort(u.Host)
}

// IsConnected reports whether the client is in the open state.
func (c *Client) IsConnected() bool {
	return c.state.load() == StateOpen
}

// Send issues a CDP request and waits for its correlated response. It
// fails with ErrNotConnected if the socket is not open, with
// *CommandError if Chrome's response carries an error field, and with
// ErrCommandTimeout after 30s.
func (c *Client) Send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	if c.state.load() != StateOpen {
		return nil, ErrNotConnected
	}

	id := c.nextID.add(1)

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("cdp: marshal params: %w", err)
		}
		rawParams = b
	}

	pr := &pendingRequest{id: id, method: method, result: make(chan sendResult, 1)}
	pr.timer = time.AfterFunc(commandTimeout, func() {
		if c.takePending(id) != nil {
			c.deliver(pr, sendResult{err: ErrCommandTimeout})
		}
	})

	c.pendingMu.Lock()
	c.pending[id] = pr
	c.pendingMu.Unlock()

	req := wireRequest{ID: id, Method: method, Params: rawParams, SessionID: sessionID}
	data, err := json.Marshal(req)
	if err != nil {
		c.takePending(id)
		pr.timer.Stop()
		return nil, fmt.Errorf("cdp: marshal request: %w", err)
	}

	c.writeMu.Lock()
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	var writeErr error
	if conn == nil {
		writeErr = ErrNotConnected
	} else {
		writeErr = conn.WriteMessage(websocket.TextMessage, data)
	}
	c.writeMu.Unlock()

	if writeErr != nil {
		if c.takePending(id) != nil {
			pr.timer.Stop()
		}
		return nil, writeErr
	}

	select {
	case res := <-pr.result:
		return res.result, res.err
	case <-ctx.Done():
		if c.takePending(id) != nil {
			pr.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

func (c *Client) takePending(id int64) *pendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	pr, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return pr
}

func (c *Client) deliver(pr *pendingRequest, res sendResult) {
	select {
	case pr.result <- res:
	default:
	}
}

// On registers handler for event and returns a handler id unique within
// this client. Multiple handlers for the same event are delivered in
// registration order.
func (c *Client) On(event string, handler func(params json.RawMessage, sessionID string)) int64 {
	id := c.nextHandlerID.add(1)
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string][]handlerEntry)
	}
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: handler})
	return id
}

// Off removes a single handler previously returned by On.
func (c *Client) Off(event string, id int64) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	entries := c.handlers[event]
	for i, e := range entries {
		if e.id == id {
			c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners clears handlers for event, or every event if event
// is empty.
func (c *Client) RemoveAllListeners(event string) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if event == "" {
		c.handlers = make(map[string][]handlerEntry)
		return
	}
	delete(c.handlers, event)
}

// Close is idempotent: it cancels all pending requests with
// ErrConnectionClosed, clears all handlers, and closes the socket.
func (c *Client) Close(code int, reason string) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.intentionalClose.store(1)
		c.state.store(StateClosing)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[int64]*pendingRequest)
		c.pendingMu.Unlock()
		for _, pr := range pending {
			pr.timer.Stop()
			c.deliver(pr, sendResult{err: ErrConnectionClosed})
		}

		c.RemoveAllListeners("")

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), deadline)
			closeErr = conn.Close()
		}
		c.state.store(StateClosed)
	})
	return closeErr
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onReadError(err)
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("discarding unparseable cdp frame", logging.Field{Key: "error", Value: err.Error()})
			continue
		}

		if frame.ID != nil {
			pr := c.takePending(*frame.ID)
			if pr == nil {
				// Either already resolved (duplicate id) or a stale
				// response for a request we've forgotten; ignore.
				continue
			}
			pr.timer.Stop()
			if frame.Error != nil {
				c.deliver(pr, sendResult{err: &CommandError{Code: frame.Error.Code, Message: frame.Error.Message}})
			} else {
				c.deliver(pr, sendResult{result: frame.Result})
			}
			continue
		}

		if frame.Method != "" {
			c.dispatchEvent(frame.Method, frame.Params, frame.SessionID)
		}
	}
}

func (c *Client) dispatchEvent(method string, params json.RawMessage, sessionID string) {
	c.handlersMu.Lock()
	entries := append([]handlerEntry(nil), c.handlers[method]...)
	c.handlersMu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event handler panicked",
						logging.Field{Key: "event", Value: method},
						logging.Field{Key: "panic", Value: fmt.Sprintf("%v", r)})
				}
			}()
			e.fn(params, sessionID)
		}()
	}
}

func (c *Client) onReadError(err error) {
	intentional := c.intentionalClose.load() == 1

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.pendingMu.Unlock()
	for _, pr := range pending {
		pr.timer.Stop()
		c.deliver(pr, sendResult{err: ErrConnectionClosed})
	}

	if intentional {
		c.state.store(StateClosed)
		return
	}

	c.logger.Warn("cdp socket closed unexpectedly", logging.Field{Key: "error", Value: err.Error()})

	if c.opts.AutoReconnect {
		c.state.store(StateConnecting)
		go c.reconnectLoop()
		return
	}

	c.state.store(StateClosed)
}

func (c *Client) reconnectLoop() {
	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		backoff := time.Duration(1000<<uint(attempt-1)) * time.Millisecond
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
		time.Sleep(backoff)

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		err := c.Connect(ctx, c.wsURL, c.opts)
		cancel()
		if err == nil {
			c.logger.Info("cdp reconnected", logging.Field{Key: "attempt", Value: attempt})
			if c.opts.OnReconnect != nil {
				c.opts.OnReconnect(c)
			}
			return
		}
		c.logger.Warn("cdp reconnect attempt failed",
			logging.Field{Key: "attempt", Value: attempt},
			logging.Field{Key: "error", Value: err.Error()})
	}
	c.logger.Error("cdp reconnect exhausted attempts")
	c.state.store(StateClosed)
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.state.load() != StateOpen {
				return
			}
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			if missed := c.missedPongs.add(1); missed >= 3 {
				_ = c.Close(1001, "No pong received")
				return
			}
		case <-c.readerDoneCh():
			return
		}
	}
}

func (c *Client) readerDoneCh() <-chan struct{} {
	if c.readerDone == nil {
		return nil
	}
	return c.readerDone
}
