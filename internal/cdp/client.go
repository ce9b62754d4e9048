// Package cdp owns the single persistent Chrome DevTools Protocol connection
// held by the Primary: endpoint discovery, command/response correlation,
// sub-target tracking, and reconnection after the browser restarts.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

const (
	// DefaultConnectTimeout bounds the first connect, including discovery.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultAttemptTimeout bounds one attempt inside the reconnect loop.
	// Reconnect attempts are cheap to retry, so each one fails fast.
	DefaultAttemptTimeout = 2 * time.Second

	// DefaultTargetType is the discovery target type the gateway attaches to.
	DefaultTargetType = "page"
)

// Config configures a Client. Zero values take the package defaults.
type Config struct {
	// TargetType selects which discovery targets are eligible (default "page").
	TargetType string

	// TargetTitle, when set, prefers the target with this exact title over
	// the first target of TargetType.
	TargetTitle string

	// ConnectTimeout bounds Connect end to end.
	ConnectTimeout time.Duration

	// AttemptTimeout bounds each attempt inside Reconnect.
	AttemptTimeout time.Duration

	Logger pslog.Logger
}

// DisconnectHandler is invoked once per transport closure. WasIntentional is
// true only when Disconnect was called locally; port is the last known
// discovery port, for use by healing logic.
type DisconnectHandler func(wasIntentional bool, port int)

type commandResult struct {
	msg Message
	err error
}

type reconnectOp struct {
	done chan struct{}
	err  error
}

// Client manages the persistent CDP connection. All methods are safe for
// concurrent use. Commands are correlated strictly within one connection
// generation: a reconnect rejects every pending command with
// ErrTransportClosed and starts a fresh request-id space.
type Client struct {
	cfg Config
	log pslog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	port         int
	generation   int64
	nextID       int64
	pending      map[int64]chan commandResult
	targets      map[string]TargetDescriptor
	subs         map[*eventSub]struct{}
	intentional  bool // Disconnect was called on the current connection
	silent       bool // tear down without invoking the disconnect handler
	onDisconnect DisconnectHandler

	// writeMu serializes frame writes; gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex

	reconnectMu sync.Mutex
	inflight    *reconnectOp
}

// NewClient creates a disconnected Client.
func NewClient(cfg Config) *Client {
	if cfg.TargetType == "" {
		cfg.TargetType = DefaultTargetType
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		pending: make(map[int64]chan commandResult),
		targets: make(map[string]TargetDescriptor),
		subs:    make(map[*eventSub]struct{}),
	}
}

// SetDisconnectHandler registers the callback invoked on transport closure.
// Must be set before Connect to observe the first generation.
func (c *Client) SetDisconnectHandler(fn DisconnectHandler) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Ready reports whether a live connection exists.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Generation returns the counter distinguishing successive live connections.
func (c *Client) Generation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Port returns the discovery port of the current or last connection.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// AttachedTargets returns a snapshot of the currently attached sub-targets.
func (c *Client) AttachedTargets() []TargetDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TargetDescriptor, 0, len(c.targets))
	for _, t := range c.targets {
		out = append(out, t)
	}
	return out
}

// Connect discovers the endpoint on port and opens the persistent connection,
// bounded by the configured connect timeout. On success the connection is
// Ready: baseline domains enabled, auto-attach registered, generation bumped.
func (c *Client) Connect(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	return c.connect(ctx, port)
}

func (c *Client) connect(ctx context.Context, port int) error {
	target, err := c.discover(ctx, port)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.AttemptTimeout}
	conn, resp, err := dialer.DialContext(ctx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return fmt.Errorf("open connection to %s: %w", target.WebSocketDebuggerURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("cdp: already connected")
	}
	c.conn = conn
	c.port = port
	c.generation++
	gen := c.generation
	c.nextID = 0
	c.pending = make(map[int64]chan commandResult)
	c.targets = make(map[string]TargetDescriptor)
	c.subs = make(map[*eventSub]struct{})
	c.intentional = false
	c.silent = false
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	if err := c.readySequence(ctx); err != nil {
		c.closeCurrent(true)
		return fmt.Errorf("startup sequence: %w", err)
	}

	c.log.Info("connected",
		"port", port,
		"generation", gen,
		"target", target.ID,
		"title", target.Title)
	return nil
}

// readySequence issues the fixed startup commands: the two baseline domains
// the gateway itself depends on, target discovery, and flattened auto-attach
// for the sub-target types of interest.
func (c *Client) readySequence(ctx context.Context) error {
	calls := []struct {
		method string
		params any
	}{
		{"Page.enable", nil},
		{"Runtime.enable", nil},
		{"Target.setDiscoverTargets", map[string]any{"discover": true}},
		{"Target.setAutoAttach", map[string]any{
			"autoAttach":             true,
			"waitForDebuggerOnStart": false,
			"flatten":                true,
			"filter": []map[string]any{
				{"type": "page"},
				{"type": "iframe"},
			},
		}},
	}
	for _, call := range calls {
		if _, err := c.SendCommand(ctx, call.method, call.params); err != nil {
			return err
		}
	}
	return nil
}

// SendOption adjusts one SendCommand call.
type SendOption func(*sendOptions)

type sendOptions struct {
	sessionID string
}

// WithSession routes the command to an attached sub-target session. Routing
// is purely by envelope: the socket is shared by all sessions.
func WithSession(sessionID string) SendOption {
	return func(o *sendOptions) { o.sessionID = sessionID }
}

// SessionFromOptions collapses an option list down to the session id it
// routes to. Proxying layers use it to re-encode the envelope they forward.
func SessionFromOptions(opts ...SendOption) string {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.sessionID
}

// SendCommand serializes one command onto the wire and blocks until the
// matching reply arrives or ctx expires. Error replies surface as
// *ProtocolError; transport closure rejects with ErrTransportClosed.
func (c *Client) SendCommand(ctx context.Context, method string, params any, opts ...SendOption) (json.RawMessage, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan commandResult, 1)
	c.pending[id] = ch
	gen := c.generation
	c.mu.Unlock()

	msg := Message{ID: id, Method: method, Params: raw, SessionID: o.sessionID}
	c.writeMu.Lock()
	err := conn.WriteJSON(&msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forgetPending(gen, id)
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, &ProtocolError{Method: method, Message: res.msg.Error.Message}
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		c.forgetPending(gen, id)
		return nil, fmt.Errorf("awaiting %s reply: %w", method, ctx.Err())
	}
}

// forgetPending drops one resolver, but only within the generation that
// registered it.
func (c *Client) forgetPending(gen, id int64) {
	c.mu.Lock()
	if c.generation == gen {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Disconnect closes the connection locally. The disconnect handler fires with
// wasIntentional=true. Idempotent.
func (c *Client) Disconnect() {
	c.closeCurrent(false)
}

// closeCurrent tears down the live connection synchronously. Silent teardowns
// (internal to Reconnect) skip the disconnect handler.
func (c *Client) closeCurrent(silent bool) {
	c.mu.Lock()
	conn := c.conn
	gen := c.generation
	if conn == nil {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	c.silent = silent
	c.mu.Unlock()

	c.teardown(conn, gen, nil)
}

// Reconnect re-establishes the connection, retrying with fixed backoff until
// timeout. Concurrent callers coalesce into the single in-flight attempt:
// healing logic runs from multiple call sites and must never race two sockets
// open. On success stale targets are cleared, the ready sequence repeated,
// and the generation bumped.
func (c *Client) Reconnect(ctx context.Context, port int, timeout time.Duration) error {
	c.reconnectMu.Lock()
	if op := c.inflight; op != nil {
		c.reconnectMu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	op := &reconnectOp{done: make(chan struct{})}
	c.inflight = op
	c.reconnectMu.Unlock()

	op.err = c.reconnect(ctx, port, timeout)

	c.reconnectMu.Lock()
	c.inflight = nil
	c.reconnectMu.Unlock()
	close(op.done)

	return op.err
}

func (c *Client) reconnect(ctx context.Context, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}
	deadline := time.Now().Add(timeout)

	// Drop the current connection quietly. Its pending commands are rejected
	// here and never replayed on the new generation; callers must resend.
	c.closeCurrent(true)

	var lastErr error
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		err := c.connect(attemptCtx, port)
		cancel()
		if err == nil {
			c.log.Info("reconnected", "port", port, "generation", c.Generation())
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || time.Now().After(deadline) {
			return &ReconnectError{Port: port, Elapsed: timeout.String(), LastErr: lastErr}
		}
		select {
		case <-ctx.Done():
			return &ReconnectError{Port: port, Elapsed: timeout.String(), LastErr: lastErr}
		case <-time.After(discoveryInterval):
		}
	}
}

// readLoop is the inbound dispatcher for one connection generation.
func (c *Client) readLoop(conn *websocket.Conn, gen int64) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.teardown(conn, gen, err)
			return
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	if msg.IsReply() {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- commandResult{msg: *msg}
		} else {
			// Late reply for a command that timed out or was torn down.
			c.log.Debug("reply for unknown request id", "id", msg.ID)
		}
		return
	}

	switch msg.Method {
	case "Target.attachedToTarget":
		c.handleAttached(msg.Params)
	case "Target.detachedFromTarget":
		c.handleDetached(msg.Params)
	}

	c.mu.Lock()
	dropped := c.broadcastEvent(msg)
	c.mu.Unlock()
	if dropped > 0 {
		c.log.Debug("event dropped by slow subscriber",
			"method", msg.Method,
			"dropped", dropped)
	}
}

// teardown retires one connection generation exactly once: every pending
// resolver is rejected (never silently dropped), then the disconnect handler
// fires unless the teardown was marked silent.
func (c *Client) teardown(conn *websocket.Conn, gen int64, cause error) {
	c.mu.Lock()
	if c.generation != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasIntentional := c.intentional
	silent := c.silent
	port := c.port
	cb := c.onDisconnect
	orphans := c.pending
	c.pending = make(map[int64]chan commandResult)
	c.closeSubsLocked()
	c.mu.Unlock()

	_ = conn.Close()

	for _, ch := range orphans {
		ch <- commandResult{err: ErrTransportClosed}
	}
	if len(orphans) > 0 {
		c.log.Warn("rejected in-flight commands on transport closure",
			"count", len(orphans),
			"generation", gen)
	}

	if silent {
		return
	}
	if !wasIntentional {
		c.log.Warn("transport closed", "port", port, "generation", gen, "error", cause)
	}
	if cb != nil {
		cb(wasIntentional, port)
	}
}
