package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/cdp"
)

// Client speaks the envelope framing to a running Primary's /ws endpoint.
// It is not safe for concurrent use: callers issue one command at a time or
// create one Client per caller.
type Client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	nextID int64
}

// Dial connects to the Primary's envelope endpoint on the given loopback port.
func Dial(ctx context.Context, port int) (*Client, error) {
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to primary at %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &Client{conn: conn}, nil
}

// Call sends one command envelope and blocks until the correlated reply
// arrives or ctx expires. SessionID may be empty for top-level commands.
func (c *Client) Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	c.nextID++
	id := c.nextID
	msg := cdp.Message{ID: id, Method: method, Params: raw, SessionID: sessionID}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	if err := c.conn.WriteJSON(&msg); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	for {
		var reply cdp.Message
		if err := c.conn.ReadJSON(&reply); err != nil {
			return nil, fmt.Errorf("read %s reply: %w", method, err)
		}
		if reply.ID != id {
			// Stale reply from an abandoned earlier call.
			continue
		}
		if reply.Error != nil {
			return nil, &cdp.ProtocolError{Method: method, Message: reply.Error.Message}
		}
		return reply.Result, nil
	}
}

// Close closes the underlying stream.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Health is the /health response of a running Primary.
type Health struct {
	Status     string `json:"status"`
	PID        int    `json:"pid"`
	Generation int64  `json:"generation"`
	Targets    int    `json:"targets"`
	UptimeSec  int64  `json:"uptimeSec"`
}

// FetchHealth probes a Primary's health endpoint with a bounded timeout.
// A non-200 answer still yields the payload so callers can report the
// Primary's own view of its state.
func FetchHealth(ctx context.Context, port int, timeout time.Duration) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("parse health response: %w", err)
	}
	return &health, nil
}
