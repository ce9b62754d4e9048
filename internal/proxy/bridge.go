// Package proxy implements the Secondary role: a transparent bridge between
// a local stdio peer speaking newline-delimited CDP envelopes and the
// Primary's loopback websocket endpoint. The bridge never parses, renumbers
// or re-routes envelopes; correlation stays with the local peer.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/gateway"
)

// ErrUpstreamLost reports that the Primary went away while the bridge still
// had a local peer. The caller exits nonzero so the peer's supervisor can
// restart and re-run election.
var ErrUpstreamLost = errors.New("upstream primary connection lost")

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second

	// Envelopes carry screenshots and serialized DOM snapshots; the default
	// scanner buffer is far too small for those.
	maxEnvelopeSize = 32 * 1024 * 1024
)

// Bridge pumps envelopes between a local reader/writer pair and a Primary.
type Bridge struct {
	in  io.Reader
	out io.Writer
	log pslog.Logger
}

// NewBridge wires a bridge to its local peer streams, normally stdin and
// stdout.
func NewBridge(in io.Reader, out io.Writer, log pslog.Logger) *Bridge {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Bridge{in: in, out: out, log: log}
}

// CheckHealth asks the Primary on port whether it is serving. Advisory only:
// a false answer still permits bridging, the Primary may be mid-reconnect.
func CheckHealth(ctx context.Context, port int, timeout time.Duration) bool {
	health, err := gateway.FetchHealth(ctx, port, timeout)
	if err != nil {
		return false
	}
	return health.Status == "ok"
}

// Run bridges until one side goes away. A clean local EOF returns nil: the
// peer is done and the session ended normally. Upstream loss returns
// ErrUpstreamLost regardless of what the local side does next.
func (b *Bridge) Run(ctx context.Context, port int) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to primary at %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	b.log.Info("bridging to primary", "port", port)

	errCh := make(chan error, 2)
	go b.pumpLocal(conn, errCh)
	go b.pumpUpstream(conn, errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pumpLocal forwards newline-delimited envelopes from the local peer to the
// Primary. Local EOF is the normal end of a session.
func (b *Bridge) pumpLocal(conn *websocket.Conn, errCh chan<- error) {
	scanner := bufio.NewScanner(b.in)
	scanner.Buffer(make([]byte, 64*1024), maxEnvelopeSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			errCh <- ErrUpstreamLost
			return
		}
	}

	if err := scanner.Err(); err != nil {
		errCh <- fmt.Errorf("read local peer: %w", err)
		return
	}

	// Tell the Primary we are leaving before the deferred hard close.
	b.log.Debug("local peer closed its stream")
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	errCh <- nil
}

// pumpUpstream forwards Primary frames to the local peer, one envelope per
// line, byte-for-byte.
func (b *Bridge) pumpUpstream(conn *websocket.Conn, errCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- ErrUpstreamLost
			return
		}
		if _, err := b.out.Write(append(data, '\n')); err != nil {
			errCh <- fmt.Errorf("write local peer: %w", err)
			return
		}
	}
}
