package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/cdp"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

// session pairs one client envelope stream with the shared CDP connection.
// Envelopes are forwarded as-is: the only work done here is correlation
// bookkeeping on behalf of the caller.
//
// Outbound traffic is split into two queues: sendCh carries browser
// notifications and sheds load when the client is slow, replyCh carries
// correlated command replies and never drops one. A caller is waiting on
// every reply; losing it would leave them hanging until their own timeout.
type session struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	sendCh  chan []byte
	replyCh chan []byte
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSession(conn *websocket.Conn, server *Server) *session {
	return &session{
		id:      ulid.Make().String(),
		conn:    conn,
		server:  server,
		sendCh:  make(chan []byte, sendBuffer),
		replyCh: make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// run pumps the session until either loop fails, then closes everything.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.server.log.Debug("client session opened", "session", s.id)

	errCh := make(chan error, 2)
	go func() { errCh <- s.readLoop(ctx) }()
	go func() { errCh <- s.writeLoop(ctx) }()
	go s.pumpEvents(ctx)
	<-errCh

	s.close()
	s.server.log.Debug("client session closed", "session", s.id)
}

func (s *session) readLoop(ctx context.Context) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg cdp.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(cdp.Message{Error: &cdp.ResponseError{Message: "malformed envelope: " + err.Error()}})
			continue
		}
		if msg.Method == "" {
			s.reply(cdp.Message{ID: msg.ID, Error: &cdp.ResponseError{Message: "envelope missing method"}})
			continue
		}

		// Each command gets its own goroutine so a slow command doesn't
		// head-of-line block the stream.
		go s.forward(ctx, msg)
	}
}

// forward pushes one command through the shared connection and replies with
// the correlated result on the originating stream.
func (s *session) forward(ctx context.Context, msg cdp.Message) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var opts []cdp.SendOption
	if msg.SessionID != "" {
		opts = append(opts, cdp.WithSession(msg.SessionID))
	}

	var params any
	if len(msg.Params) > 0 {
		params = msg.Params
	}

	result, err := s.server.commander.SendCommand(ctx, msg.Method, params, opts...)
	reply := cdp.Message{ID: msg.ID, SessionID: msg.SessionID}
	if err != nil {
		reply.Error = &cdp.ResponseError{Message: err.Error()}
	} else {
		reply.Result = result
	}
	s.reply(reply)
}

// pumpEvents forwards browser notifications to this client. Subscriptions
// are scoped to one connection generation and close when it ends, so the
// loop re-subscribes after each reconnect.
func (s *session) pumpEvents(ctx context.Context) {
	for {
		events, cancel, err := s.server.commander.SubscribeEvents(sendBuffer)
		if err != nil {
			// Disconnected, likely mid-heal. Wait for the next generation.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		s.drainEvents(ctx, events, cancel)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *session) drainEvents(ctx context.Context, events <-chan cdp.Message, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			s.sendEvent(msg)
		}
	}
}

// sendEvent queues one notification. Events shed on a full buffer: a slow
// client loses events, never replies.
func (s *session) sendEvent(msg cdp.Message) {
	data, err := json.Marshal(&msg)
	if err != nil {
		s.server.log.Error("marshal event failed", "session", s.id, "error", err)
		return
	}
	select {
	case s.sendCh <- data:
	case <-s.done:
	default:
		s.server.log.Warn("session send buffer full, dropping event",
			"session", s.id, "method", msg.Method)
	}
}

// reply queues one correlated command reply. Replies are never shed for
// events: the send blocks, bounded by the write deadline, so the caller
// either gets its reply or the whole session is torn down.
func (s *session) reply(msg cdp.Message) {
	data, err := json.Marshal(&msg)
	if err != nil {
		s.server.log.Error("marshal reply failed", "session", s.id, "error", err)
		return
	}

	select {
	case s.replyCh <- data:
	case <-s.done:
	case <-time.After(writeTimeout):
		s.server.log.Warn("client not draining, closing session",
			"session", s.id, "id", msg.ID)
		s.close()
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-s.replyCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case data := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	_ = s.conn.Close()
}
