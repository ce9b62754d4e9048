package cdp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeEndpoint is an in-process stand-in for the browser's debugging
// endpoint: HTTP discovery plus a websocket target that replies to commands.
type fakeEndpoint struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	targets  []TargetInfo
	received []Message
	conns    []*safeConn
	dials    int
	mute     map[string]bool   // methods that never get a reply
	fail     map[string]string // methods that reply with an error payload
	listWait time.Duration     // artificial /json/list latency
}

// safeConn serializes writes to one websocket connection.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *safeConn) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()

	f := &fakeEndpoint{
		t:    t,
		mute: make(map[string]bool),
		fail: make(map[string]string),
	}
	f.targets = []TargetInfo{{
		ID:    "target-1",
		Type:  "page",
		Title: "Example",
		URL:   "https://example.test/",
	}}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VersionInfo{Browser: "HeadlessChrome/126.0", ProtocolVersion: "1.3"})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		wait := f.listWait
		targets := make([]TargetInfo, len(f.targets))
		copy(targets, f.targets)
		f.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
		for i := range targets {
			targets[i].WebSocketDebuggerURL = f.wsURL(targets[i].ID)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(targets)
	})
	mux.HandleFunc("/devtools/page/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &safeConn{conn: conn}
		f.mu.Lock()
		f.dials++
		f.conns = append(f.conns, sc)
		f.mu.Unlock()
		f.serve(sc)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) serve(sc *safeConn) {
	for {
		var msg Message
		if err := sc.conn.ReadJSON(&msg); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, msg)
		muted := f.mute[msg.Method]
		failMsg, failed := f.fail[msg.Method]
		f.mu.Unlock()

		if muted {
			continue
		}
		reply := Message{ID: msg.ID, SessionID: msg.SessionID}
		if failed {
			reply.Error = &ResponseError{Code: -32000, Message: failMsg}
		} else {
			reply.Result = json.RawMessage(`{}`)
		}
		if err := sc.writeJSON(&reply); err != nil {
			return
		}
	}
}

func (f *fakeEndpoint) port() int {
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		f.t.Fatalf("failed to parse server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		f.t.Fatalf("failed to parse server port: %v", err)
	}
	return port
}

func (f *fakeEndpoint) wsURL(targetID string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/page/" + targetID
}

func (f *fakeEndpoint) setTargets(targets []TargetInfo) {
	f.mu.Lock()
	f.targets = targets
	f.mu.Unlock()
}

func (f *fakeEndpoint) muteMethod(method string) {
	f.mu.Lock()
	f.mute[method] = true
	f.mu.Unlock()
}

func (f *fakeEndpoint) failMethod(method, message string) {
	f.mu.Lock()
	f.fail[method] = message
	f.mu.Unlock()
}

func (f *fakeEndpoint) receivedCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.received {
		if m.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeEndpoint) lastReceived(method string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.received) - 1; i >= 0; i-- {
		if f.received[i].Method == method {
			return f.received[i], true
		}
	}
	return Message{}, false
}

func (f *fakeEndpoint) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// notifyLatest pushes an asynchronous notification on the newest connection.
func (f *fakeEndpoint) notifyLatest(method string, params any) {
	f.mu.Lock()
	if len(f.conns) == 0 {
		f.mu.Unlock()
		f.t.Fatal("no connection to notify")
	}
	sc := f.conns[len(f.conns)-1]
	f.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		f.t.Fatalf("failed to marshal notification params: %v", err)
	}
	if err := sc.writeJSON(&Message{Method: method, Params: raw}); err != nil {
		f.t.Fatalf("failed to push notification: %v", err)
	}
}

// closeAll closes every accepted connection from the server side.
func (f *fakeEndpoint) closeAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
}
