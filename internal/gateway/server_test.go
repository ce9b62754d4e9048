package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/cdp"
)

type recordedCall struct {
	method    string
	sessionID string
	params    json.RawMessage
}

// fakeCommander substitutes the connection manager behind the endpoint.
type fakeCommander struct {
	mu      sync.Mutex
	ready   bool
	gen     int64
	targets []cdp.TargetDescriptor
	calls   []recordedCall
	results map[string]json.RawMessage
	errs    map[string]error
	subs    []chan cdp.Message
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		ready:   true,
		gen:     1,
		results: make(map[string]json.RawMessage),
		errs:    make(map[string]error),
	}
}

func (f *fakeCommander) SendCommand(ctx context.Context, method string, params any, opts ...cdp.SendOption) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	sessionID := cdp.SessionFromOptions(opts...)

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, sessionID: sessionID, params: raw})
	result, hasResult := f.results[method]
	err := f.errs[method]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if hasResult {
		return result, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeCommander) SubscribeEvents(buffer int) (<-chan cdp.Message, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return nil, nil, cdp.ErrTransportClosed
	}
	ch := make(chan cdp.Message, buffer)
	f.subs = append(f.subs, ch)
	return ch, func() {}, nil
}

func (f *fakeCommander) emitEvent(msg cdp.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- msg
	}
}

func (f *fakeCommander) AttachedTargets() []cdp.TargetDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets
}

func (f *fakeCommander) Generation() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakeCommander) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeCommander) setReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

func (f *fakeCommander) lastCall() (recordedCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return recordedCall{}, false
	}
	return f.calls[len(f.calls)-1], true
}

func startServer(t *testing.T, commander Commander) *Server {
	t.Helper()
	srv := NewServer(0, commander, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestHealthReflectsConnectionState(t *testing.T) {
	commander := newFakeCommander()
	srv := startServer(t, commander)

	url := fmt.Sprintf("http://127.0.0.1:%d/health", srv.Port())

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	var payload healthPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode health payload: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if payload.Status != "ok" || payload.Generation != 1 {
		t.Fatalf("payload = %+v", payload)
	}

	// Losing the connection must flip health to not-ready.
	commander.setReady(false)
	resp, err = http.Get(url)
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 while disconnected", resp.StatusCode)
	}
}

func TestHealthRejectsNonGet(t *testing.T) {
	srv := startServer(t, newFakeCommander())

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/health", srv.Port()), "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestEnvelopeForwarding(t *testing.T) {
	commander := newFakeCommander()
	commander.results["Runtime.evaluate"] = json.RawMessage(`{"result":{"value":2}}`)
	srv := startServer(t, commander)

	client, err := Dial(context.Background(), srv.Port())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "Runtime.evaluate", map[string]any{"expression": "1+1"}, "sess-7")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !strings.Contains(string(result), `"value":2`) {
		t.Fatalf("result = %s", result)
	}

	call, ok := commander.lastCall()
	if !ok {
		t.Fatal("no command reached the commander")
	}
	if call.method != "Runtime.evaluate" {
		t.Errorf("method = %q", call.method)
	}
	if call.sessionID != "sess-7" {
		t.Errorf("sessionID = %q, want sess-7", call.sessionID)
	}
	if !strings.Contains(string(call.params), "1+1") {
		t.Errorf("params = %s", call.params)
	}
}

func TestEnvelopeCommandError(t *testing.T) {
	commander := newFakeCommander()
	commander.errs["DOM.explode"] = errors.New("no such node")
	srv := startServer(t, commander)

	client, err := Dial(context.Background(), srv.Port())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Call(ctx, "DOM.explode", nil, "")
	var perr *cdp.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *cdp.ProtocolError", err)
	}
	if !strings.Contains(perr.Message, "no such node") {
		t.Fatalf("message = %q", perr.Message)
	}
}

func TestEnvelopeMissingMethod(t *testing.T) {
	srv := startServer(t, newFakeCommander())

	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port()), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":5}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply cdp.Message
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if reply.ID != 5 || reply.Error == nil {
		t.Fatalf("reply = %+v, want id 5 with error", reply)
	}
	if !strings.Contains(reply.Error.Message, "missing method") {
		t.Fatalf("error message = %q", reply.Error.Message)
	}
}

func TestEventsForwardedToClients(t *testing.T) {
	commander := newFakeCommander()
	srv := startServer(t, commander)

	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port()), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	// The session subscribes asynchronously after the upgrade.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		commander.mu.Lock()
		subscribed := len(commander.subs) > 0
		commander.mu.Unlock()
		if subscribed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	commander.emitEvent(cdp.Message{
		Method: "Page.loadEventFired",
		Params: json.RawMessage(`{"timestamp":12.5}`),
	})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event cdp.Message
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if event.Method != "Page.loadEventFired" {
		t.Fatalf("event = %+v", event)
	}
	if !strings.Contains(string(event.Params), "12.5") {
		t.Fatalf("params = %s", event.Params)
	}
}

func TestReplyNotShedWhenEventBufferFull(t *testing.T) {
	sess := &session{
		id:      "test",
		server:  &Server{log: pslog.NoopLogger()},
		sendCh:  make(chan []byte, 1),
		replyCh: make(chan []byte, 1),
		done:    make(chan struct{}),
	}

	// Saturate the event queue the way a non-reading client would.
	sess.sendCh <- []byte(`{"method":"Page.loadEventFired"}`)

	// Further events shed without blocking.
	doneEvent := make(chan struct{})
	go func() {
		sess.sendEvent(cdp.Message{Method: "Runtime.consoleAPICalled"})
		close(doneEvent)
	}()
	select {
	case <-doneEvent:
	case <-time.After(2 * time.Second):
		t.Fatal("sendEvent blocked on a full event buffer")
	}

	// A correlated reply must still be queued, not dropped.
	sess.reply(cdp.Message{ID: 4242, Result: json.RawMessage(`{}`)})
	select {
	case data := <-sess.replyCh:
		if !strings.Contains(string(data), "4242") {
			t.Fatalf("queued reply = %s", data)
		}
	default:
		t.Fatal("reply 4242 was never queued: shed with the events")
	}
}

func TestReplyDeliveredUnderEventPressure(t *testing.T) {
	commander := newFakeCommander()
	commander.results["Browser.getVersion"] = json.RawMessage(`{"product":"gw"}`)
	srv := startServer(t, commander)

	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port()), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	waitForSubscription(t, commander)

	// Flood events while the command is in flight.
	stop := make(chan struct{})
	var pressure sync.WaitGroup
	pressure.Add(1)
	go func() {
		defer pressure.Done()
		for {
			select {
			case <-stop:
				return
			default:
				commander.emitEvent(cdp.Message{
					Method: "Network.dataReceived",
					Params: json.RawMessage(`{"dataLength":1048576}`),
				})
			}
		}
	}()

	if err := conn.WriteJSON(&cdp.Message{ID: 4242, Method: "Browser.getVersion"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Drain frames until the correlated reply surfaces.
	deadline := time.Now().Add(5 * time.Second)
	found := false
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg cdp.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if msg.ID == 4242 {
			if !strings.Contains(string(msg.Result), "gw") {
				t.Fatalf("reply result = %s", msg.Result)
			}
			found = true
			break
		}
	}
	close(stop)
	pressure.Wait()
	if !found {
		t.Fatal("reply 4242 was never delivered under event pressure")
	}
}

func waitForSubscription(t *testing.T, commander *fakeCommander) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		commander.mu.Lock()
		subscribed := len(commander.subs) > 0
		commander.mu.Unlock()
		if subscribed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never subscribed for events")
}

func TestFetchHealth(t *testing.T) {
	commander := newFakeCommander()
	commander.targets = []cdp.TargetDescriptor{{SessionID: "s1"}, {SessionID: "s2"}}
	srv := startServer(t, commander)

	health, err := FetchHealth(context.Background(), srv.Port(), 2*time.Second)
	if err != nil {
		t.Fatalf("health probe failed: %v", err)
	}
	if health.Status != "ok" || health.PID != os.Getpid() || health.Targets != 2 {
		t.Fatalf("health = %+v", health)
	}

	// A not-ready Primary still answers with its own view.
	commander.setReady(false)
	health, err = FetchHealth(context.Background(), srv.Port(), 2*time.Second)
	if err != nil {
		t.Fatalf("health probe failed: %v", err)
	}
	if health.Status != "connecting" {
		t.Fatalf("status = %q, want connecting", health.Status)
	}
}

func TestPortReadableWhileStarting(t *testing.T) {
	srv := NewServer(0, newFakeCommander(), nil)

	// Hammer Port concurrently with Start; the race detector flags any
	// unsynchronized access to the bound port.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = srv.Port()
			}
		}
	}()

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	if srv.Port() == 0 {
		t.Fatal("port not observable after Start")
	}
	close(stop)
	wg.Wait()
}

func TestStopRefusesNewConnections(t *testing.T) {
	commander := newFakeCommander()
	srv := NewServer(0, commander, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	port := srv.Port()
	if err := srv.Stop(); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}

	if _, err := Dial(context.Background(), port); err == nil {
		t.Fatal("dial succeeded against a stopped server")
	}
}
