package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// fakeCommander scripts per-method results for handler tests.
type fakeCommander struct {
	results map[string]json.RawMessage
	errs    map[string]error
	status  Status

	lastMethod    string
	lastParams    any
	lastSessionID string
}

func newTestCommander() *fakeCommander {
	return &fakeCommander{
		results: make(map[string]json.RawMessage),
		errs:    make(map[string]error),
		status:  Status{Role: "primary", PID: 123, Port: 9222, Generation: 1, Ready: true},
	}
}

func (f *fakeCommander) SendCommand(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	f.lastMethod = method
	f.lastParams = params
	f.lastSessionID = sessionID
	if err := f.errs[method]; err != nil {
		return nil, err
	}
	if result, ok := f.results[method]; ok {
		return result, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeCommander) Status(ctx context.Context) (Status, error) {
	return f.status, nil
}

func testServer(commander Commander) *Server {
	return NewServer(commander, WithVersion("test"))
}

func TestHandleListTargets(t *testing.T) {
	commander := newTestCommander()
	commander.results["Target.getTargets"] = json.RawMessage(`{
		"targetInfos": [
			{"targetId": "t1", "type": "page", "title": "Docs", "url": "https://example.com", "attached": true},
			{"targetId": "t2", "type": "iframe", "title": "Ad", "url": "https://ads.example.com", "attached": false}
		]
	}`)
	srv := testServer(commander)

	_, out, err := srv.handleListTargets(context.Background(), nil, ListTargetsInput{})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if out.Count != 2 || len(out.Targets) != 2 {
		t.Fatalf("output = %+v", out)
	}
	if out.Targets[0].TargetID != "t1" || !out.Targets[0].Attached {
		t.Errorf("first target = %+v", out.Targets[0])
	}
}

func TestHandleListTargetsTypeFilter(t *testing.T) {
	commander := newTestCommander()
	commander.results["Target.getTargets"] = json.RawMessage(`{
		"targetInfos": [
			{"targetId": "t1", "type": "page", "title": "Docs", "url": "u1"},
			{"targetId": "t2", "type": "iframe", "title": "Ad", "url": "u2"}
		]
	}`)
	srv := testServer(commander)

	_, out, err := srv.handleListTargets(context.Background(), nil, ListTargetsInput{Type: "page"})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if out.Count != 1 || out.Targets[0].Type != "page" {
		t.Fatalf("filtered output = %+v", out)
	}
}

func TestHandleSendCommand(t *testing.T) {
	commander := newTestCommander()
	commander.results["Page.navigate"] = json.RawMessage(`{"frameId":"f1"}`)
	srv := testServer(commander)

	input := SendCommandInput{
		Method:    "Page.navigate",
		Params:    map[string]any{"url": "https://example.com"},
		SessionID: "sess-1",
	}
	_, out, err := srv.handleSendCommand(context.Background(), nil, input)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !strings.Contains(out.ResultJSON, "f1") {
		t.Errorf("result = %q", out.ResultJSON)
	}
	if commander.lastMethod != "Page.navigate" || commander.lastSessionID != "sess-1" {
		t.Errorf("forwarded method %q session %q", commander.lastMethod, commander.lastSessionID)
	}
	params, ok := commander.lastParams.(map[string]any)
	if !ok || params["url"] != "https://example.com" {
		t.Errorf("forwarded params = %#v", commander.lastParams)
	}
}

func TestHandleSendCommandRequiresMethod(t *testing.T) {
	srv := testServer(newTestCommander())

	_, _, err := srv.handleSendCommand(context.Background(), nil, SendCommandInput{})
	if err == nil || !strings.Contains(err.Error(), "method") {
		t.Fatalf("error = %v, want missing-method complaint", err)
	}
}

func TestHandleSendCommandPropagatesError(t *testing.T) {
	commander := newTestCommander()
	wantErr := errors.New("node not found")
	commander.errs["DOM.resolveNode"] = wantErr
	srv := testServer(commander)

	_, _, err := srv.handleSendCommand(context.Background(), nil, SendCommandInput{Method: "DOM.resolveNode"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want wrapped %v", err, wantErr)
	}
}

func TestHandleGatewayStatus(t *testing.T) {
	commander := newTestCommander()
	commander.status = Status{Role: "secondary", PID: 42, Port: 9001, Generation: 3, Targets: 2, Ready: true}
	srv := testServer(commander)

	_, out, err := srv.handleGatewayStatus(context.Background(), nil, GatewayStatusInput{})
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if out.Role != "secondary" || out.PID != 42 || out.Generation != 3 || out.Targets != 2 {
		t.Fatalf("output = %+v", out)
	}
}
