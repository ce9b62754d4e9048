package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/cdp"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/gateway"
)

// Status is one snapshot of the gateway this MCP server fronts.
type Status struct {
	Role       string
	PID        int
	Port       int
	Generation int64
	Targets    int
	Ready      bool
}

// Commander abstracts where CDP commands go: straight onto this process's
// own browser connection, or through a running Primary's envelope endpoint.
type Commander interface {
	SendCommand(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error)
	Status(ctx context.Context) (Status, error)
}

// directCommander fronts this process's own CDP client. Used when this
// process won election and owns the browser connection itself.
type directCommander struct {
	client *cdp.Client
}

// NewDirectCommander wraps an already-connected CDP client.
func NewDirectCommander(client *cdp.Client) Commander {
	return &directCommander{client: client}
}

func (d *directCommander) SendCommand(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	if sessionID != "" {
		return d.client.SendCommand(ctx, method, params, cdp.WithSession(sessionID))
	}
	return d.client.SendCommand(ctx, method, params)
}

func (d *directCommander) Status(ctx context.Context) (Status, error) {
	return Status{
		Role:       "primary",
		PID:        os.Getpid(),
		Port:       d.client.Port(),
		Generation: d.client.Generation(),
		Targets:    len(d.client.AttachedTargets()),
		Ready:      d.client.Ready(),
	}, nil
}

// remoteCommander forwards to an existing Primary over its loopback
// endpoint. gateway.Client handles one call at a time, so each command gets
// a fresh connection.
type remoteCommander struct {
	port int
}

// NewRemoteCommander targets the Primary listening on the given port.
func NewRemoteCommander(port int) Commander {
	return &remoteCommander{port: port}
}

func (r *remoteCommander) SendCommand(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	client, err := gateway.Dial(ctx, r.port)
	if err != nil {
		return nil, fmt.Errorf("reach primary: %w", err)
	}
	defer func() { _ = client.Close() }()
	return client.Call(ctx, method, params, sessionID)
}

func (r *remoteCommander) Status(ctx context.Context) (Status, error) {
	health, err := gateway.FetchHealth(ctx, r.port, 5*time.Second)
	if err != nil {
		return Status{}, fmt.Errorf("probe primary health: %w", err)
	}
	return Status{
		Role:       "secondary",
		PID:        health.PID,
		Port:       r.port,
		Generation: health.Generation,
		Targets:    health.Targets,
		Ready:      health.Status == "ok",
	}, nil
}
