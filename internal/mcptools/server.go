// Package mcptools exposes the gateway over the Model Context Protocol so
// agent runtimes can drive the browser through the single shared connection
// instead of opening their own.
package mcptools

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"
)

// Server is the MCP server fronting a Commander.
type Server struct {
	commander Commander
	version   string
	log       pslog.Logger
	server    *gomcp.Server
}

// Option configures the MCP server.
type Option func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the server's logger. Logs must not go to stdout here:
// stdout carries the MCP stdio transport.
func WithLogger(log pslog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer builds an MCP server around the given commander.
func NewServer(commander Commander, opts ...Option) *Server {
	s := &Server{
		commander: commander,
		version:   "dev",
		log:       pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{
			Name:    "cdp-gateway",
			Version: s.version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves MCP on stdin/stdout until the client disconnects or ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_targets",
		Description: "List the browser's debuggable targets (pages, iframes, workers)",
	}, s.handleListTargets)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "send_command",
		Description: "Send a raw Chrome DevTools Protocol command and return its result. Use session_id to address an attached sub-target",
	}, s.handleSendCommand)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "gateway_status",
		Description: "Report whether this gateway is the primary connection owner or a proxy, and the state of the browser connection",
	}, s.handleGatewayStatus)
}
