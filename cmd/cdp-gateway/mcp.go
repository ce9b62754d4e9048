package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/cdp"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/gateway"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/mcptools"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP server integration",
	}
	cmd.AddCommand(mcpServeCmd())
	return cmd
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start MCP stdio server exposing the gateway as tools",
		Long: `Starts an MCP server on stdin/stdout. Agent runtimes drive the browser
through list_targets, send_command and gateway_status instead of opening
their own DevTools connection.

Runs the same election as 'serve': when this process wins it owns the
browser connection and also serves the loopback endpoint for other
instances; otherwise tools are forwarded to the running Primary.

Configure in Claude Code's .claude/settings.json:
  {
    "mcpServers": {
      "cdp-gateway": {
        "type": "stdio",
        "command": "cdp-gateway",
        "args": ["mcp", "serve"]
      }
    }
  }`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPServe(cmd.Context())
		},
	}
}

func runMCPServe(ctx context.Context) error {
	// Stdout belongs to the MCP transport, so all logs go to stderr.
	log := newLogger()

	path, err := lockPath()
	if err != nil {
		return err
	}

	role, err := gateway.Elect(path, flagPort, log)
	if err != nil {
		return err
	}

	var commander mcptools.Commander

	// mcpCtx bounds the MCP transport. In Primary mode it is cancelled the
	// moment the lifecycle exits (signal, failed heal), so the stdio server
	// winds down with the gateway instead of serving dead tools.
	mcpCtx := ctx

	if role.Primary {
		client := cdp.NewClient(cdp.Config{Logger: log.With("sys", "cdp")})
		server := gateway.NewServer(role.Port, client, log.With("sys", "server"))
		lc := gateway.NewLifecycle(role.Lock, client, server, flagBrowserPort, log)

		var cancelMCP context.CancelFunc
		mcpCtx, cancelMCP = context.WithCancel(ctx)
		defer cancelMCP()

		// The lifecycle owns connection healing and the loopback endpoint;
		// MCP rides on top of the same connection.
		lcDone := make(chan error, 1)
		go func() {
			lcDone <- lc.Run(ctx)
			cancelMCP()
		}()

		lcEnded, err := waitReady(ctx, client, lcDone)
		if lcEnded {
			// Run already returned, usually a failed browser connect.
			if err != nil {
				return fmt.Errorf("start gateway: %w", err)
			}
			return fmt.Errorf("gateway exited before becoming ready")
		}
		if err != nil {
			lc.Shutdown()
			<-lcDone
			return err
		}
		defer func() {
			lc.Shutdown()
			<-lcDone
		}()
		commander = mcptools.NewDirectCommander(client)
	} else {
		commander = mcptools.NewRemoteCommander(role.Port)
	}

	srv := mcptools.NewServer(commander,
		mcptools.WithVersion(Version),
		mcptools.WithLogger(log.With("sys", "mcp")),
	)
	return srv.Run(mcpCtx)
}

// waitReady blocks until the browser connection is up. lcEnded reports that
// the lifecycle returned on its own, in which case err is its result and
// there is nothing left to shut down.
func waitReady(ctx context.Context, client *cdp.Client, lcDone <-chan error) (lcEnded bool, err error) {
	deadline := time.NewTimer(cdp.DefaultConnectTimeout + 5*time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if client.Ready() {
			return false, nil
		}
		select {
		case err := <-lcDone:
			return true, err
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, fmt.Errorf("browser connection never became ready")
		case <-ticker.C:
		}
	}
}
