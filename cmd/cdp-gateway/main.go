// cdp-gateway multiplexes many local clients onto one Chrome DevTools
// Protocol connection. The first instance to start wins a lock-file election
// and owns the browser connection; later instances bridge to it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	goruntime "runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"pkt.systems/pslog"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/cdp"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/gateway"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/lockfile"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/paths"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/proxy"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/reaper"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagBrowserPort int
	flagPort        int
	flagLockFile    string
	flagJSON        bool
	flagVerbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cdp-gateway",
		Short: "Single-writer Chrome DevTools Protocol gateway",
		Long: `cdp-gateway shares one Chrome DevTools Protocol connection between many
local clients. Exactly one instance per machine owns the browser
connection; every other instance transparently proxies to it, so the
browser never sees competing debuggers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().IntVar(&flagBrowserPort, "browser-port", 9222, "Chrome remote debugging port")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 0, "Gateway listen port (0 picks a free one)")
	rootCmd.PersistentFlags().StringVar(&flagLockFile, "lock-file", "", "Election lock file path (default: user cache dir)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("cdp-gateway v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	// Environment fallbacks: explicit flags always win.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("browser-port") {
			if v, err := envInt("CDP_GATEWAY_BROWSER_PORT"); err != nil {
				return err
			} else if v != 0 {
				flagBrowserPort = v
			}
		}
		if !cmd.Flags().Changed("port") {
			if v, err := envInt("CDP_GATEWAY_PORT"); err != nil {
				return err
			} else if v != 0 {
				flagPort = v
			}
		}
		if !cmd.Flags().Changed("lock-file") && flagLockFile == "" {
			flagLockFile = os.Getenv("CDP_GATEWAY_LOCK_FILE")
		}
		return nil
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(mcpCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// envInt reads an integer environment variable; unset or empty is 0.
func envInt(key string) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// newLogger builds the process logger. Logs always go to stderr: stdout may
// carry bridged envelopes or the MCP transport.
func newLogger() pslog.Logger {
	level := pslog.InfoLevel
	if flagVerbose {
		level = pslog.DebugLevel
	}
	return pslog.NewStructured(os.Stderr).LogLevel(level).With("app", "cdp-gateway")
}

// lockPath resolves the election lock file, creating the cache dir if needed.
func lockPath() (string, error) {
	if flagLockFile != "" {
		return flagLockFile, nil
	}
	return paths.LockFilePath()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: own the browser connection or bridge to the owner",
		Long: `Runs leader election and then serves.

As Primary (election won): connects to Chrome on --browser-port, serves
envelope traffic on a loopback websocket, and heals the browser
connection on unexpected loss.

As Secondary (an alive Primary exists): bridges stdin/stdout envelopes
to the Primary. Exits 0 when the local peer closes its stream, 1 when
the Primary goes away mid-session.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	log := newLogger()

	path, err := lockPath()
	if err != nil {
		return err
	}

	role, err := gateway.Elect(path, flagPort, log)
	if err != nil {
		return err
	}

	if role.Primary {
		client := cdp.NewClient(cdp.Config{Logger: log.With("sys", "cdp")})
		server := gateway.NewServer(role.Port, client, log.With("sys", "server"))
		lc := gateway.NewLifecycle(role.Lock, client, server, flagBrowserPort, log)
		return lc.Run(ctx)
	}

	if !proxy.CheckHealth(ctx, role.Port, 2*time.Second) {
		// Advisory only: the Primary may be mid-reconnect and recover.
		log.Warn("primary is not reporting healthy, bridging anyway",
			"port", role.Port, "holderPid", role.Holder.PID)
	}

	bridge := proxy.NewBridge(os.Stdin, os.Stdout, log.With("sys", "bridge"))
	return bridge.Run(ctx, role.Port)
}

// statusReport is the machine-readable shape of the status command.
type statusReport struct {
	LockFile   string `json:"lockFile"`
	Locked     bool   `json:"locked"`
	HolderPID  int    `json:"holderPid,omitempty"`
	HolderPort int    `json:"holderPort,omitempty"`
	Alive      bool   `json:"alive"`
	Health     string `json:"health,omitempty"`
	Generation int64  `json:"generation,omitempty"`
	Targets    int    `json:"targets,omitempty"`
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the current election holder and its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	return cmd
}

func runStatus(ctx context.Context) error {
	path, err := lockPath()
	if err != nil {
		return err
	}

	report := statusReport{LockFile: path}

	rec, err := lockfile.ProbeExisting(path)
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	if rec != nil {
		report.Locked = true
		report.HolderPID = rec.PID
		report.HolderPort = rec.Port
		report.Alive = lockfile.ProcessAlive(rec.PID)
	}

	if report.Alive {
		if health, err := gateway.FetchHealth(ctx, rec.Port, 3*time.Second); err == nil {
			report.Health = health.Status
			report.Generation = health.Generation
			report.Targets = health.Targets
		} else {
			report.Health = "unreachable"
		}
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}
	printStatus(report)
	return nil
}

func printStatus(report statusReport) {
	if !report.Locked {
		fmt.Println("No gateway is running (lock file absent).")
		fmt.Printf("  lock file: %s\n", report.LockFile)
		return
	}
	if !report.Alive {
		fmt.Printf("Stale lock: holder pid %d is dead. The next 'serve' will reclaim it.\n", report.HolderPID)
		fmt.Printf("  lock file: %s\n", report.LockFile)
		return
	}

	marker := ""
	if isTTY() {
		marker = "● "
	}
	fmt.Printf("%sPrimary running: pid %d on port %d\n", marker, report.HolderPID, report.HolderPort)
	fmt.Printf("  health:     %s\n", report.Health)
	if report.Health != "unreachable" {
		fmt.Printf("  generation: %d\n", report.Generation)
		fmt.Printf("  targets:    %d\n", report.Targets)
	}
	fmt.Printf("  lock file:  %s\n", report.LockFile)
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Terminate leftover gateway processes and clear a stale lock",
		Long: `Finds other running instances of this executable, terminates them, and
removes the election lock if its holder is dead. Destructive: only for
recovering from crashed supervisors, never part of normal startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context())
		},
	}
}

func runCleanup(ctx context.Context) error {
	log := newLogger()

	count, err := reaper.KillSiblings(ctx, log)
	if err != nil {
		return fmt.Errorf("reap siblings: %w", err)
	}
	fmt.Printf("Terminated %d sibling process(es).\n", count)

	path, err := lockPath()
	if err != nil {
		return err
	}
	rec, err := lockfile.ProbeExisting(path)
	if err != nil {
		// Corrupt lock files are exactly what cleanup removes.
		log.Warn("lock file unreadable, removing", "path", path, "error", err)
		rec = nil
	}
	if rec != nil && lockfile.ProcessAlive(rec.PID) {
		// Siblings were just reaped; an alive holder here is a foreign
		// process that happens to share the recorded pid. Leave it be.
		fmt.Printf("Lock holder pid %d is still alive; lock left in place.\n", rec.PID)
		return nil
	}

	switch err := os.Remove(path); {
	case err == nil:
		fmt.Printf("Removed lock file %s.\n", path)
	case os.IsNotExist(err):
		fmt.Println("No lock file to remove.")
	default:
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
