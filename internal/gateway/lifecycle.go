package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/cdp"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/lockfile"
)

// DefaultReconnectTimeout bounds the healing window after an unintentional
// transport closure. The browser restarting takes seconds, not minutes; a
// Primary that can't reattach within this window should step down and let
// the next invocation re-elect.
const DefaultReconnectTimeout = 30 * time.Second

// Lifecycle runs a Primary until signalled: it owns the held election lock,
// the CDP connection, and the loopback endpoint, and guarantees the lock is
// released on every exit path.
type Lifecycle struct {
	lock             *lockfile.Lock
	client           *cdp.Client
	server           *Server
	browserPort      int
	reconnectTimeout time.Duration
	log              pslog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	mu    sync.Mutex
	fatal error
}

// NewLifecycle wires a held lock, a disconnected CDP client, and an unstarted
// server into a runnable Primary.
func NewLifecycle(lock *lockfile.Lock, client *cdp.Client, server *Server, browserPort int, log pslog.Logger) *Lifecycle {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Lifecycle{
		lock:             lock,
		client:           client,
		server:           server,
		browserPort:      browserPort,
		reconnectTimeout: DefaultReconnectTimeout,
		log:              log,
		shutdownCh:       make(chan struct{}),
	}
}

// Run connects to the browser, starts the endpoint, and blocks until a
// termination signal, a failed heal, or ctx cancellation.
func (l *Lifecycle) Run(ctx context.Context) error {
	// Safety net: the lock must not outlive this call on any path.
	defer func() {
		if err := l.lock.Release(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to release lock: %v\n", err)
		}
	}()

	// Healing runs off the disconnect handler, so register before connecting.
	l.client.SetDisconnectHandler(func(wasIntentional bool, port int) {
		if wasIntentional {
			return
		}
		go l.heal(port)
	})

	if err := l.client.Connect(ctx, l.browserPort); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}

	if err := l.server.Start(ctx); err != nil {
		l.client.Disconnect()
		return err
	}

	go l.handleSignals()

	select {
	case <-l.shutdownCh:
	case <-ctx.Done():
		// Close shutdownCh so handleSignals and Done observers unblock.
		l.Shutdown()
	}

	l.shutdownSequence()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatal
}

// heal attempts to reattach after the browser dropped the connection. Healing
// failure is fatal: a Primary without a connection is worse than no Primary,
// because its lock blocks every challenger.
func (l *Lifecycle) heal(port int) {
	l.log.Warn("transport lost, reconnecting", "port", port)

	ctx, cancel := context.WithTimeout(context.Background(), l.reconnectTimeout)
	defer cancel()

	if err := l.client.Reconnect(ctx, port, l.reconnectTimeout); err != nil {
		l.log.Error("reconnect failed, stepping down", "error", err)
		l.mu.Lock()
		l.fatal = err
		l.mu.Unlock()
		l.Shutdown()
	}
}

// Shutdown triggers a graceful shutdown. Safe to call multiple times.
func (l *Lifecycle) Shutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdownCh)
	})
}

// Done is closed once shutdown has been initiated, whether by signal, by a
// failed heal, or by the Run context. Callers that layer work on top of the
// lifecycle select on it to wind down together.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.shutdownCh
}

func (l *Lifecycle) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	// Restore default signal disposition once the lifecycle is done, so a
	// second SIGTERM terminates the process instead of vanishing here.
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.log.Info("received signal, shutting down", "signal", sig.String())
		l.Shutdown()
	case <-l.shutdownCh:
	}
}

func (l *Lifecycle) shutdownSequence() {
	if err := l.server.Stop(); err != nil {
		l.log.Warn("error stopping endpoint", "error", err)
	}
	l.client.Disconnect()
	if err := l.lock.Release(); err != nil {
		l.log.Warn("error releasing lock", "error", err)
	}
	l.log.Info("shutdown complete")
}
