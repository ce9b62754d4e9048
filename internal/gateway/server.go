package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/cdp"
)

// Commander is the slice of the connection manager the server depends on.
// *cdp.Client satisfies it; tests substitute fakes.
type Commander interface {
	SendCommand(ctx context.Context, method string, params any, opts ...cdp.SendOption) (json.RawMessage, error)
	SubscribeEvents(buffer int) (<-chan cdp.Message, func(), error)
	AttachedTargets() []cdp.TargetDescriptor
	Generation() int64
	Ready() bool
}

// commandTimeout bounds one forwarded command. Generous because navigations
// and downloads legitimately take a while.
const commandTimeout = 60 * time.Second

// Server is the Primary's loopback endpoint: /health for readiness probes and
// /ws for the envelope stream Secondaries and local clients forward into.
type Server struct {
	port       int
	commander  Commander
	log        pslog.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
	listener   net.Listener
	startTime  time.Time

	mu       sync.RWMutex
	shutdown bool
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server bound to 127.0.0.1:port once Start is called.
func NewServer(port int, commander Commander, log pslog.Logger) *Server {
	if log == nil {
		log = pslog.NoopLogger()
	}
	s := &Server{
		port:      port,
		commander: commander,
		log:       log,
		startTime: time.Now(),
		sessions:  make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback only; the listener never leaves 127.0.0.1.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the loopback listener and begins serving. Bind failures surface
// here, synchronously, rather than from the serve goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server is shutting down")
	}
	port := s.port
	s.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("bind loopback endpoint: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("gateway endpoint serve failed", "error", err)
		}
	}()

	s.log.Info("gateway endpoint listening", "port", s.Port())
	return nil
}

// Stop shuts the endpoint down and waits briefly for open sessions.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Hijacked websocket streams outlive httpServer.Shutdown; close them
	// explicitly so the wait below terminates.
	s.mu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown gateway endpoint: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// Port returns the bound port. Safe to call concurrently with Start; port 0
// configurations read the kernel-assigned port this way.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// healthPayload is the /health response body.
type healthPayload struct {
	Status     string `json:"status"`
	PID        int    `json:"pid"`
	Generation int64  `json:"generation"`
	Targets    int    `json:"targets"`
	UptimeSec  int64  `json:"uptimeSec"`
}

// handleHealth reports ready only when the CDP connection is live, so a
// Secondary probing before proxying sees the truth, not the process's mere
// existence.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload := healthPayload{
		PID:        os.Getpid(),
		Generation: s.commander.Generation(),
		Targets:    len(s.commander.AttachedTargets()),
		UptimeSec:  int64(time.Since(s.startTime).Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	if !s.commander.Ready() {
		payload.Status = "connecting"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		payload.Status = "ok"
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleWebSocket upgrades one client stream and pumps envelopes until either
// side closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hold the lock across the shutdown check and wg.Add so Stop can't slip
	// its wg.Wait between them.
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(conn, s)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		sess.run(context.Background())
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()
}
