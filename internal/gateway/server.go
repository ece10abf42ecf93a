package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/delegated"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/session"
	"github.com/muxworks/muxd/internal/sshprompt"
	"github.com/muxworks/muxd/internal/stream"
	"github.com/muxworks/muxd/internal/task"
	"github.com/muxworks/muxd/internal/timing"
	"github.com/muxworks/muxd/pkg/protocol"
)

// Deps wires the gateway to the daemon services it fronts.
type Deps struct {
	Config    *config.Service
	Session   *session.Session
	Store     *history.Store
	Streams   *stream.Manager
	Tasks     *task.Service
	SSH       *sshprompt.Service
	Delegated *delegated.Registry
	Timing    *timing.Service
	Events    bus.Publisher
}

// Server is the renderer-facing websocket endpoint: one multiplexed
// event feed out, method frames in.
type Server struct {
	deps Deps

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
	mux        *http.ServeMux
}

func New(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates browser origins against the configured whitelist.
// No configuration allows everything; an empty Origin header (CLI, SDK)
// always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.deps.Config.Get().Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// Handler builds (and caches) the HTTP mux.
func (s *Server) Handler() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	gw := s.deps.Config.Get().Gateway
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	slog.Info("gateway.starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// authorize checks the shared token from the query string or bearer
// header. An empty configured token disables auth (local socket use).
func (s *Server) authorize(r *http.Request) bool {
	want := s.deps.Config.Get().Gateway.Token
	if want == "" {
		return true
	}
	if r.URL.Query().Get("token") == want {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+want
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		slog.Warn("gateway.auth_rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "err", err)
		return
	}

	c := newClient(conn, s)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.close()
	}()
	c.run()
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.deps.Events.Subscribe(c.id, c.sendEvent)
	if s.deps.SSH != nil {
		s.deps.SSH.RegisterResponder()
		// Late subscribers see prompts raised before they connected.
		for _, p := range s.deps.SSH.PendingPrompts() {
			c.sendEvent(protocol.Event{Type: protocol.EventSSHPromptRequest, Payload: p})
		}
	}
	slog.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.deps.Events.Unsubscribe(c.id)
	if s.deps.SSH != nil {
		s.deps.SSH.ReleaseResponder()
	}
	slog.Info("gateway.client_disconnected", "id", c.id)
}
