// Package gateway exposes the RPC surface over WebSocket. One socket
// per client, JSON frames, a typed method registry with per-method
// schema validation, and subscription fan-out from the orchestrator's
// session buses. All errors cross the wire as the closed rpcerr code
// set; anything unrecognized collapses to INTERNAL.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/memory"
	"github.com/arbor-sh/arbor/internal/observability"
	"github.com/arbor-sh/arbor/internal/orchestrator"
	"github.com/arbor-sh/arbor/internal/sandbox"
	"github.com/arbor-sh/arbor/internal/skills"
	"github.com/arbor-sh/arbor/internal/todos"
	"github.com/arbor-sh/arbor/internal/transcribe"
	"github.com/arbor-sh/arbor/internal/worktree"
)

// Deps is everything the method handlers reach. Orchestrator, Router,
// Store and Context are required; the rest are optional and their
// methods answer NOT_AVAILABLE when absent.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Router       *orchestrator.Router
	Store        events.Store
	Context      *contextmgr.Manager

	Skills      *skills.Library
	Worktrees   *worktree.Manager
	Todos       *todos.Store
	Memory      memory.Store
	Transcriber *transcribe.Service
	Sandbox     *sandbox.Registry

	// WorkspaceRoot anchors file.read and relative filesystem paths.
	WorkspaceRoot string

	// Version and Commit identify the build in system.getInfo.
	Version string
	Commit  string

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the WebSocket gateway: an HTTP listener serving /ws,
// /healthz and /metrics, plus the method registry behind it.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	log      *observability.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	methods  map[string]*method
	bridge   *ToolBridge
	started  time.Time

	compileOnce sync.Once
	compileErr  error

	mu       sync.Mutex
	conns    map[*conn]struct{}
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer wires the method registry over deps.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil || deps.Router == nil || deps.Store == nil || deps.Context == nil {
		return nil, errors.New("gateway: orchestrator, router, store and context are required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger,
		metrics: deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		bridge:  NewToolBridge(),
		started: time.Now().UTC(),
		conns:   make(map[*conn]struct{}),
	}
	s.methods = s.buildRegistry()
	return s, nil
}

// Bridge returns the client-tool result bridge so the composition root
// can hand it to tools that delegate execution to the client.
func (s *Server) Bridge() *ToolBridge { return s.bridge }

// Handler returns the HTTP mux serving /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start binds the configured listen address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.listener = listener
	s.mu.Unlock()

	s.log.Info(context.Background(), "gateway listening", "addr", listener.Addr().String())
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(context.Background(), "gateway server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when Listen was :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the listener and closes every open socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	c := newConn(s, ws)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	c.run()
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// connClients snapshots the identities of every connected client.
func (s *Server) connClients() []ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientInfo, 0, len(s.conns))
	for c := range s.conns {
		if info := c.clientInfo(); info != nil {
			out = append(out, *info)
		}
	}
	return out
}
