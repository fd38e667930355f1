// Package webui serves the console state to a local UI: a JSON API, a
// WebSocket feed of store changes, liveness and Prometheus metrics.
package webui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"opsconsole/app"
	"opsconsole/core"
	"opsconsole/store"
)

// ServerConfig configures the local API server.
type ServerConfig struct {
	// Addr to listen on, e.g. 127.0.0.1:8090. Port 0 picks a free port.
	Addr string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// ActionsPerMinute limits service actions per client. 0 disables it.
	ActionsPerMinute float64
	ActionBurst      int

	// LogSkipPaths are not request-logged.
	LogSkipPaths []string

	API         APIConfig
	Broadcaster BroadcasterConfig
}

// DefaultServerConfig returns the production settings for addr.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:             addr,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		ActionsPerMinute: 30,
		ActionBurst:      5,
		LogSkipPaths:     []string{"/healthz", "/metrics"},
		API:              DefaultAPIConfig(),
		Broadcaster:      DefaultBroadcasterConfig(),
	}
}

// Server is the local API. It owns its broadcaster and the subscriptions
// that feed it; the console itself is owned by the caller.
type Server struct {
	cfg     ServerConfig
	console *app.Console
	logger  *zap.Logger

	router     chi.Router
	httpServer *http.Server
	api        *API
	ws         *Broadcaster
	limiter    *RateLimiter

	mu          sync.Mutex
	listener    net.Listener
	cancel      context.CancelFunc
	served      chan struct{}
	serveErr    error
	unsubscribe func()
}

// NewServer wires the routes for console.
func NewServer(console *app.Console, cfg ServerConfig, tracker OperationTracker, logger *zap.Logger) (*Server, error) {
	if console == nil {
		return nil, errors.New("webui: console is required")
	}
	if cfg.Addr == "" {
		return nil, core.ErrMissingConfig("OPSCONSOLE_LISTEN_ADDR")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("webui")

	cfg.API.Tracker = tracker
	cfg.API.Logger = logger
	cfg.Broadcaster.Logger = logger

	s := &Server{
		cfg:     cfg,
		console: console,
		logger:  logger,
		api:     NewAPI(console, cfg.API),
		ws:      NewBroadcaster(cfg.Broadcaster),
		limiter: NewRateLimiter(cfg.ActionsPerMinute, cfg.ActionBurst),
	}
	s.ws.SetSnapshot(func() WSMessage { return NewStateMessage(console.Snapshot()) })
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(NewLoggingMiddleware(s.logger, s.cfg.LogSkipPaths...).Handler)
	r.Use(s.console.Metrics().Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.console.Gatherer(), promhttp.HandlerOpts{}))
	r.Get("/ws", s.ws.HandleConnection)
	r.Route("/api", func(r chi.Router) {
		s.api.Routes(r, s.limiter.Middleware)
	})
	return r
}

// Handler exposes the routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Broadcaster exposes the WebSocket fan-out.
func (s *Server) Broadcaster() *Broadcaster {
	return s.ws
}

// healthzResponse reports process liveness. Appliance health is
// /api/health.
type healthzResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{Status: "ok", Connected: s.console.Channel().Connected()})
}

// Start listens, starts the broadcaster and begins serving in the
// background. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("webui: server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webui: listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.ws.Run(runCtx)
	s.subscribe()
	s.limiter.StartCleanupTicker(runCtx, time.Minute)

	s.served = make(chan struct{})
	go func() {
		defer close(s.served)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Local API stopped", zap.Error(err))
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()
	s.logger.Info("Local API listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// subscribe feeds store changes, connection changes and live log lines
// to the broadcaster.
func (s *Server) subscribe() {
	unsubStores := s.console.Stores().Subscribe(func(ch store.Change) {
		s.ws.Broadcast(changeMessage(s.console, ch))
	})
	s.console.Channel().OnConnectedChange(func(bool) {
		s.ws.Broadcast(NewConnectionMessage(s.console.Connection()))
	})
	s.console.Logs().OnEntry(func(e core.LogEntry) {
		s.ws.Broadcast(NewLogLineMessage(e))
	})
	s.unsubscribe = unsubStores
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown stops accepting requests, waits for in-flight ones up to the
// shutdown timeout and disconnects UI clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	cancel := s.cancel
	unsubscribe := s.unsubscribe
	served := s.served
	s.mu.Unlock()
	if !started {
		return nil
	}

	if unsubscribe != nil {
		unsubscribe()
	}
	if s.cfg.ShutdownTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer stop()
	}
	err := s.httpServer.Shutdown(ctx)
	cancel()
	<-served
	if err != nil {
		return fmt.Errorf("webui: shutdown: %w", err)
	}
	s.logger.Info("Local API stopped")
	return nil
}

// Err returns the error that stopped serving, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}
