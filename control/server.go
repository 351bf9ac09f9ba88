// Package control is the operator's HTTP surface for the control center:
// playback, scaling, destinations, streaming and sessions, plus /health,
// /metrics and the /ws live feedback stream.
package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/health"
	"github.com/c360/reddust/metric"
	"github.com/c360/reddust/studio"
)

// Config configures the HTTP surface
type Config struct {
	Addr string `json:"addr" yaml:"addr"`
	// RateLimit is the sustained request rate across all API clients;
	// zero disables limiting.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	Burst     int     `json:"burst" yaml:"burst"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig listens on :8080 with 50 req/s
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		RateLimit:       50,
		Burst:           100,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "control", "Validate", "addr is required")
	}
	if c.RateLimit < 0 || c.Burst < 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "control", "Validate", "rate limit must not be negative")
	}
	return nil
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealth serves the monitor on /health
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// WithMetrics serves the registry on /metrics
func WithMetrics(r *metric.MetricsRegistry) Option {
	return func(s *Server) { s.registry = r }
}

// WithFeedback serves a WebSocket handler on /ws
func WithFeedback(h http.Handler) Option {
	return func(s *Server) { s.feedback = h }
}

// WithAccessLog writes Apache-style access lines to w
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) { s.accessLog = w }
}

// Server is the control HTTP server
type Server struct {
	cfg       Config
	studio    *studio.Studio
	logger    *slog.Logger
	monitor   *health.Monitor
	registry  *metric.MetricsRegistry
	feedback  http.Handler
	accessLog io.Writer
	limiter   *rate.Limiter

	// runCtx outlives requests; streaming started over HTTP runs under it
	mu     sync.Mutex
	runCtx context.Context
	addr   string
}

// NewServer creates a server for st
func NewServer(cfg Config, st *studio.Studio, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "control", "NewServer", "studio is required")
	}
	s := &Server{
		cfg:    cfg,
		studio: st,
		logger: slog.Default(),
		runCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "control")
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}
	return s, nil
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimit)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/playback/{action:start|pause|stop}", s.handlePlayback).Methods(http.MethodPost)
	api.HandleFunc("/playback/speed", s.handleSpeed).Methods(http.MethodPut)
	api.HandleFunc("/playback/loop", s.handleLoop).Methods(http.MethodPut)

	api.HandleFunc("/channels", s.handleChannels).Methods(http.MethodGet)
	api.HandleFunc("/channel", s.handleSetChannel).Methods(http.MethodPut)
	api.HandleFunc("/percentiles", s.handlePercentiles).Methods(http.MethodPut)

	api.HandleFunc("/destinations", s.handleListDestinations).Methods(http.MethodGet)
	api.HandleFunc("/destinations", s.handleAddDestination).Methods(http.MethodPost)
	api.HandleFunc("/destinations/{id}", s.handleGetDestination).Methods(http.MethodGet)
	api.HandleFunc("/destinations/{id}", s.handleUpdateDestination).Methods(http.MethodPut)
	api.HandleFunc("/destinations/{id}", s.handleRemoveDestination).Methods(http.MethodDelete)
	api.HandleFunc("/destinations/{id}/enabled", s.handleEnableDestination).Methods(http.MethodPut)

	api.HandleFunc("/streaming/{action:start|stop}", s.handleStreaming).Methods(http.MethodPost)

	api.HandleFunc("/session/save", s.handleSaveSession).Methods(http.MethodPost)
	api.HandleFunc("/session/load", s.handleLoadSession).Methods(http.MethodPost)

	if s.monitor != nil {
		r.Handle("/health", s.healthHandler()).Methods(http.MethodGet)
	}
	if s.registry != nil {
		r.Handle("/metrics", s.registry.Handler()).Methods(http.MethodGet)
	}
	if s.feedback != nil {
		r.Handle("/ws", s.feedback)
	}
	return r
}

// Handler is the router with recovery and optional access logging
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	if s.accessLog != nil {
		h = handlers.LoggingHandler(s.accessLog, h)
	}
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
}

// Addr is the bound address once Run is listening
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "control", "Run", fmt.Sprintf("listen on %s", s.cfg.Addr))
	}

	s.mu.Lock()
	s.runCtx = ctx
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("Control surface listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapTransient(err, "control", "Run", "serve")
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WrapTransient(err, "control", "Run", "shutdown")
	}
	return nil
}

func (s *Server) streamingContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// healthHandler refreshes the studio's own entries before serving
func (s *Server) healthHandler() http.Handler {
	inner := s.monitor.Handler("reddust")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := s.studio.Status()
		if st.Bounds.Channel == "" {
			s.monitor.Update("studio", health.NewDegraded("studio", "no channel selected"))
		} else {
			s.monitor.Update("studio", health.NewHealthy("studio", "channel "+st.Bounds.Channel))
		}
		if st.Streaming {
			s.monitor.Update("dispatcher", health.NewHealthy("dispatcher", "streaming"))
		} else {
			s.monitor.Update("dispatcher", health.NewHealthy("dispatcher", "idle"))
		}
		inner.ServeHTTP(w, r)
	})
}
