// Package server provides the HTTP API for routerwatch.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/HerbHall/routerwatch/internal/eventlog"
	"github.com/HerbHall/routerwatch/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// EventSource is the read side of the event history.
// Defined here (consumer-side) rather than importing the concrete log.
type EventSource interface {
	List(ctx context.Context, kind string, limit int) ([]eventlog.Record, error)
	Stats(ctx context.Context) (eventlog.Stats, error)
	Daily(ctx context.Context, kind watchdog.Kind) ([]eventlog.DailyPoint, error)
}

// StatusSource reports the watchdog's most recent check.
type StatusSource interface {
	LastStatus() watchdog.Status
	Running() bool
}

// RouteRegistrar allows external packages to register routes on the server
// without creating import cycles (consumer-side interface).
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Options configures a Server. Events and Status are optional; their
// endpoints answer 503 when unset. RateLimit is requests per second per
// client; zero disables limiting.
type Options struct {
	Addr   string
	Logger *zap.Logger
	Ready  ReadinessChecker
	Events EventSource
	Status StatusSource
	Routes []RouteRegistrar

	RateLimit      float64
	RateBurst      int
	TrustedProxies []netip.Prefix
}

// Server is the routerwatch HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
	events     EventSource
	status     StatusSource
}

// operationalPaths bypass request logging and rate limiting.
var operationalPaths = newPathSet("/healthz", "/readyz", "/metrics")

// New creates a new Server with middleware and routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		logger: logger,
		mux:    mux,
		ready:  opts.Ready,
		events: opts.Events,
		status: opts.Status,
	}

	s.registerRoutes()
	for _, r := range opts.Routes {
		r.RegisterRoutes(mux)
	}

	// Middleware chain: outermost listed first.
	limiter := newClientLimiter(opts.RateLimit, opts.RateBurst, opts.TrustedProxies)
	handler := Chain(mux,
		recoverPanics(logger),
		requestIDs,
		accessLog(logger, operationalPaths),
		responseHeaders,
		limiter.middleware(operationalPaths),
	)

	// No WriteTimeout: the event stream holds connections open.
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// registerRoutes sets up all core routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Versioned API endpoints.
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/v1/stats/daily", s.handleDaily)
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
