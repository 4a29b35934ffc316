// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the administrative HTTP surface of the tracker.
package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flowtrack/internal/clock"
	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/events"
	"grimm.is/flowtrack/internal/health"
	"grimm.is/flowtrack/internal/logging"
	"grimm.is/flowtrack/internal/metrics"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns default server limits. WriteTimeout is zero
// so the event stream is not cut off.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16, // 64KB
		MaxBodyBytes:      1 << 20, // 1MB
		ShutdownTimeout:   5 * time.Second,
	}
}

// Tracker is the subset of the tracker the API drives.
type Tracker interface {
	Stats() conntrack.Stats
	Entries() []conntrack.Snapshot
	Get(id uint32) (*conntrack.Conn, error)
	Kill(c *conntrack.Conn) bool
	Iterate(pred func(c *conntrack.Conn) bool) int
	FlushAll() int
	SetHashSize(n int) error
	SetMaxEntries(n int) error
	Expectations() []conntrack.ExpectationSnapshot
	FlushExpectations() int
	Helpers() []string
	Now() time.Time
}

// ServerOptions holds dependencies for the API server.
type ServerOptions struct {
	Tracker Tracker
	// Hub enables the event stream. Optional.
	Hub *events.Hub
	// Collector supplies cached rates for the stats endpoint. Optional.
	Collector *metrics.Collector
	// Registry is served on /metrics. Optional.
	Registry *prometheus.Registry
	Logger   *logging.Logger
	Config   *ServerConfig
}

// Server handles API requests.
type Server struct {
	tracker   Tracker
	hub       *events.Hub
	collector *metrics.Collector
	registry  *prometheus.Registry
	logger    *logging.Logger
	cfg       *ServerConfig
	startTime time.Time
	checker   *health.Checker

	router *mux.Router
}

// NewServer creates a new API server with the provided options.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Tracker == nil {
		return nil, errors.New(errors.KindValidation, "api: tracker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}

	s := &Server{
		tracker:   opts.Tracker,
		hub:       opts.Hub,
		collector: opts.Collector,
		registry:  opts.Registry,
		logger:    logger.WithComponent("api"),
		cfg:       cfg,
		startTime: clock.Now(),
	}
	s.checker = health.NewChecker()
	s.checker.Register("conntrack_table", health.TableCheck(opts.Tracker, health.DefaultTableWarn))
	if opts.Hub != nil {
		s.checker.Register("events", health.EventsCheck(opts.Hub))
	}
	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	NewConntrackHandlers(s.tracker, s.hub, s.collector, s.logger).
		RegisterRoutes(r.PathPrefix("/api/conntrack").Subrouter())

	s.router = r
}

// healthResponse is the /healthz body.
type healthResponse struct {
	health.Report
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondWithJSON(w, status, healthResponse{
		Report: report,
		Uptime: clock.Now().Sub(s.startTime).Round(time.Second).String(),
	})
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.maxBodyMiddleware(s.cfg.MaxBodyBytes)(s.router))
}

// Start listens on addr and serves until ctx is done, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "api: listen %s", addr)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is done.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", listener.Addr().String())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("API server shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.KindInternal, "api: shutdown")
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// loggingMiddleware logs all API requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/metrics" || strings.HasSuffix(r.URL.Path, "/events") {
			return
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start).Round(time.Microsecond).String(),
		}
		switch {
		case wrapped.statusCode >= 500:
			s.logger.Error("request", attrs...)
		case wrapped.statusCode >= 400:
			s.logger.Warn("request", attrs...)
		default:
			s.logger.Debug("request", attrs...)
		}
	})
}

// maxBodyMiddleware limits the size of request bodies.
func (s *Server) maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes <= 0 || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
