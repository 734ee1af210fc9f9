// Package api serves the runnerctl HTTP surface: the GitHub webhook, the
// authenticated start/stop control endpoints and the ops endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/runnerctl/internal/auth"
	"github.com/mattjoyce/runnerctl/internal/events"
	"github.com/mattjoyce/runnerctl/internal/lifecycle"
	"github.com/mattjoyce/runnerctl/internal/metrics"
	"github.com/mattjoyce/runnerctl/internal/target"
	"github.com/mattjoyce/runnerctl/internal/webhook"
)

// Lifecycle is the controller surface the handlers drive.
type Lifecycle interface {
	HandleJobEvent(ctx context.Context, ev webhook.JobEvent) (lifecycle.Outcome, error)
	Start(ctx context.Context, t target.VMTarget) (lifecycle.StartResult, error)
	Stop(ctx context.Context, t target.VMTarget) (lifecycle.StopResult, error)
	Resolve(name, zone string) (target.VMTarget, error)
	Targets() []target.VMTarget
}

// Config holds API server configuration.
type Config struct {
	Listen          string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	Info            InfoResponse
}

// Deps are the server's collaborators. Hub and Metrics may be nil.
type Deps struct {
	Lifecycle Lifecycle
	Webhook   *webhook.SignatureVerifier
	Control   *auth.SecretVerifier
	Hub       *events.Hub
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	lifecycle Lifecycle
	webhook   *webhook.SignatureVerifier
	control   *auth.SecretVerifier
	hub       *events.Hub
	metrics   *metrics.Recorder
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, d Deps) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		lifecycle: d.Lifecycle,
		webhook:   d.Webhook,
		control:   d.Control,
		hub:       d.Hub,
		metrics:   d.Metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// GCE start/stop calls are bounded by the compute request timeout.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleInfo)
	r.Get("/health", s.handleHealth)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// The webhook authenticates with its own HMAC signature.
	r.Post("/github/webhook", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.controlAuth)
		r.Post("/runner/start", s.handleStart)
		r.Post(lifecycle.StopPath, s.handleStop)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)
	})

	return r
}

// loggingMiddleware logs HTTP requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// controlAuth requires the runner control secret.
func (s *Server) controlAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.control.VerifyRequest(r)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, auth.ErrMisconfigured):
			s.logger.Error("control secret not configured", "path", r.URL.Path)
			s.writeError(w, http.StatusInternalServerError, "server configuration error")
		default:
			s.logger.Warn("control request rejected", "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "invalid secret")
		}
	})
}
