// Package api serves run progress over HTTP while a dispatch is in flight.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/msetz/fanq/internal/events"
	"github.com/msetz/fanq/internal/queue"
)

// RunStore defines the queue reads the status API needs.
type RunStore interface {
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
	JobsForRun(ctx context.Context, runID string) ([]*queue.Job, error)
	Summary(ctx context.Context, runID string) (*queue.RunSummary, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is an optional bearer token. Empty leaves the API open.
	APIKey string
}

// Server is the HTTP status server for one run.
type Server struct {
	config    Config
	store     RunStore
	runID     string
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a status server scoped to runID.
func New(config Config, store RunStore, runID string, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		store:     store,
		runID:     runID,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status API starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/run", s.handleGetRun)
		r.Get("/v1/jobs", s.handleListJobs)
		r.Get("/v1/jobs/{jobID}", s.handleGetJob)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}
