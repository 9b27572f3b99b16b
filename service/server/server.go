package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/batchtx/service/batch"
	"github.com/brojonat/batchtx/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API for submitting and inspecting batches.
type Server struct {
	addr      string
	executor  Executor
	keys      batch.KeyResolver
	defaults  batch.Options
	store     ResultStore
	publisher ResultPublisher
	workflows BatchStarter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The store, publisher and workflows are optional: without a store results
// are not recorded, without a publisher no events are emitted, and without
// workflows the async endpoint answers 503.
// If metrics is nil, the /metrics endpoint is not served.
func New(
	addr string,
	executor Executor,
	keys batch.KeyResolver,
	defaults batch.Options,
	store ResultStore,
	publisher ResultPublisher,
	workflows BatchStarter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		executor:  executor,
		keys:      keys,
		defaults:  defaults,
		store:     store,
		publisher: publisher,
		workflows: workflows,
		metrics:   m,
		logger:    logger,
	}
}

// Handler builds the routed handler. Start serves it; tests call it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	instrument := func(name string, h http.Handler) http.Handler {
		return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}

	mux.Handle("POST /api/v1/batches",
		instrument("/api/v1/batches", handleExecuteBatch(s.executor, s.keys, s.defaults, s.store, s.publisher, s.logger)))
	mux.Handle("POST /api/v1/batches/async",
		instrument("/api/v1/batches/async", handleStartBatch(s.workflows, s.keys, s.defaults, s.logger)))
	mux.Handle("GET /api/v1/batches/{batch_id}",
		instrument("/api/v1/batches/{batch_id}", handleGetBatch(s.store, s.workflows, s.logger)))
	mux.Handle("GET /api/v1/batches",
		instrument("/api/v1/batches", handleListBatches(s.store, s.logger)))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	if s.store == nil {
		s.logger.Warn("no audit store configured, results will not be recorded")
	}
	if s.workflows == nil {
		s.logger.Warn("temporal not configured, async submission disabled")
	}

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous batches can take a while
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
