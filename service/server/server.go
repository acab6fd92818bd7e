package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/pono/service/db"
	"github.com/brojonat/pono/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventStore is the read side of the event store.
type EventStore interface {
	ListEventsBySlot(ctx context.Context, slot uint64) ([]*db.Event, error)
	ListEventsBySigner(ctx context.Context, signer string, limit int) ([]*db.Event, error)
	ListFailures(ctx context.Context, limit int) ([]*db.Failure, error)
}

// Backfiller starts durable backfills. *temporal.Client implements it.
type Backfiller interface {
	StartBackfill(ctx context.Context, start, end uint64) (workflowID, runID string, err error)
}

// Server is the HTTP API over persisted MEV events.
type Server struct {
	addr      string
	store     EventStore
	backfills Backfiller
	events    EventSubscriber
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// backfills and events are optional; their routes are only mounted when
// they are set.
func New(addr string, store EventStore, backfills Backfiller, events EventSubscriber, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		store:     store,
		backfills: backfills,
		events:    events,
		metrics:   m,
		logger:    logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
	}

	route("GET /api/v1/slots/{slot}/events", handleListSlotEvents(s.store, s.logger))
	route("GET /api/v1/signers/{address}/events", handleListSignerEvents(s.store, s.logger))
	route("GET /api/v1/failures", handleListFailures(s.store, s.logger))

	if s.backfills != nil {
		route("POST /api/v1/backfills", handleStartBackfill(s.backfills, s.logger))
	} else {
		s.logger.Warn("temporal client not configured, backfill endpoint disabled")
	}

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.events != nil {
		route("GET /api/v1/stream/events", handleStreamEvents(s.events, s.metrics, s.logger))
		route("GET /api/v1/stream/events/{kind}", handleStreamEvents(s.events, s.metrics, s.logger))
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start serves until Shutdown is called. There is no write timeout because
// SSE responses stay open.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
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

	// Close SSE subscriptions first (disconnects all clients)
	if s.events != nil {
		s.events.Close()
	}

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

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
