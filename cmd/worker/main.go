package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/pono/service/config"
	"github.com/brojonat/pono/service/db"
	"github.com/brojonat/pono/service/metrics"
	natspkg "github.com/brojonat/pono/service/nats"
	"github.com/brojonat/pono/service/pipeline"
	"github.com/brojonat/pono/service/report"
	"github.com/brojonat/pono/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting backfill worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	p, _, err := pipeline.Build(cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	// Reports go to every configured sink. Without NATS or Postgres the
	// worker prints one line per slot.
	var sinks report.MultiSink

	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger.With("component", "nats_publisher"))
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		sinks = append(sinks, natsPublisher)
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	if cfg.DatabaseURL != "" {
		store, err := db.Open(ctx, cfg.DatabaseURL, metricsCollector)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		sinks = append(sinks, store)
		logger.Info("connected to database")
	}

	if len(sinks) == 0 {
		logger.Warn("no NATS_URL or DATABASE_URL configured, writing reports to stdout")
		sinks = append(sinks, report.NewWriterSink(os.Stdout, os.Stderr, report.ModeLine, nil))
	}

	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Analyzer:          p,
		Sink:              sinks,
		Metrics:           metricsCollector,
		Logger:            logger,
		// Activities share one RPC budget, so run about as many as a stream would.
		MaxConcurrentActivities: cfg.StreamConcurrency,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		logger.Info("stopping temporal worker")
		worker.Stop()
		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
