package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/pono/service/config"
	"github.com/brojonat/pono/service/db"
	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/server"
	"github.com/brojonat/pono/service/temporal"
)

func main() {
	// The API never fetches blocks, so SOLANA_RPC_URL is not required here.
	cfg, err := config.Parse()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store, err := db.Open(ctx, cfg.DatabaseURL, metricsCollector)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("connected to database")

	// Backfills are optional: without Temporal the endpoint is not mounted.
	var backfills server.Backfiller
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("temporal unavailable, backfill endpoint disabled", "host", cfg.TemporalHost, "error", err)
	} else {
		defer temporalClient.Close()
		backfills = temporalClient
	}

	var events server.EventSubscriber
	if cfg.NATSURL != "" {
		ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, logger.With("component", "sse"))
		if err != nil {
			logger.Error("failed to create SSE publisher", "error", err)
			os.Exit(1)
		}
		events = ssePublisher
	}

	httpServer := server.New(cfg.ServerAddr, store, backfills, events, metricsCollector, logger.With("component", "http"))

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
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
