package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/brojonat/pono/service/config"
	"github.com/brojonat/pono/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrate creates the mev_events and slot_failures tables if they are
// missing and reports how many rows they hold. It is safe to run repeatedly.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting schema migration")

	cfg, err := config.Parse()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool, nil)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	for _, table := range []string{"mev_events", "slot_failures"} {
		var count int64
		if err := dbPool.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&count); err != nil {
			logger.Error("failed to count rows", "table", table, "error", err)
			os.Exit(1)
		}
		logger.Info("table ready", "table", table, "rows", count)
	}

	logger.Info("migration complete")
}
