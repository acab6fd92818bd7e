package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/pono/service/config"
	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/mev"
	"github.com/brojonat/pono/service/pricing"
	"github.com/brojonat/pono/service/solana"
)

// Build wires a pipeline from configuration: an RPC block source behind the
// shared rate limiter, and a cached Pyth price source.
// The returned client is the pipeline's fetcher; streams fetch through it too.
func Build(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Pipeline, *solana.Client, error) {
	limiter := solana.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	policy := solana.RetryPolicy{
		MaxAttempts:    cfg.FetchMaxAttempts,
		BaseDelay:      cfg.FetchBaseDelay,
		MaxDelay:       cfg.FetchMaxDelay,
		AttemptTimeout: cfg.FetchAttemptTimeout,
	}
	registry := solana.DefaultRegistry()
	logger.Debug("instruction decoders registered", "programs", registry.Programs())

	client := solana.NewClient(
		solana.NewRPCSource(cfg.SolanaRPCURL, m),
		limiter,
		registry,
		policy,
		m,
		logger.With("component", "solana_client"),
	)

	pyth := pricing.NewPythSource(cfg.PythBenchmarksURL, m, logger.With("component", "pyth"))
	prices, err := pricing.NewCachedSource(pyth, "pyth", cfg.PriceCacheSize, m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create price source: %w", err)
	}

	calc := pricing.NewCalculator(prices, logger.With("component", "pricing"))
	detector := mev.NewDetector(calc, logger.With("component", "detector"))

	return New(client, detector, m, logger.With("component", "pipeline")), client, nil
}
