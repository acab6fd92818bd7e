package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/pono/service/config"
	"github.com/brojonat/pono/service/db"
	"github.com/brojonat/pono/service/metrics"
	natspkg "github.com/brojonat/pono/service/nats"
	"github.com/brojonat/pono/service/pipeline"
	"github.com/brojonat/pono/service/report"
	"github.com/brojonat/pono/service/stream"
	"github.com/itchyny/gojq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

// outputFlags are shared by run and stream.
func outputFlags(defaultFormat report.Mode) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Output format: detail, summary or line",
			Value:   string(defaultFormat),
		},
		&cli.BoolFlag{
			Name:  "summary",
			Usage: "Shorthand for --format summary",
		},
		&cli.StringFlag{
			Name:  "jq",
			Usage: "jq filter applied to each JSON report",
		},
		&cli.BoolFlag{
			Name:  "nats",
			Usage: "Also publish reports to NATS JetStream (requires --nats-url)",
		},
		&cli.BoolFlag{
			Name:  "db",
			Usage: "Also persist events to Postgres (requires --database-url)",
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Analyze a slot or an inclusive slot range",
		ArgsUsage: "<slot|start-end>",
		Description: `Fetches each slot in order, detects MEV and prints one report per slot.

Examples:
  pono run 381165825
  pono run 381165825-381165830 --summary
  pono run 381165825 --jq '.events[] | select(.kind == "sandwich")'`,
		Flags: outputFlags(report.ModeDetail),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: <slot|start-end>")
			}
			start, end, err := parseSlotRange(c.Args().First())
			if err != nil {
				return err
			}

			writer, err := newWriterSink(c)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, client, err := pipeline.Build(cfg, nil, logger)
			if err != nil {
				return err
			}
			sink, closeSinks, err := buildSinks(ctx, c, cfg, nil, logger, writer)
			if err != nil {
				return err
			}
			defer closeSinks()

			sup := stream.NewSupervisor(client, streamConfig(cfg), nil, logger.With("component", "supervisor"))
			return sup.RunRange(ctx, start, end, p.Emit(sink))
		},
	}
}

func streamCommand() *cli.Command {
	flags := append(outputFlags(report.ModeLine),
		&cli.Uint64Flag{
			Name:  "start-slot",
			Usage: "First slot to analyze (default: current tip)",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "Blocks fetched in parallel (default: STREAM_CONCURRENCY)",
		},
	)

	return &cli.Command{
		Name:  "stream",
		Usage: "Follow the chain tip and analyze every new slot",
		Description: `Runs until interrupted. Slots are reported in order; skipped slots are
recorded as gaps. Metrics are served on METRICS_ADDR.`,
		Flags: flags,
		Action: func(c *cli.Context) error {
			writer, err := newWriterSink(c)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("concurrency") {
				cfg.StreamConcurrency = c.Int("concurrency")
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger := setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.NewMetrics(nil)
			shutdownMetrics := serveMetrics(cfg.MetricsAddr, logger)
			defer shutdownMetrics()

			p, client, err := pipeline.Build(cfg, m, logger)
			if err != nil {
				return err
			}
			sink, closeSinks, err := buildSinks(ctx, c, cfg, m, logger, writer)
			if err != nil {
				return err
			}
			defer closeSinks()

			sup := stream.NewSupervisor(client, streamConfig(cfg), m, logger.With("component", "supervisor"))
			err = sup.RunContinuous(ctx, c.Uint64("start-slot"), keepGoing(p.Emit(sink), logger))

			logger.Info("stream finished", "state", sup.State(), "recent_gaps", len(sup.Gaps()))
			return err
		},
	}
}

// parseSlotRange parses "N" or "N-M" (inclusive).
func parseSlotRange(s string) (uint64, uint64, error) {
	startStr, endStr, isRange := strings.Cut(s, "-")
	start, err := strconv.ParseUint(strings.TrimSpace(startStr), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid slot %q: %w", startStr, err)
	}
	if !isRange {
		return start, start, nil
	}
	end, err := strconv.ParseUint(strings.TrimSpace(endStr), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid slot %q: %w", endStr, err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid slot range %q: end before start", s)
	}
	return start, end, nil
}

// loadConfig reads the environment and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"rpc-url":             &cfg.SolanaRPCURL,
		"log-level":           &cfg.LogLevel,
		"database-url":        &cfg.DatabaseURL,
		"nats-url":            &cfg.NATSURL,
		"temporal-host":       &cfg.TemporalHost,
		"temporal-namespace":  &cfg.TemporalNamespace,
		"temporal-task-queue": &cfg.TemporalTaskQueue,
	}
	for flag, field := range overrides {
		if c.IsSet(flag) {
			*field = c.String(flag)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func streamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		Concurrency:  cfg.StreamConcurrency,
		PollInterval: cfg.StreamPollInterval,
		MaxLag:       uint64(cfg.StreamMaxLag),
	}
}

func newWriterSink(c *cli.Context) (*report.WriterSink, error) {
	format := c.String("format")
	if c.Bool("summary") {
		format = string(report.ModeSummary)
	}
	mode, err := report.ParseMode(format)
	if err != nil {
		return nil, err
	}

	var filter *gojq.Code
	if expr := c.String("jq"); expr != "" {
		if filter, err = report.CompileFilter(expr); err != nil {
			return nil, err
		}
	}
	return report.NewWriterSink(c.App.Writer, c.App.ErrWriter, mode, filter), nil
}

// buildSinks adds the NATS and Postgres sinks requested by --nats and --db
// to primary. The returned func closes them.
func buildSinks(ctx context.Context, c *cli.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, primary report.Sink) (report.Sink, func(), error) {
	sinks := report.MultiSink{primary}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if c.Bool("nats") {
		if cfg.NATSURL == "" {
			return nil, nil, fmt.Errorf("--nats requires nats-url (set NATS_URL env var or use --nats-url)")
		}
		pub, err := natspkg.NewPublisher(cfg.NATSURL, m, logger.With("component", "nats_publisher"))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, pub)
		closers = append(closers, func() { pub.Close() })
	}

	if c.Bool("db") {
		if cfg.DatabaseURL == "" {
			closeAll()
			return nil, nil, fmt.Errorf("--db requires database-url (set DATABASE_URL env var or use --database-url)")
		}
		store, err := db.Open(ctx, cfg.DatabaseURL, m)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, store)
		closers = append(closers, store.Close)
	}

	return sinks, closeAll, nil
}

// keepGoing logs sink errors instead of stopping the stream. Cancellation
// still stops it.
func keepGoing(emit stream.EmitFunc, logger *slog.Logger) stream.EmitFunc {
	return func(ctx context.Context, res stream.Result) error {
		err := emit(ctx, res)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "failed to publish slot", "slot", res.Slot, "error", err)
			return nil
		}
		return err
	}
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown func.
func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
