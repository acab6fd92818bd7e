package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pono",
		Usage: "Solana MEV detector",
		Description: `Detects arbitrage and sandwich attacks in Solana blocks and values them in USD.

Analyze a slot or a range once, follow the chain tip, or start a durable
backfill on Temporal. Reports go to stdout and optionally to NATS and Postgres.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			runCommand(),
			streamCommand(),
			backfillCommand(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Inspect persisted MEV events",
				Subcommands: []*cli.Command{
					listEventsCommand(),
					listSignerEventsCommand(),
					listFailuresCommand(),
				},
			},
			// NATS streaming commands
			{
				Name:  "nats",
				Usage: "NATS event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana JSON-RPC endpoint",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue of the backfill worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "pono-backfill",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format (db and backfill commands)",
			},
		},
	}
}
