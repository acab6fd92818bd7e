package main

import (
	"context"
	"fmt"

	"github.com/brojonat/pono/service/temporal"
	"github.com/urfave/cli/v2"
)

func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:      "backfill",
		Usage:     "Start a durable backfill of a slot range on Temporal",
		ArgsUsage: "<start-end>",
		Description: `Starts BackfillWorkflow on the configured task queue. A pono worker
(cmd/worker) must be running to execute it. Reports are published by the
worker to NATS and Postgres when configured there.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Block until the backfill completes and print its totals",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: <start-end>")
			}
			start, end, err := parseSlotRange(c.Args().First())
			if err != nil {
				return err
			}

			logger := setupLogger(c.String("log-level"))
			tc, err := temporal.NewClient(
				c.String("temporal-host"),
				c.String("temporal-namespace"),
				c.String("temporal-task-queue"),
				logger,
			)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			workflowID, runID, err := tc.StartBackfill(ctx, start, end)
			if err != nil {
				return err
			}

			out := c.App.Writer
			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(out, map[string]string{"workflow_id": workflowID, "run_id": runID})
				}
				fmt.Fprintf(out, "Started backfill of slots %d-%d\n", start, end)
				fmt.Fprintf(out, "  Workflow ID: %s\n", workflowID)
				fmt.Fprintf(out, "  Run ID:      %s\n", runID)
				return nil
			}

			result, err := tc.WaitBackfill(ctx, workflowID)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(out, result)
			}

			t := result.Totals
			fmt.Fprintf(out, "Backfill %s complete\n", workflowID)
			fmt.Fprintf(out, "  Analyzed:   %d\n", t.Analyzed)
			fmt.Fprintf(out, "  Missing:    %d\n", t.Missing)
			fmt.Fprintf(out, "  Failed:     %d\n", t.Failed)
			fmt.Fprintf(out, "  Events:     %d\n", t.Events)
			fmt.Fprintf(out, "  Unresolved: %d\n", t.Unresolved)
			fmt.Fprintf(out, "  Profit:     $%s\n", t.ProfitUSD.StringFixed(2))
			return nil
		},
	}
}
