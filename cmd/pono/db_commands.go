package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/brojonat/pono/service/db"
	"github.com/urfave/cli/v2"
)

func listEventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "List persisted MEV events for a slot",
		ArgsUsage: "<slot>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: slot")
			}
			slot, err := strconv.ParseUint(c.Args().First(), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid slot %q: %w", c.Args().First(), err)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			events, err := store.ListEventsBySlot(context.Background(), slot)
			if err != nil {
				return err
			}
			return printEvents(c, events)
		},
	}
}

func listSignerEventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "signer",
		Usage:     "List the most recent persisted MEV events signed by an address",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of events",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signer address")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			events, err := store.ListEventsBySigner(context.Background(), c.Args().First(), c.Int("limit"))
			if err != nil {
				return err
			}
			return printEvents(c, events)
		},
	}
}

func listFailuresCommand() *cli.Command {
	return &cli.Command{
		Name:  "failures",
		Usage: "List slots that could not be analyzed",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of failures",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			failures, err := store.ListFailures(context.Background(), c.Int("limit"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, failures)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SLOT\tKIND\tCOUNT\tUPDATED\tMESSAGE")
			for _, f := range failures {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
					f.Slot,
					f.Kind,
					f.Occurrences,
					f.UpdatedAt.Format(time.RFC3339),
					f.Message,
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d failures\n", len(failures))
			return nil
		},
	}
}

func printEvents(c *cli.Context, events []*db.Event) error {
	if c.Bool("json") {
		return outputJSON(c.App.Writer, events)
	}

	// Pretty table output
	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tINDEX\tKIND\tTYPE/TOKEN\tSIGNER\tSIGNATURE\tCU\tPROFIT (USD)")
	for _, e := range events {
		detail := "-"
		switch {
		case e.ArbitrageType != nil:
			detail = *e.ArbitrageType
		case e.SandwichedToken != nil:
			detail = *e.SandwichedToken
		}
		profit := "unresolved"
		if e.NetProfitUSD != nil {
			profit = e.NetProfitUSD.StringFixed(2)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.Slot,
			e.TxIndex,
			e.Kind,
			detail,
			e.Signer,
			e.Signature,
			e.ComputeUnits,
			profit,
		)
	}
	w.Flush()

	fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d events\n", len(events))
	return nil
}

// getStore opens the store named by --database-url and ensures its schema.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	store, err := db.Open(context.Background(), dbURL, nil)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// outputJSON writes v as indented JSON.
func outputJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
