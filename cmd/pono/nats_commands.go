package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/pono/service/mev"
	natspkg "github.com/brojonat/pono/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to MEV events published to NATS",
		Description: `Subscribe to MEV events published to NATS JetStream by pono run/stream --nats
and by backfill workers.

Examples:
  pono nats subscribe
  pono nats subscribe --kind sandwich --json
  pono nats subscribe --durable --consumer-name mev-reader`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Only events of this kind (arbitrage or sandwich)",
			},
			&cli.BoolFlag{
				Name:  "durable",
				Usage: "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Name for durable consumer",
				Value: "pono-cli",
			},
		},
		Action: func(c *cli.Context) error {
			natsURL := c.String("nats-url")
			if natsURL == "" {
				return fmt.Errorf("nats-url is required (set NATS_URL env var or use --nats-url)")
			}

			subject := natspkg.EventSubjectPrefix + ">"
			if kind := c.String("kind"); kind != "" {
				if kind != string(mev.KindArbitrage) && kind != string(mev.KindSandwich) {
					return fmt.Errorf("invalid kind %q (want arbitrage or sandwich)", kind)
				}
				subject = natspkg.EventSubject(mev.Kind(kind))
			}

			return streamEvents(c.App.Writer, natsURL, subject, c.Bool("durable"), c.String("consumer-name"), c.Bool("json"))
		},
	}
}

// streamEvents connects to NATS and prints MEV events until interrupted.
func streamEvents(out io.Writer, natsURL, subject string, durable bool, consumerName string, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(out, "Subscribing to: %s\n", subject)
		fmt.Fprintf(out, "   NATS: %s\n", natsURL)
		if durable {
			fmt.Fprintf(out, "   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Fprintf(out, "\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			received, err := natspkg.DecodeEventMessage(msg.Data())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				msg.Ack()
				continue
			}
			count++

			if jsonOutput {
				fmt.Fprintln(out, string(msg.Data()))
			} else {
				fmt.Fprint(out, describeEvent(count, received))
			}
			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Fprintf(out, "\nReceived %d events\n", count)
			}
			return nil
		}
	}
}

// describeEvent renders a received event for humans.
func describeEvent(n int, r *natspkg.ReceivedEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event #%d: %s in slot %d\n", n, r.Kind, r.Slot)

	switch ev := r.Event.(type) {
	case *mev.Arbitrage:
		fmt.Fprintf(&b, "  Type:       %s\n", ev.Type)
		fmt.Fprintf(&b, "  Signer:     %s\n", ev.Tx.Signer)
		fmt.Fprintf(&b, "  Signature:  %s\n", ev.Tx.Signature)
		fmt.Fprintf(&b, "  Swaps:      %d via %s\n", len(ev.Swaps), strings.Join(ev.Programs, ", "))
	case *mev.Sandwich:
		fmt.Fprintf(&b, "  Attacker:   %s\n", ev.Attacker)
		fmt.Fprintf(&b, "  Token:      %s\n", ev.SandwichedToken)
		fmt.Fprintf(&b, "  Front-run:  %s (#%d)\n", ev.Front.Signature, ev.Front.Index)
		fmt.Fprintf(&b, "  Victim:     %s (#%d)\n", ev.Victim.Signature, ev.Victim.Index)
		fmt.Fprintf(&b, "  Back-run:   %s (#%d)\n", ev.Back.Signature, ev.Back.Index)
	}

	totals := r.Event.Totals()
	profit := "unresolved"
	if totals.Profit.Resolved() {
		profit = "$" + totals.Profit.NetProfitUSD.StringFixed(2)
	}
	fmt.Fprintf(&b, "  CU:         %d\n", totals.ComputeUnits)
	fmt.Fprintf(&b, "  Profit:     %s\n", profit)
	fmt.Fprintf(&b, "  Published:  %s\n\n", r.PublishedAt.Format(time.RFC3339))
	return b.String()
}
