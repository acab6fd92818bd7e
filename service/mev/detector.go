package mev

import (
	"context"
	"log/slog"
	"sort"

	"github.com/brojonat/pono/service/pricing"
	"github.com/brojonat/pono/service/solana"
)

// Detector finds MEV events in decoded blocks and values them.
type Detector struct {
	calculator *pricing.Calculator
	logger     *slog.Logger
}

// NewDetector creates a detector. A nil calculator leaves every event Unresolved.
func NewDetector(calculator *pricing.Calculator, logger *slog.Logger) *Detector {
	return &Detector{
		calculator: calculator,
		logger:     logger,
	}
}

// Detect runs the arbitrage and sandwich passes over block. The passes are
// independent, so one transaction may appear in events of both kinds.
// Events are ordered by their primary transaction index, arbitrage first.
func (d *Detector) Detect(block *solana.Block) []Event {
	var events []Event
	for _, arb := range DetectArbitrage(block) {
		events = append(events, arb)
	}
	for _, s := range DetectSandwiches(block) {
		events = append(events, s)
	}

	sort.SliceStable(events, func(i, j int) bool {
		pi, pj := events[i].Primary().Index, events[j].Primary().Index
		if pi != pj {
			return pi < pj
		}
		return events[i].EventKind() == KindArbitrage && events[j].EventKind() != KindArbitrage
	})

	d.logger.Debug("block scanned",
		"slot", block.Slot,
		"transactions", len(block.Transactions),
		"events", len(events),
	)
	return events
}

// Price fills in the profit of every event using prices at timestamp.
func (d *Detector) Price(ctx context.Context, events []Event, timestamp int64) {
	if d.calculator == nil {
		return
	}
	for _, ev := range events {
		acc := ev.Totals()
		acc.Profit = d.calculator.Resolve(ctx, acc.Deltas, acc.FeeLamports, timestamp)
		if !acc.Profit.Resolved() {
			d.logger.InfoContext(ctx, "event profit unresolved",
				"kind", ev.EventKind(),
				"signature", ev.Primary().Signature,
				"missing_mints", acc.Profit.UnresolvedMints,
			)
		}
	}
}
