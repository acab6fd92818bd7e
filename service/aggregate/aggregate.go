package aggregate

import (
	"github.com/brojonat/pono/service/mev"
	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
)

// MEVCounts counts events by kind. Total is always Arbitrage + Sandwich.
type MEVCounts struct {
	Total     int `json:"total"`
	Arbitrage int `json:"arbitrage"`
	Sandwich  int `json:"sandwich"`
}

// SlotSummary is the per-slot rollup of a block and its events.
type SlotSummary struct {
	Slot            uint64          `json:"slot"`
	Blockhash       string          `json:"blockhash"`
	Timestamp       int64           `json:"timestamp"`
	Transactions    solana.Counts   `json:"transactions"`
	ComputeUnits    uint64          `json:"total_compute_units"`
	MEV             MEVCounts       `json:"mev"`
	MEVComputeUnits uint64          `json:"mev_compute_units"`
	TotalProfitUSD  decimal.Decimal `json:"total_profit_usd"` // resolved events only
	UnresolvedCount int             `json:"unresolved_count"`
}

// Summarize rolls events up into a SlotSummary for block.
// Unresolved profits are counted, never summed.
func Summarize(block *solana.Block, events []mev.Event) SlotSummary {
	s := SlotSummary{
		Slot:           block.Slot,
		Blockhash:      block.Blockhash,
		Timestamp:      block.Timestamp,
		Transactions:   block.Counts,
		ComputeUnits:   block.ComputeUnits,
		TotalProfitUSD: decimal.Zero,
	}

	for _, ev := range events {
		switch ev.EventKind() {
		case mev.KindArbitrage:
			s.MEV.Arbitrage++
		case mev.KindSandwich:
			s.MEV.Sandwich++
		}

		acc := ev.Totals()
		s.MEVComputeUnits += acc.ComputeUnits
		if acc.Profit.Resolved() {
			s.TotalProfitUSD = s.TotalProfitUSD.Add(*acc.Profit.NetProfitUSD)
		} else {
			s.UnresolvedCount++
		}
	}
	s.MEV.Total = s.MEV.Arbitrage + s.MEV.Sandwich

	return s
}
