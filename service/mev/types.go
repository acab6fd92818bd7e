package mev

import (
	"github.com/brojonat/pono/service/pricing"
	"github.com/brojonat/pono/service/solana"
)

// Kind identifies the variant of an Event.
type Kind string

const (
	KindArbitrage Kind = "arbitrage"
	KindSandwich  Kind = "sandwich"
)

// ArbitrageType classifies the route of an arbitrage.
type ArbitrageType string

const (
	ArbitrageTriangle   ArbitrageType = "triangle"   // A -> B -> ... -> A through a continuous path
	ArbitrageStablecoin ArbitrageType = "stablecoin" // starts and ends in stablecoins
	ArbitrageCrossPair  ArbitrageType = "cross_pair" // starts and ends in the same token, path not continuous
	ArbitrageLongTail   ArbitrageType = "long_tail"
)

// Event is a detected MEV event: *Arbitrage or *Sandwich.
type Event interface {
	EventKind() Kind
	// Primary is the transaction the event is keyed by.
	Primary() TxRef
	// Totals exposes the event's accounting so it can be valued and summed.
	Totals() *Accounting

	event()
}

// TxRef identifies a transaction taking part in an event.
type TxRef struct {
	Signature    string `json:"signature"`
	Index        int    `json:"index"`
	Signer       string `json:"signer"`
	ComputeUnits uint64 `json:"compute_units"`
	FeeLamports  uint64 `json:"fee_lamports"`
	JitoTip      uint64 `json:"jito_tip_lamports,omitempty"`
}

func refOf(tx *solana.Transaction) TxRef {
	return TxRef{
		Signature:    tx.Signature,
		Index:        tx.Index,
		Signer:       tx.Signer,
		ComputeUnits: tx.ComputeUnits,
		FeeLamports:  tx.Fee,
		JitoTip:      tx.JitoTip,
	}
}

// Accounting holds the costs, balance changes and valuation of an event.
type Accounting struct {
	ComputeUnits    uint64                         `json:"compute_units"`
	FeeLamports     uint64                         `json:"fee_lamports"`
	JitoTipLamports uint64                         `json:"jito_tip_lamports"`
	Deltas          map[string]solana.BalanceDelta `json:"deltas"`
	Profit          pricing.Profit                 `json:"profit"`
}

// Arbitrage is a single transaction that swaps through two or more pools and
// ends with a net gain for its signer.
type Arbitrage struct {
	Kind     Kind          `json:"kind"`
	Tx       TxRef         `json:"tx"`
	Type     ArbitrageType `json:"arbitrage_type"`
	Swaps    []solana.Swap `json:"swaps"`
	Programs []string      `json:"programs"`
	Accounting
}

func (a *Arbitrage) EventKind() Kind     { return KindArbitrage }
func (a *Arbitrage) Primary() TxRef      { return a.Tx }
func (a *Arbitrage) Totals() *Accounting { return &a.Accounting }
func (a *Arbitrage) event()              {}

// Sandwich is a front-run and back-run by one attacker around a victim
// transaction in the same slot.
type Sandwich struct {
	Kind            Kind     `json:"kind"`
	Front           TxRef    `json:"front_run"`
	Victim          TxRef    `json:"victim"`
	Back            TxRef    `json:"back_run"`
	Attacker        string   `json:"attacker"`
	SandwichedToken string   `json:"sandwiched_token"`
	Programs        []string `json:"programs"`
	Accounting
}

func (s *Sandwich) EventKind() Kind     { return KindSandwich }
func (s *Sandwich) Primary() TxRef      { return s.Front }
func (s *Sandwich) Totals() *Accounting { return &s.Accounting }
func (s *Sandwich) event()              {}

// stablecoins are the mints treated as USD stable for classification.
var stablecoins = map[string]bool{
	solana.USDCMint:  true,
	solana.USDTMint:  true,
	solana.PYUSDMint: true,
}

// IsStablecoin reports whether mint is a known USD stablecoin.
func IsStablecoin(mint string) bool {
	return stablecoins[mint]
}

// programsOf lists the distinct swap programs in first-use order.
func programsOf(swaps []solana.Swap) []string {
	seen := make(map[string]bool, len(swaps))
	var out []string
	for _, s := range swaps {
		if s.Program == "" || seen[s.Program] {
			continue
		}
		seen[s.Program] = true
		out = append(out, s.Program)
	}
	return out
}
