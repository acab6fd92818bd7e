package mev

import (
	"github.com/brojonat/pono/service/solana"
)

// DetectArbitrage returns an Arbitrage for every successful transaction with
// at least two swaps that leaves its signer with a strictly positive balance
// change in some token. Transactions are independent of each other.
func DetectArbitrage(block *solana.Block) []*Arbitrage {
	var out []*Arbitrage
	for i := range block.Transactions {
		if arb, ok := arbitrageOf(&block.Transactions[i]); ok {
			out = append(out, arb)
		}
	}
	return out
}

func arbitrageOf(tx *solana.Transaction) (*Arbitrage, bool) {
	if !tx.Success {
		return nil, false
	}
	swaps := tx.Swaps()
	if len(swaps) < 2 {
		return nil, false
	}
	if !hasGain(tx.Deltas) {
		return nil, false
	}

	return &Arbitrage{
		Kind:     KindArbitrage,
		Tx:       refOf(tx),
		Type:     ClassifyArbitrage(swaps),
		Swaps:    swaps,
		Programs: programsOf(swaps),
		Accounting: Accounting{
			ComputeUnits:    tx.ComputeUnits,
			FeeLamports:     tx.Fee,
			JitoTipLamports: tx.JitoTip,
			Deltas:          tx.Deltas,
		},
	}, true
}

func hasGain(deltas map[string]solana.BalanceDelta) bool {
	for _, d := range deltas {
		if d.Raw.IsPositive() {
			return true
		}
	}
	return false
}

// ClassifyArbitrage names the route taken by swaps.
//
// A route is continuous when every swap's output is the next swap's input.
// Two-swap routes prefer triangle over stablecoin; longer routes check the
// stablecoin endpoints first.
func ClassifyArbitrage(swaps []solana.Swap) ArbitrageType {
	if len(swaps) < 2 {
		return ArbitrageLongTail
	}

	first := swaps[0].InputMint
	last := swaps[len(swaps)-1].OutputMint
	closed := first == last
	stable := IsStablecoin(first) && IsStablecoin(last)

	continuous := true
	for i := 0; i+1 < len(swaps); i++ {
		if swaps[i].OutputMint != swaps[i+1].InputMint {
			continuous = false
			break
		}
	}

	if len(swaps) == 2 {
		switch {
		case closed && continuous:
			return ArbitrageTriangle
		case stable:
			return ArbitrageStablecoin
		case closed:
			return ArbitrageCrossPair
		}
		return ArbitrageLongTail
	}

	switch {
	case stable:
		return ArbitrageStablecoin
	case closed && !continuous:
		return ArbitrageCrossPair
	case closed:
		return ArbitrageTriangle
	}
	return ArbitrageLongTail
}
