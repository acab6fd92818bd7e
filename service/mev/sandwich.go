package mev

import (
	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
)

// sandwichSpan is how far past the front-run the back-run may be.
const sandwichSpan = 4

type sandwichMatch struct {
	front, victim, back int
	token               string
	amount              decimal.Decimal
}

// DetectSandwiches scans the block's transactions in execution order for a
// front-run a, victim b and back-run c with a < b < c <= a+4, where a and c
// share a signer that b does not have, and all three succeeded with a swap or
// transfer. The sandwiched token is the mint a and c both trade; it is empty
// when the legs share none.
//
// For each a the candidate with the largest attacker amount in the
// sandwiched token wins, then the earliest c, then the earliest b. A
// candidate without a sandwiched token counts as amount zero. Scanning
// resumes after c once a sandwich is found.
func DetectSandwiches(block *solana.Block) []*Sandwich {
	txs := block.Transactions
	var out []*Sandwich
	for i := 0; i < len(txs); {
		m, ok := bestSandwichFrom(txs, i)
		if !ok {
			i++
			continue
		}
		out = append(out, newSandwich(&txs[m.front], &txs[m.victim], &txs[m.back], m.token))
		i = m.back + 1
	}
	return out
}

func bestSandwichFrom(txs []solana.Transaction, i int) (sandwichMatch, bool) {
	front := &txs[i]
	if !eligible(front) {
		return sandwichMatch{}, false
	}

	var best sandwichMatch
	found := false
	for c := i + 2; c <= i+sandwichSpan && c < len(txs); c++ {
		back := &txs[c]
		if !eligible(back) || back.Signer != front.Signer {
			continue
		}
		token, amount, _ := sandwichedToken(front, back)
		for b := i + 1; b < c; b++ {
			victim := &txs[b]
			if !eligible(victim) || victim.Signer == front.Signer {
				continue
			}
			if !found || amount.GreaterThan(best.amount) {
				best = sandwichMatch{front: i, victim: b, back: c, token: token, amount: amount}
				found = true
			}
			break
		}
	}
	return best, found
}

func eligible(tx *solana.Transaction) bool {
	return tx.Success && tx.HasSwapOrTransfer()
}

// sandwichedToken picks the token both legs trade with the largest combined
// amount. Ties go to the lexically smallest mint.
func sandwichedToken(front, back *solana.Transaction) (string, decimal.Decimal, bool) {
	frontTraded := front.TradedMints()
	backTraded := back.TradedMints()

	var (
		token  string
		amount decimal.Decimal
		found  bool
	)
	for mint, a := range frontTraded {
		b, ok := backTraded[mint]
		if !ok {
			continue
		}
		total := a.Abs().Add(b.Abs())
		if !found || total.GreaterThan(amount) || (total.Equal(amount) && mint < token) {
			token, amount, found = mint, total, true
		}
	}
	return token, amount, found
}

func newSandwich(front, victim, back *solana.Transaction, token string) *Sandwich {
	var swaps []solana.Swap
	swaps = append(swaps, front.Swaps()...)
	swaps = append(swaps, back.Swaps()...)

	return &Sandwich{
		Kind:            KindSandwich,
		Front:           refOf(front),
		Victim:          refOf(victim),
		Back:            refOf(back),
		Attacker:        front.Signer,
		SandwichedToken: token,
		Programs:        programsOf(swaps),
		Accounting: Accounting{
			ComputeUnits:    front.ComputeUnits + back.ComputeUnits,
			FeeLamports:     front.Fee + back.Fee,
			JitoTipLamports: front.JitoTip + back.JitoTip,
			Deltas:          mergeDeltas(front.Deltas, back.Deltas),
		},
	}
}

// mergeDeltas sums per-mint deltas, dropping mints that net to zero.
func mergeDeltas(sets ...map[string]solana.BalanceDelta) map[string]solana.BalanceDelta {
	out := make(map[string]solana.BalanceDelta)
	for _, set := range sets {
		for mint, d := range set {
			cur, ok := out[mint]
			if !ok {
				out[mint] = d
				continue
			}
			cur.Raw = cur.Raw.Add(d.Raw)
			out[mint] = cur
		}
	}
	for mint, d := range out {
		if d.Raw.IsZero() {
			delete(out, mint)
		}
	}
	return out
}
