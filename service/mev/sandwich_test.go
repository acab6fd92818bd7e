package mev

import (
	"testing"

	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buy and sell are the attacker legs around a victim trading SOL for BONK.
func buy(index int, signer string, amount uint64) solana.Transaction {
	return swapTx(index, signer, swap(raydiumCPMM, sol, bonk, 1_000_000, amount))
}

func sell(index int, signer string, amount uint64) solana.Transaction {
	return swapTx(index, signer, swap(raydiumCPMM, bonk, sol, amount, 1_100_000))
}

func TestDetectSandwiches_CanonicalPattern(t *testing.T) {
	front := withDeltas(buy(0, "attacker", 5_000_000), deltas(sol, -1_005_000, bonk, 5_000_000))
	back := withDeltas(sell(4, "attacker", 5_000_000), deltas(sol, 1_095_000, bonk, -5_000_000))
	block := blockOf(
		front,
		opaqueTx(1, "voter-1"),
		buy(2, "victim", 9_000_000),
		opaqueTx(3, "voter-2"),
		back,
	)

	sandwiches := DetectSandwiches(block)
	require.Len(t, sandwiches, 1)
	s := sandwiches[0]

	assert.Equal(t, KindSandwich, s.Kind)
	assert.Equal(t, 0, s.Front.Index)
	assert.Equal(t, 2, s.Victim.Index)
	assert.Equal(t, 4, s.Back.Index)
	assert.Equal(t, "attacker", s.Attacker)
	assert.Equal(t, "victim", s.Victim.Signer)
	assert.Equal(t, []string{raydiumCPMM}, s.Programs)

	// SOL and BONK are both traded by the attacker; BONK moves more units.
	assert.Equal(t, bonk, s.SandwichedToken)

	assert.Equal(t, uint64(200_000), s.ComputeUnits)
	assert.Equal(t, uint64(10_000), s.FeeLamports)
	require.Len(t, s.Deltas, 1, "bonk nets to zero across the legs")
	assert.True(t, s.Deltas[sol].Raw.Equal(decimal.NewFromInt(90_000)))
}

func TestDetectSandwiches_OutsideWindow(t *testing.T) {
	block := blockOf(
		buy(0, "attacker", 5_000_000),
		opaqueTx(1, "a"),
		buy(2, "victim", 9_000_000),
		opaqueTx(3, "b"),
		opaqueTx(4, "c"),
		opaqueTx(5, "d"),
		sell(6, "attacker", 5_000_000),
	)

	assert.Empty(t, DetectSandwiches(block))
}

func TestDetectSandwiches_Rejects(t *testing.T) {
	tests := []struct {
		name string
		txs  []solana.Transaction
	}{
		{
			name: "victim has attacker signer",
			txs:  []solana.Transaction{buy(0, "attacker", 5), buy(1, "attacker", 9), sell(2, "attacker", 5)},
		},
		{
			name: "back run by someone else",
			txs:  []solana.Transaction{buy(0, "attacker", 5), buy(1, "victim", 9), sell(2, "other", 5)},
		},
		{
			name: "failed victim",
			txs:  []solana.Transaction{buy(0, "attacker", 5), failed(buy(1, "victim", 9)), sell(2, "attacker", 5)},
		},
		{
			name: "failed back run",
			txs:  []solana.Transaction{buy(0, "attacker", 5), buy(1, "victim", 9), failed(sell(2, "attacker", 5))},
		},
		{
			name: "victim without swap or transfer",
			txs:  []solana.Transaction{buy(0, "attacker", 5), opaqueTx(1, "victim"), sell(2, "attacker", 5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, DetectSandwiches(blockOf(tt.txs...)))
		})
	}
}

func TestDetectSandwiches_TransfersCount(t *testing.T) {
	block := blockOf(
		transferTx(0, "attacker", usdc, 1_000_000),
		transferTx(1, "victim", usdc, 50_000_000),
		transferTx(2, "attacker", usdc, 2_000_000),
	)

	sandwiches := DetectSandwiches(block)
	require.Len(t, sandwiches, 1)
	assert.Equal(t, usdc, sandwiches[0].SandwichedToken)
}

func TestDetectSandwiches_LegsWithoutSharedToken(t *testing.T) {
	block := blockOf(
		transferTx(0, "attacker", usdc, 1_000_000),
		transferTx(1, "p", usdc, 3_000_000),
		transferTx(2, "victim", usdc, 50_000_000),
		transferTx(3, "r", usdc, 4_000_000),
		transferTx(4, "attacker", jup, 2_000_000),
	)

	sandwiches := DetectSandwiches(block)
	require.Len(t, sandwiches, 1)
	assert.Equal(t, [3]int{0, 1, 4}, legs(sandwiches[0]))
	assert.Empty(t, sandwiches[0].SandwichedToken)
}

func TestDetectSandwiches_SharedTokenBeatsNone(t *testing.T) {
	block := blockOf(
		swapTx(0, "attacker", swap(raydiumCPMM, sol, bonk, 1, 1)),
		buy(1, "victim", 9),
		swapTx(2, "attacker", swap(raydiumCPMM, usdc, jup, 1, 1)),
		sell(3, "attacker", 1),
	)

	sandwiches := DetectSandwiches(block)
	require.Len(t, sandwiches, 1)
	assert.Equal(t, 3, sandwiches[0].Back.Index)
	assert.NotEmpty(t, sandwiches[0].SandwichedToken)
}

func TestDetectSandwiches_PrefersLargestAttackerAmount(t *testing.T) {
	block := blockOf(
		buy(0, "attacker", 5_000_000),
		buy(1, "victim", 9_000_000),
		sell(2, "attacker", 1_000_000),
		sell(3, "attacker", 5_000_000),
	)

	sandwiches := DetectSandwiches(block)
	require.Len(t, sandwiches, 1)
	assert.Equal(t, 3, sandwiches[0].Back.Index)
	assert.Equal(t, 1, sandwiches[0].Victim.Index)
}

func TestDetectSandwiches_TiesPreferEarliestLegs(t *testing.T) {
	block := blockOf(
		buy(0, "attacker", 5_000_000),
		buy(1, "victim-1", 9_000_000),
		buy(2, "victim-2", 9_000_000),
		sell(3, "attacker", 5_000_000),
		sell(4, "attacker", 5_000_000),
	)

	sandwiches := DetectSandwiches(block)
	require.Len(t, sandwiches, 1)
	assert.Equal(t, 1, sandwiches[0].Victim.Index)
	assert.Equal(t, 3, sandwiches[0].Back.Index)
}

func TestDetectSandwiches_ResumesAfterBackRun(t *testing.T) {
	block := blockOf(
		buy(0, "attacker", 5_000_000),
		buy(1, "victim", 9_000_000),
		sell(2, "attacker", 5_000_000),
		buy(3, "attacker", 5_000_000),
		buy(4, "victim", 9_000_000),
		sell(5, "attacker", 5_000_000),
	)

	sandwiches := DetectSandwiches(block)
	require.Len(t, sandwiches, 2)
	assert.Equal(t, [3]int{0, 1, 2}, legs(sandwiches[0]))
	assert.Equal(t, [3]int{3, 4, 5}, legs(sandwiches[1]))
}

func TestDetectSandwiches_Deterministic(t *testing.T) {
	block := blockOf(
		swapTx(0, "attacker", swap(raydiumCPMM, sol, bonk, 7, 7), swap(orcaWhirl, usdc, jup, 7, 7)),
		buy(1, "victim", 9),
		swapTx(2, "attacker", swap(raydiumCPMM, bonk, sol, 7, 7), swap(orcaWhirl, jup, usdc, 7, 7)),
	)

	first := DetectSandwiches(block)
	require.Len(t, first, 1)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, DetectSandwiches(block))
	}
}

func TestSandwichedToken_TieBreaksLexically(t *testing.T) {
	front := swapTx(0, "attacker", swap(raydiumCPMM, sol, bonk, 7, 7))
	back := swapTx(2, "attacker", swap(raydiumCPMM, bonk, sol, 7, 7))

	token, amount, ok := sandwichedToken(&front, &back)
	require.True(t, ok)
	// bonk sorts before sol.
	assert.Equal(t, bonk, token)
	assert.True(t, amount.Equal(decimal.RequireFromString("0.000014")))
}

func legs(s *Sandwich) [3]int {
	return [3]int{s.Front.Index, s.Victim.Index, s.Back.Index}
}
