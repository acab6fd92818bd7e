package mev

import (
	"testing"

	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	raydiumCPMM = "CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C"
	orcaWhirl   = "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"

	sol  = "So11111111111111111111111111111111111111112"
	usdc = solana.USDCMint
	usdt = solana.USDTMint
	bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	jup  = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
)

func swap(program, in, out string, inAmount, outAmount uint64) solana.Swap {
	return solana.Swap{
		Program:        program,
		Pool:           "pool-" + in[:4] + "-" + out[:4],
		InputMint:      in,
		InputAmount:    inAmount,
		InputDecimals:  6,
		OutputMint:     out,
		OutputAmount:   outAmount,
		OutputDecimals: 6,
	}
}

func deltas(pairs ...interface{}) map[string]solana.BalanceDelta {
	out := make(map[string]solana.BalanceDelta)
	for i := 0; i+1 < len(pairs); i += 2 {
		mint := pairs[i].(string)
		raw := pairs[i+1].(int)
		out[mint] = solana.BalanceDelta{Mint: mint, Raw: decimal.NewFromInt(int64(raw)), Decimals: 6}
	}
	return out
}

func swapTx(index int, signer string, swaps ...solana.Swap) solana.Transaction {
	tx := solana.Transaction{
		Signature:    signer + "-sig-" + string(rune('a'+index)),
		Index:        index,
		Signer:       signer,
		Success:      true,
		ComputeUnits: 100_000,
		Fee:          5_000,
		Deltas:       map[string]solana.BalanceDelta{},
	}
	for i := range swaps {
		s := swaps[i]
		tx.Instructions = append(tx.Instructions, solana.Instruction{
			ProgramID: s.Program,
			Depth:     1,
			Kind:      solana.KindSwap,
			Swap:      &s,
		})
	}
	return tx
}

func transferTx(index int, signer, mint string, amount uint64) solana.Transaction {
	tx := swapTx(index, signer)
	tx.Instructions = []solana.Instruction{{
		ProgramID: "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
		Depth:     1,
		Kind:      solana.KindTransfer,
		Transfer:  &solana.Transfer{Mint: mint, Amount: amount, Decimals: 6, From: signer, To: "someone"},
	}}
	return tx
}

func opaqueTx(index int, signer string) solana.Transaction {
	tx := swapTx(index, signer)
	tx.Instructions = []solana.Instruction{{ProgramID: "Vote111111111111111111111111111111111111111", Depth: 1, Kind: solana.KindOpaque}}
	return tx
}

func blockOf(txs ...solana.Transaction) *solana.Block {
	return &solana.Block{Slot: 381165825, Timestamp: 1_700_000_000, Transactions: txs}
}

func TestDetectArbitrage(t *testing.T) {
	route := []solana.Swap{
		swap(raydiumCPMM, usdc, sol, 100_000_000, 500_000),
		swap(orcaWhirl, sol, usdc, 500_000, 100_400_000),
	}

	tests := []struct {
		name string
		tx   solana.Transaction
		want bool
	}{
		{
			name: "two swaps with gain",
			tx:   withDeltas(swapTx(0, "arber", route...), deltas(usdc, 400_000)),
			want: true,
		},
		{
			name: "single swap",
			tx:   withDeltas(swapTx(0, "arber", route[0]), deltas(sol, 500_000)),
		},
		{
			name: "two swaps without net change",
			tx:   swapTx(0, "arber", route...),
		},
		{
			name: "two swaps at a loss",
			tx:   withDeltas(swapTx(0, "arber", route...), deltas(usdc, -10_000)),
		},
		{
			name: "failed transaction",
			tx:   failed(withDeltas(swapTx(0, "arber", route...), deltas(usdc, 400_000))),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arbs := DetectArbitrage(blockOf(tt.tx))
			if !tt.want {
				assert.Empty(t, arbs)
				return
			}
			require.Len(t, arbs, 1)
			arb := arbs[0]
			assert.Equal(t, KindArbitrage, arb.Kind)
			assert.Equal(t, tt.tx.Signature, arb.Tx.Signature)
			assert.Equal(t, ArbitrageTriangle, arb.Type)
			assert.Equal(t, route, arb.Swaps)
			assert.Equal(t, []string{raydiumCPMM, orcaWhirl}, arb.Programs)
			assert.Equal(t, uint64(100_000), arb.ComputeUnits)
			assert.Equal(t, uint64(5_000), arb.FeeLamports)
			assert.Equal(t, tt.tx.Deltas, arb.Deltas)
		})
	}
}

func TestDetectArbitrage_EachTransactionIndependent(t *testing.T) {
	route := []solana.Swap{
		swap(raydiumCPMM, sol, bonk, 1_000, 2_000),
		swap(orcaWhirl, bonk, sol, 2_000, 1_010),
	}
	block := blockOf(
		withDeltas(swapTx(0, "arber-1", route...), deltas(sol, 10)),
		opaqueTx(1, "voter"),
		withDeltas(swapTx(2, "arber-1", route...), deltas(sol, 10)),
	)

	arbs := DetectArbitrage(block)
	require.Len(t, arbs, 2)
	assert.Equal(t, 0, arbs[0].Tx.Index)
	assert.Equal(t, 2, arbs[1].Tx.Index)
}

func TestClassifyArbitrage(t *testing.T) {
	const p = raydiumCPMM
	tests := []struct {
		name  string
		swaps []solana.Swap
		want  ArbitrageType
	}{
		{
			name:  "single swap",
			swaps: []solana.Swap{swap(p, sol, usdc, 1, 1)},
			want:  ArbitrageLongTail,
		},
		{
			name:  "two swap round trip",
			swaps: []solana.Swap{swap(p, usdc, sol, 1, 1), swap(p, sol, usdc, 1, 1)},
			want:  ArbitrageTriangle,
		},
		{
			name:  "two swaps between stablecoins",
			swaps: []solana.Swap{swap(p, usdc, sol, 1, 1), swap(p, sol, usdt, 1, 1)},
			want:  ArbitrageStablecoin,
		},
		{
			name:  "two swaps back to start without a continuous path",
			swaps: []solana.Swap{swap(p, sol, bonk, 1, 1), swap(p, jup, sol, 1, 1)},
			want:  ArbitrageCrossPair,
		},
		{
			name:  "two swaps ending elsewhere",
			swaps: []solana.Swap{swap(p, sol, bonk, 1, 1), swap(p, bonk, jup, 1, 1)},
			want:  ArbitrageLongTail,
		},
		{
			name:  "three swap stablecoin loop",
			swaps: []solana.Swap{swap(p, usdc, sol, 1, 1), swap(p, sol, bonk, 1, 1), swap(p, bonk, usdc, 1, 1)},
			want:  ArbitrageStablecoin,
		},
		{
			name:  "three swap triangle",
			swaps: []solana.Swap{swap(p, sol, bonk, 1, 1), swap(p, bonk, jup, 1, 1), swap(p, jup, sol, 1, 1)},
			want:  ArbitrageTriangle,
		},
		{
			name:  "three swaps back to start with a break",
			swaps: []solana.Swap{swap(p, sol, bonk, 1, 1), swap(p, usdc, jup, 1, 1), swap(p, jup, sol, 1, 1)},
			want:  ArbitrageCrossPair,
		},
		{
			name:  "three swaps open path",
			swaps: []solana.Swap{swap(p, sol, bonk, 1, 1), swap(p, bonk, jup, 1, 1), swap(p, jup, usdc, 1, 1)},
			want:  ArbitrageLongTail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyArbitrage(tt.swaps))
		})
	}
}

func withDeltas(tx solana.Transaction, d map[string]solana.BalanceDelta) solana.Transaction {
	tx.Deltas = d
	return tx
}

func failed(tx solana.Transaction) solana.Transaction {
	tx.Success = false
	return tx
}
