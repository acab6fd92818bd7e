package pricing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bonkMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

// fakeSource implements PriceSource for testing.
type fakeSource struct {
	mu     sync.Mutex
	prices map[string]string
	errs   map[string]error
	calls  map[string]int
}

func (f *fakeSource) GetPrice(ctx context.Context, mint string, unixTS int64) (Quote, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[mint]++
	if err := f.errs[mint]; err != nil {
		return Quote{}, false, err
	}
	price, ok := f.prices[mint]
	if !ok {
		return Quote{}, false, nil
	}
	return Quote{Mint: mint, USD: decimal.RequireFromString(price), Timestamp: unixTS}, true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func delta(mint string, raw int64, decimals uint8) solana.BalanceDelta {
	return solana.BalanceDelta{Mint: mint, Raw: decimal.NewFromInt(raw), Decimals: decimals}
}

func assertDecimal(t *testing.T, want string, got *decimal.Decimal) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, decimal.RequireFromString(want).Equal(*got), "want %s, got %s", want, got)
}

func TestResolve_Resolved(t *testing.T) {
	source := &fakeSource{prices: map[string]string{
		solana.NativeMint: "200",
		solana.USDCMint:   "1",
	}}
	calc := NewCalculator(source, testLogger())

	deltas := map[string]solana.BalanceDelta{
		solana.USDCMint:   delta(solana.USDCMint, 150_000_000, 6),
		solana.NativeMint: delta(solana.NativeMint, -500_000_000, 9),
		bonkMint:          delta(bonkMint, -1_000, 5), // spent; needs no price
	}

	profit := calc.Resolve(context.Background(), deltas, 5_000, 1_700_000_000)

	require.True(t, profit.Resolved())
	assert.Empty(t, profit.UnresolvedMints)
	assertDecimal(t, "150", profit.RevenueUSD)
	assertDecimal(t, "0.001", profit.FeeUSD)
	assertDecimal(t, "149.999", profit.NetProfitUSD)
	assert.Zero(t, source.calls[bonkMint])
}

func TestResolve_SumsEveryPositiveDelta(t *testing.T) {
	source := &fakeSource{prices: map[string]string{
		solana.NativeMint: "100",
		solana.USDCMint:   "1",
		bonkMint:          "0.00002",
	}}
	calc := NewCalculator(source, testLogger())

	deltas := map[string]solana.BalanceDelta{
		solana.USDCMint: delta(solana.USDCMint, 2_500_000, 6), // 2.5 USDC
		bonkMint:        delta(bonkMint, 10_000_000_000, 5),   // 100000 BONK
	}

	profit := calc.Resolve(context.Background(), deltas, 10_000, 1_700_000_000)

	assertDecimal(t, "4.5", profit.RevenueUSD)
	assertDecimal(t, "0.001", profit.FeeUSD)
	assertDecimal(t, "4.499", profit.NetProfitUSD)
}

func TestResolve_FeeOnlyWhenNothingGained(t *testing.T) {
	source := &fakeSource{prices: map[string]string{solana.NativeMint: "150"}}
	calc := NewCalculator(source, testLogger())

	profit := calc.Resolve(context.Background(), nil, 1_000_000, 1_700_000_000)

	assertDecimal(t, "0", profit.RevenueUSD)
	assertDecimal(t, "0.15", profit.FeeUSD)
	assertDecimal(t, "-0.15", profit.NetProfitUSD)
}

func TestResolve_Unresolved(t *testing.T) {
	tests := []struct {
		name    string
		source  *fakeSource
		missing []string
	}{
		{
			name:    "gained token has no price",
			source:  &fakeSource{prices: map[string]string{solana.NativeMint: "200"}},
			missing: []string{solana.USDCMint},
		},
		{
			name: "sol price lookup fails",
			source: &fakeSource{
				prices: map[string]string{solana.USDCMint: "1"},
				errs:   map[string]error{solana.NativeMint: errors.New("timeout")},
			},
			missing: []string{solana.NativeMint},
		},
		{
			name:    "nothing priced",
			source:  &fakeSource{},
			missing: []string{solana.USDCMint, solana.NativeMint},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := NewCalculator(tt.source, testLogger())
			deltas := map[string]solana.BalanceDelta{
				solana.USDCMint: delta(solana.USDCMint, 1_000_000, 6),
			}

			profit := calc.Resolve(context.Background(), deltas, 5_000, 1_700_000_000)

			assert.False(t, profit.Resolved())
			assert.Nil(t, profit.RevenueUSD)
			assert.Nil(t, profit.FeeUSD)
			assert.Nil(t, profit.NetProfitUSD)
			assert.ElementsMatch(t, tt.missing, profit.UnresolvedMints)
		})
	}
}
