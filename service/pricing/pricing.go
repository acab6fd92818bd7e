package pricing

import (
	"context"
	"log/slog"
	"sort"

	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Quote is a USD price for a mint at a point in time.
type Quote struct {
	Mint      string          `json:"mint"`
	USD       decimal.Decimal `json:"usd"`
	Timestamp int64           `json:"timestamp"` // unix seconds of the bar the price came from
}

// PriceSource looks up historical USD prices.
// The bool result is false when the source has no price for the mint at that
// time; that is an absence, not a zero price.
type PriceSource interface {
	GetPrice(ctx context.Context, mint string, unixTS int64) (Quote, bool, error)
}

// Profit is the USD valuation of an event.
// When any required price is missing all three amounts are nil and
// UnresolvedMints lists what could not be priced.
type Profit struct {
	RevenueUSD      *decimal.Decimal `json:"revenue_usd"`
	FeeUSD          *decimal.Decimal `json:"fee_usd"`
	NetProfitUSD    *decimal.Decimal `json:"net_profit_usd"`
	UnresolvedMints []string         `json:"unresolved_mints,omitempty"`
}

// Resolved reports whether the profit was fully priced.
func (p Profit) Resolved() bool {
	return p.NetProfitUSD != nil
}

// maxParallelLookups bounds concurrent price lookups for one event.
const maxParallelLookups = 4

// Calculator values balance deltas in USD.
type Calculator struct {
	source PriceSource
	logger *slog.Logger
}

// NewCalculator creates a calculator backed by source.
func NewCalculator(source PriceSource, logger *slog.Logger) *Calculator {
	return &Calculator{
		source: source,
		logger: logger,
	}
}

// Resolve prices every positive delta plus the fee at timestamp.
// Revenue is the sum of positive deltas in USD, the fee is feeLamports
// converted at the SOL price, and net is revenue minus fee. A lookup that
// errors or finds nothing for any required mint makes the result Unresolved.
func (c *Calculator) Resolve(ctx context.Context, deltas map[string]solana.BalanceDelta, feeLamports uint64, timestamp int64) Profit {
	required := requiredMints(deltas)

	prices := make([]decimal.Decimal, len(required))
	found := make([]bool, len(required))

	var g errgroup.Group
	g.SetLimit(maxParallelLookups)
	for i, mint := range required {
		g.Go(func() error {
			quote, ok, err := c.source.GetPrice(ctx, mint, timestamp)
			if err != nil {
				c.logger.WarnContext(ctx, "price lookup failed",
					"mint", mint,
					"timestamp", timestamp,
					"error", err,
				)
				return nil
			}
			prices[i], found[i] = quote.USD, ok
			return nil
		})
	}
	_ = g.Wait()

	var missing []string
	priceOf := make(map[string]decimal.Decimal, len(required))
	for i, mint := range required {
		if !found[i] {
			missing = append(missing, mint)
			continue
		}
		priceOf[mint] = prices[i]
	}
	if len(missing) > 0 {
		return Profit{UnresolvedMints: missing}
	}

	revenue := decimal.Zero
	for mint, d := range deltas {
		if d.Raw.IsPositive() {
			revenue = revenue.Add(d.UI().Mul(priceOf[mint]))
		}
	}
	fee := solana.UIAmount(feeLamports, solana.NativeDecimals).Mul(priceOf[solana.NativeMint])
	net := revenue.Sub(fee)

	return Profit{
		RevenueUSD:   &revenue,
		FeeUSD:       &fee,
		NetProfitUSD: &net,
	}
}

// requiredMints returns every mint with a positive delta plus SOL, sorted.
func requiredMints(deltas map[string]solana.BalanceDelta) []string {
	set := map[string]struct{}{solana.NativeMint: {}}
	for mint, d := range deltas {
		if d.Raw.IsPositive() {
			set[mint] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for mint := range set {
		out = append(out, mint)
	}
	sort.Strings(out)
	return out
}
