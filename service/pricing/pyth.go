package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
)

// DefaultBenchmarksURL is the public Pyth Benchmarks API.
const DefaultBenchmarksURL = "https://benchmarks.pyth.network"

// benchmarksWindow is how far either side of the requested timestamp bars are fetched.
const benchmarksWindow = 5 * 60

// BenchmarksSymbols maps mints to their Pyth Benchmarks symbols.
var BenchmarksSymbols = map[string]string{
	solana.NativeMint: "Crypto.SOL/USD",
	solana.USDCMint:   "Crypto.USDC/USD",
	solana.USDTMint:   "Crypto.USDT/USD",

	"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": "Crypto.BONK/USD",
	"jtojtomepa8beP8AuQc6eXt5FriJwfFMwQx2v2f9mCL":  "Crypto.JTO/USD",
	"HZ1JovNiVvGrGNiiYvEozEVgZ58xaU3RKwX8eACQBCt3": "Crypto.PYTH/USD",
	"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN":  "Crypto.JUP/USD",
	"EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm": "Crypto.WIF/USD",
}

// historyResponse is the TradingView shim history payload.
type historyResponse struct {
	Status string            `json:"s"`
	Times  []int64           `json:"t"`
	Closes []decimal.Decimal `json:"c"`
	Error  string            `json:"errmsg,omitempty"`
}

// PythSource reads historical prices from the Pyth Benchmarks API.
type PythSource struct {
	baseURL    string
	httpClient *http.Client
	symbols    map[string]string
	logger     *slog.Logger
}

// NewPythSource creates a Benchmarks client. An empty baseURL uses
// DefaultBenchmarksURL. If metrics is nil, no metrics will be recorded.
func NewPythSource(baseURL string, m *metrics.Metrics, logger *slog.Logger) *PythSource {
	if baseURL == "" {
		baseURL = DefaultBenchmarksURL
	}
	return &PythSource{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: metrics.InstrumentTransport(m, "pyth_benchmarks", nil),
		},
		symbols: BenchmarksSymbols,
		logger:  logger,
	}
}

// GetPrice implements PriceSource. It returns the close of the one minute bar
// nearest to unixTS. Mints without a Benchmarks symbol and windows without
// data are reported as absent.
func (p *PythSource) GetPrice(ctx context.Context, mint string, unixTS int64) (Quote, bool, error) {
	symbol, ok := p.symbols[mint]
	if !ok {
		p.logger.DebugContext(ctx, "no benchmarks symbol for mint", "mint", mint)
		return Quote{}, false, nil
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("resolution", "1")
	q.Set("from", strconv.FormatInt(unixTS-benchmarksWindow, 10))
	q.Set("to", strconv.FormatInt(unixTS+benchmarksWindow, 10))
	u := p.baseURL + "/v1/shims/tradingview/history?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Quote{}, false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, false, fmt.Errorf("benchmarks returned status %d for %s: %s", resp.StatusCode, symbol, body)
	}

	var history historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return Quote{}, false, fmt.Errorf("failed to decode benchmarks response: %w", err)
	}

	quote, ok := nearestClose(history, unixTS)
	if !ok {
		p.logger.WarnContext(ctx, "no price data in window",
			"mint", mint,
			"symbol", symbol,
			"timestamp", unixTS,
			"status", history.Status,
		)
		return Quote{}, false, nil
	}
	quote.Mint = mint
	return quote, true, nil
}

// nearestClose picks the bar closest to ts; earlier bars win ties.
func nearestClose(h historyResponse, ts int64) (Quote, bool) {
	if h.Status != "ok" || len(h.Closes) == 0 || len(h.Times) != len(h.Closes) {
		return Quote{}, false
	}
	best := 0
	for i := 1; i < len(h.Times); i++ {
		if absDiff(h.Times[i], ts) < absDiff(h.Times[best], ts) {
			best = i
		}
	}
	return Quote{USD: h.Closes[best], Timestamp: h.Times[best]}, true
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
