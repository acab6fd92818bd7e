package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/brojonat/pono/service/aggregate"
	"github.com/brojonat/pono/service/mev"
	"github.com/brojonat/pono/service/pricing"
	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReport() *Report {
	net := decimal.RequireFromString("12.345")
	block := &solana.Block{
		Slot:         381165825,
		ParentSlot:   381165824,
		Blockhash:    "5Zr7bVPMqn1k5YQxdYyJL6xLwbVNQwF9kyGvDZxPzFLm",
		Timestamp:    1_700_000_000,
		Counts:       solana.Counts{Total: 3, Successful: 3, NonVote: 2},
		ComputeUnits: 500_000,
		Transactions: make([]solana.Transaction, 3),
	}
	events := []mev.Event{
		&mev.Arbitrage{
			Kind: mev.KindArbitrage,
			Tx:   mev.TxRef{Signature: "arb-sig", Index: 1, Signer: "arber"},
			Type: mev.ArbitrageTriangle,
			Accounting: mev.Accounting{
				ComputeUnits: 150_000,
				Profit:       pricing.Profit{RevenueUSD: &net, FeeUSD: &net, NetProfitUSD: &net},
			},
		},
		&mev.Sandwich{
			Kind:     mev.KindSandwich,
			Front:    mev.TxRef{Signature: "front-sig", Index: 0},
			Attacker: "attacker",
			Accounting: mev.Accounting{
				ComputeUnits: 200_000,
				Profit:       pricing.Profit{UnresolvedMints: []string{"mint-x"}},
			},
		},
	}
	return New(block, events, aggregate.Summarize(block, events))
}

func TestNew_DropsTransactions(t *testing.T) {
	r := testReport()

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "transactions\":[")
	assert.Equal(t, uint64(381165825), r.Block.Slot)
	assert.Equal(t, uint64(381165824), r.Block.ParentSlot)

	empty := New(&solana.Block{Slot: 1}, nil, aggregate.SlotSummary{Slot: 1})
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"events":[]`)
}

func TestWriterSink_LineMode(t *testing.T) {
	var out bytes.Buffer
	sink := NewWriterSink(&out, &bytes.Buffer{}, ModeLine, nil)

	require.NoError(t, sink.Publish(context.Background(), testReport()))
	assert.Equal(t,
		"Slot 381165825: 2 MEV txs (1 arb, 1 sandwich) | $12.35 profit | 1 unresolved | 350000 CU\n",
		out.String(),
	)
}

func TestWriterSink_DetailMode(t *testing.T) {
	var out bytes.Buffer
	sink := NewWriterSink(&out, &bytes.Buffer{}, ModeDetail, nil)

	require.NoError(t, sink.Publish(context.Background(), testReport()))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	events := decoded["events"].([]interface{})
	require.Len(t, events, 2)
	assert.Equal(t, "arbitrage", events[0].(map[string]interface{})["kind"])
	assert.Equal(t, "triangle", events[0].(map[string]interface{})["arbitrage_type"])
	assert.Equal(t, "sandwich", events[1].(map[string]interface{})["kind"])

	profit := events[1].(map[string]interface{})["profit"].(map[string]interface{})
	assert.Nil(t, profit["net_profit_usd"], "unresolved profit is null, not zero")
	assert.Equal(t, []interface{}{"mint-x"}, profit["unresolved_mints"])
}

func TestWriterSink_SummaryMode(t *testing.T) {
	var out bytes.Buffer
	sink := NewWriterSink(&out, &bytes.Buffer{}, ModeSummary, nil)

	require.NoError(t, sink.Publish(context.Background(), testReport()))

	var summary aggregate.SlotSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, uint64(381165825), summary.Slot)
	assert.Equal(t, 2, summary.MEV.Total)
	assert.Equal(t, 1, summary.UnresolvedCount)
	assert.True(t, decimal.RequireFromString("12.345").Equal(summary.TotalProfitUSD))
}

func TestWriterSink_JQFilter(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		filter string
		want   string
	}{
		{
			name:   "select event signatures",
			mode:   ModeDetail,
			filter: `.events[] | select(.kind == "arbitrage") | .tx.signature`,
			want:   "\"arb-sig\"\n",
		},
		{
			name:   "summary field",
			mode:   ModeSummary,
			filter: `.mev.total`,
			want:   "2\n",
		},
		{
			name:   "no output when nothing matches",
			mode:   ModeDetail,
			filter: `.events[] | select(.kind == "liquidation")`,
			want:   "",
		},
		{
			name:   "ignored in line mode",
			mode:   ModeLine,
			filter: `.slot`,
			want:   "Slot 381165825: 2 MEV txs (1 arb, 1 sandwich) | $12.35 profit | 1 unresolved | 350000 CU\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := CompileFilter(tt.filter)
			require.NoError(t, err)

			var out bytes.Buffer
			sink := NewWriterSink(&out, &bytes.Buffer{}, tt.mode, code)
			require.NoError(t, sink.Publish(context.Background(), testReport()))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestWriterSink_JQRuntimeError(t *testing.T) {
	code, err := CompileFilter(`.block.slot | error("boom")`)
	require.NoError(t, err)

	sink := NewWriterSink(&bytes.Buffer{}, &bytes.Buffer{}, ModeDetail, code)
	err = sink.Publish(context.Background(), testReport())
	assert.ErrorContains(t, err, "jq filter failed")
}

func TestCompileFilter_Invalid(t *testing.T) {
	_, err := CompileFilter(`.events[`)
	assert.Error(t, err)
}

func TestWriterSink_PublishFailure(t *testing.T) {
	var out, errOut bytes.Buffer
	sink := NewWriterSink(&out, &errOut, ModeLine, nil)

	fetchErr := &solana.FetchError{Slot: 42, Kind: solana.FetchExhausted, Attempts: 4, Err: solana.ErrTransient}
	require.NoError(t, sink.PublishFailure(context.Background(), FailureFrom(fetchErr)))

	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Slot 42: exhausted:")
}

func TestParseMode(t *testing.T) {
	for _, m := range []string{"detail", "summary", "line"} {
		got, err := ParseMode(m)
		require.NoError(t, err)
		assert.Equal(t, Mode(m), got)
	}
	_, err := ParseMode("yaml")
	assert.Error(t, err)
}

// recordingSink implements Sink for testing.
type recordingSink struct {
	reports  []*Report
	failures []Failure
	err      error
}

func (s *recordingSink) Publish(ctx context.Context, r *Report) error {
	s.reports = append(s.reports, r)
	return s.err
}

func (s *recordingSink) PublishFailure(ctx context.Context, f Failure) error {
	s.failures = append(s.failures, f)
	return s.err
}

func TestMultiSink(t *testing.T) {
	errA := errors.New("nats down")
	errB := errors.New("db down")
	a := &recordingSink{err: errA}
	b := &recordingSink{}
	c := &recordingSink{err: errB}
	sink := MultiSink{a, b, c}

	err := sink.Publish(context.Background(), testReport())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	for _, s := range []*recordingSink{a, b, c} {
		assert.Len(t, s.reports, 1, "every sink is tried")
	}

	require.Error(t, sink.PublishFailure(context.Background(), Failure{Slot: 1, Kind: "decode"}))
	assert.Len(t, b.failures, 1)

	assert.NoError(t, MultiSink{b}.Publish(context.Background(), testReport()))
}
