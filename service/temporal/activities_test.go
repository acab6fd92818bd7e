package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/pono/service/aggregate"
	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/mev"
	natspkg "github.com/brojonat/pono/service/nats"
	"github.com/brojonat/pono/service/pricing"
	"github.com/brojonat/pono/service/report"
	"github.com/brojonat/pono/service/solana"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// MockAnalyzer implements Analyzer for testing.
type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) AnalyzeSlot(ctx context.Context, slot uint64) (*report.Report, error) {
	args := m.Called(ctx, slot)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*report.Report), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReport(slot uint64) *report.Report {
	profit := decimal.RequireFromString("4.5")
	block := &solana.Block{Slot: slot, Blockhash: "hash", Timestamp: 1_700_000_000}
	events := []mev.Event{
		&mev.Arbitrage{
			Kind:       mev.KindArbitrage,
			Tx:         mev.TxRef{Signature: "arb-sig"},
			Accounting: mev.Accounting{Profit: pricing.Profit{NetProfitUSD: &profit}},
		},
		&mev.Sandwich{
			Kind:  mev.KindSandwich,
			Front: mev.TxRef{Signature: "front-sig"},
		},
	}
	return report.New(block, events, aggregate.Summarize(block, events))
}

func fetchErr(slot uint64, kind solana.FetchErrorKind) *solana.FetchError {
	return &solana.FetchError{Slot: slot, Kind: kind, Attempts: 1, Err: errors.New("upstream")}
}

func TestAnalyzeSlot_Success(t *testing.T) {
	analyzer := new(MockAnalyzer)
	sink := natspkg.NewMockPublisher()
	registry := prometheus.NewRegistry()
	acts := NewActivities(analyzer, sink, metrics.NewMetrics(registry), testLogger())

	analyzer.On("AnalyzeSlot", mock.Anything, uint64(42)).Return(testReport(42), nil)

	result, err := acts.AnalyzeSlot(context.Background(), AnalyzeSlotInput{Slot: 42})
	require.NoError(t, err)

	assert.Equal(t, uint64(42), result.Slot)
	assert.False(t, result.Missing)
	assert.Equal(t, 2, result.Events)
	assert.Equal(t, 1, result.Unresolved)
	assert.True(t, decimal.RequireFromString("4.5").Equal(result.ProfitUSD))

	// Two events and the slot summary.
	assert.Equal(t, 3, sink.GetPublishedCount())
	assert.Len(t, sink.GetPublishedForSubject(natspkg.SlotSubject(42)), 1)

	count, err := testutil.GatherAndCount(registry, "backfill_activity_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	analyzer.AssertExpectations(t)
}

func TestAnalyzeSlot_FetchFailures(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantMissing  bool
		wantErr      bool
		nonRetryable bool
	}{
		{
			name:        "slot missing is a result",
			err:         fetchErr(7, solana.FetchSlotMissing),
			wantMissing: true,
		},
		{
			name:         "decode is not retryable",
			err:          fetchErr(7, solana.FetchDecode),
			wantErr:      true,
			nonRetryable: true,
		},
		{
			name:    "exhausted is retryable",
			err:     fetchErr(7, solana.FetchExhausted),
			wantErr: true,
		},
		{
			name:    "unclassified error is retryable",
			err:     context.DeadlineExceeded,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer := new(MockAnalyzer)
			sink := natspkg.NewMockPublisher()
			acts := NewActivities(analyzer, sink, nil, testLogger())

			analyzer.On("AnalyzeSlot", mock.Anything, uint64(7)).Return(nil, tt.err)

			result, err := acts.AnalyzeSlot(context.Background(), AnalyzeSlotInput{Slot: 7})
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.wantMissing, result.Missing)
			} else {
				require.Error(t, err)
				assert.Nil(t, result)

				var appErr *temporalsdk.ApplicationError
				if tt.nonRetryable {
					require.True(t, errors.As(err, &appErr))
					assert.True(t, appErr.NonRetryable())
					assert.Equal(t, ErrTypeDecode, appErr.Type())
				} else {
					assert.False(t, errors.As(err, &appErr))
				}
			}

			// Classified fetch failures are published; anything else is not.
			var fe *solana.FetchError
			if errors.As(tt.err, &fe) {
				assert.Len(t, sink.GetPublishedForSubject(natspkg.FailureSubject), 1)
			} else {
				assert.Zero(t, sink.GetPublishedCount())
			}
		})
	}
}

func TestAnalyzeSlot_PublishError(t *testing.T) {
	analyzer := new(MockAnalyzer)
	sink := natspkg.NewMockPublisher()
	boom := errors.New("nats unavailable")
	sink.SetPublishError(boom)
	acts := NewActivities(analyzer, sink, nil, testLogger())

	analyzer.On("AnalyzeSlot", mock.Anything, uint64(9)).Return(testReport(9), nil)

	_, err := acts.AnalyzeSlot(context.Background(), AnalyzeSlotInput{Slot: 9})
	assert.ErrorIs(t, err, boom)
}

func TestAnalyzeSlot_FailurePublishErrorDoesNotMaskResult(t *testing.T) {
	analyzer := new(MockAnalyzer)
	sink := natspkg.NewMockPublisher()
	sink.SetFailureError(errors.New("nats unavailable"))
	acts := NewActivities(analyzer, sink, nil, testLogger())

	analyzer.On("AnalyzeSlot", mock.Anything, uint64(8)).Return(nil, fetchErr(8, solana.FetchSlotMissing))

	result, err := acts.AnalyzeSlot(context.Background(), AnalyzeSlotInput{Slot: 8})
	require.NoError(t, err)
	assert.True(t, result.Missing)
}
