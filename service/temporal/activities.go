package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/report"
	"github.com/brojonat/pono/service/solana"
	"github.com/shopspring/decimal"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// AnalyzeSlotInput contains the input parameters for the AnalyzeSlot activity.
type AnalyzeSlotInput struct {
	Slot uint64 `json:"slot"`
}

// AnalyzeSlotResult contains the outcome of analyzing one slot.
type AnalyzeSlotResult struct {
	Slot       uint64          `json:"slot"`
	Missing    bool            `json:"missing"` // slot was skipped by the leader
	Events     int             `json:"events"`
	Unresolved int             `json:"unresolved"`
	ProfitUSD  decimal.Decimal `json:"profit_usd"`
}

// ErrTypeDecode is the application error type of slots whose block could not
// be decoded. Activities failing with it are not retried.
const ErrTypeDecode = "decode"

// Analyzer fetches and analyzes one slot.
// This allows for easy mocking in tests.
type Analyzer interface {
	AnalyzeSlot(ctx context.Context, slot uint64) (*report.Report, error)
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	analyzer Analyzer
	sink     report.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(analyzer Analyzer, sink report.Sink, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		analyzer: analyzer,
		sink:     sink,
		metrics:  m,
		logger:   logger,
	}
}

// AnalyzeSlot fetches, analyzes and publishes one slot.
//
// A missing slot is a result, not an error. A block that cannot be decoded
// fails with a non-retryable ErrTypeDecode error; any other fetch or publish
// failure is returned as is and retried by Temporal.
func (a *Activities) AnalyzeSlot(ctx context.Context, input AnalyzeSlotInput) (*AnalyzeSlotResult, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("AnalyzeSlot", outcome, time.Since(start).Seconds())
		}
	}()

	r, err := a.analyzer.AnalyzeSlot(ctx, input.Slot)
	if err != nil {
		var fetchErr *solana.FetchError
		if !errors.As(err, &fetchErr) {
			return nil, fmt.Errorf("failed to analyze slot %d: %w", input.Slot, err)
		}

		if pubErr := a.sink.PublishFailure(ctx, report.FailureFrom(fetchErr)); pubErr != nil {
			a.logger.WarnContext(ctx, "failed to publish slot failure",
				"slot", input.Slot,
				"kind", fetchErr.Kind,
				"error", pubErr,
			)
		}

		switch fetchErr.Kind {
		case solana.FetchSlotMissing:
			outcome = "missing"
			a.logger.DebugContext(ctx, "slot missing", "slot", input.Slot)
			return &AnalyzeSlotResult{Slot: input.Slot, Missing: true, ProfitUSD: decimal.Zero}, nil
		case solana.FetchDecode:
			a.logger.ErrorContext(ctx, "failed to decode block", "slot", input.Slot, "error", err)
			return nil, temporalsdk.NewNonRetryableApplicationError(fetchErr.Error(), ErrTypeDecode, fetchErr)
		default:
			a.logger.WarnContext(ctx, "failed to fetch slot", "slot", input.Slot, "error", err)
			return nil, fmt.Errorf("failed to fetch slot %d: %w", input.Slot, err)
		}
	}

	if err := a.sink.Publish(ctx, r); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish report", "slot", input.Slot, "error", err)
		return nil, fmt.Errorf("failed to publish report for slot %d: %w", input.Slot, err)
	}

	outcome = "success"
	a.logger.InfoContext(ctx, "analyzed slot",
		"slot", input.Slot,
		"events", r.Summary.MEV.Total,
		"unresolved", r.Summary.UnresolvedCount,
	)

	return &AnalyzeSlotResult{
		Slot:       input.Slot,
		Events:     r.Summary.MEV.Total,
		Unresolved: r.Summary.UnresolvedCount,
		ProfitUSD:  r.Summary.TotalProfitUSD,
	}, nil
}
