package temporal

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// SlotsPerRun is how many slots one workflow run analyzes before continuing
// as new, keeping event history bounded.
const SlotsPerRun = 500

// BackfillTotals tallies the slots a backfill has processed.
type BackfillTotals struct {
	Analyzed   int             `json:"analyzed"`
	Missing    int             `json:"missing"`
	Failed     int             `json:"failed"`
	Events     int             `json:"events"`
	Unresolved int             `json:"unresolved"`
	ProfitUSD  decimal.Decimal `json:"profit_usd"`
}

// Add folds one activity result into the totals.
func (t *BackfillTotals) Add(r *AnalyzeSlotResult) {
	if r.Missing {
		t.Missing++
		return
	}
	t.Analyzed++
	t.Events += r.Events
	t.Unresolved += r.Unresolved
	t.ProfitUSD = t.ProfitUSD.Add(r.ProfitUSD)
}

// BackfillInput contains the input parameters for BackfillWorkflow.
// Totals carries the tallies of earlier runs across continue-as-new.
type BackfillInput struct {
	Start  uint64         `json:"start"`
	End    uint64         `json:"end"` // inclusive
	Totals BackfillTotals `json:"totals"`
}

// BackfillResult is returned by the final run of a backfill.
type BackfillResult struct {
	End    uint64         `json:"end"`
	Totals BackfillTotals `json:"totals"`
}

// BackfillWorkflow analyzes slots Start..End in ascending order, one
// AnalyzeSlot activity per slot. Failed slots are counted and skipped. After
// SlotsPerRun slots the workflow continues as new with its totals.
func BackfillWorkflow(ctx workflow.Context, input BackfillInput) (*BackfillResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("BackfillWorkflow started", "start", input.Start, "end", input.End)

	if input.Start > input.End {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid slot range %d-%d", input.Start, input.End), "invalid_range", nil)
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeDecode},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	totals := input.Totals
	processed := 0
	for slot := input.Start; ; slot++ {
		if processed == SlotsPerRun {
			logger.Info("continuing backfill as new",
				"next_slot", slot,
				"end", input.End,
				"analyzed", totals.Analyzed,
			)
			return nil, workflow.NewContinueAsNewError(ctx, BackfillWorkflow, BackfillInput{
				Start:  slot,
				End:    input.End,
				Totals: totals,
			})
		}

		var result *AnalyzeSlotResult
		err := workflow.ExecuteActivity(ctx, a.AnalyzeSlot, AnalyzeSlotInput{Slot: slot}).Get(ctx, &result)
		switch {
		case temporalsdk.IsCanceledError(err):
			return nil, err
		case err != nil:
			logger.Warn("slot failed", "slot", slot, "error", err)
			totals.Failed++
		default:
			totals.Add(result)
		}
		processed++

		if slot == input.End {
			break
		}
	}

	logger.Info("BackfillWorkflow completed",
		"end", input.End,
		"analyzed", totals.Analyzed,
		"missing", totals.Missing,
		"failed", totals.Failed,
		"events", totals.Events,
	)

	return &BackfillResult{End: input.End, Totals: totals}, nil
}
