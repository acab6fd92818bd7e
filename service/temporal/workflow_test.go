package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

func newBackfillEnv(t *testing.T, analyze func(context.Context, AnalyzeSlotInput) (*AnalyzeSlotResult, error)) *testsuite.TestWorkflowEnvironment {
	t.Helper()

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	// Register activities first (before mocking)
	activities := &Activities{}
	env.RegisterActivity(activities.AnalyzeSlot)
	env.OnActivity(activities.AnalyzeSlot, mock.Anything, mock.Anything).Return(analyze)

	return env
}

func TestBackfillWorkflow(t *testing.T) {
	var visited []uint64
	env := newBackfillEnv(t, func(ctx context.Context, in AnalyzeSlotInput) (*AnalyzeSlotResult, error) {
		visited = append(visited, in.Slot)
		switch in.Slot {
		case 101:
			return &AnalyzeSlotResult{Slot: in.Slot, Missing: true}, nil
		case 103:
			return nil, temporalsdk.NewNonRetryableApplicationError("bad block", ErrTypeDecode, nil)
		default:
			return &AnalyzeSlotResult{
				Slot:       in.Slot,
				Events:     2,
				Unresolved: 1,
				ProfitUSD:  decimal.RequireFromString("1.25"),
			}, nil
		}
	})

	env.ExecuteWorkflow(BackfillWorkflow, BackfillInput{Start: 100, End: 104})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result BackfillResult
	require.NoError(t, env.GetWorkflowResult(&result))

	assert.Equal(t, []uint64{100, 101, 102, 103, 104}, visited)
	assert.Equal(t, uint64(104), result.End)
	assert.Equal(t, 3, result.Totals.Analyzed)
	assert.Equal(t, 1, result.Totals.Missing)
	assert.Equal(t, 1, result.Totals.Failed)
	assert.Equal(t, 6, result.Totals.Events)
	assert.Equal(t, 3, result.Totals.Unresolved)
	assert.True(t, decimal.RequireFromString("3.75").Equal(result.Totals.ProfitUSD), "got %s", result.Totals.ProfitUSD)
}

func TestBackfillWorkflow_CarriesTotals(t *testing.T) {
	env := newBackfillEnv(t, func(ctx context.Context, in AnalyzeSlotInput) (*AnalyzeSlotResult, error) {
		return &AnalyzeSlotResult{Slot: in.Slot, Events: 1, ProfitUSD: decimal.NewFromInt(1)}, nil
	})

	env.ExecuteWorkflow(BackfillWorkflow, BackfillInput{
		Start:  7,
		End:    7,
		Totals: BackfillTotals{Analyzed: 500, Failed: 2, Events: 40, ProfitUSD: decimal.NewFromInt(10)},
	})

	require.NoError(t, env.GetWorkflowError())

	var result BackfillResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 501, result.Totals.Analyzed)
	assert.Equal(t, 2, result.Totals.Failed)
	assert.Equal(t, 41, result.Totals.Events)
	assert.True(t, decimal.NewFromInt(11).Equal(result.Totals.ProfitUSD))
}

func TestBackfillWorkflow_ContinuesAsNew(t *testing.T) {
	calls := 0
	env := newBackfillEnv(t, func(ctx context.Context, in AnalyzeSlotInput) (*AnalyzeSlotResult, error) {
		calls++
		return &AnalyzeSlotResult{Slot: in.Slot}, nil
	})

	env.ExecuteWorkflow(BackfillWorkflow, BackfillInput{Start: 0, End: SlotsPerRun + 10})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)

	var canErr *workflow.ContinueAsNewError
	assert.True(t, errors.As(err, &canErr), "expected continue-as-new, got %v", err)
	assert.Equal(t, SlotsPerRun, calls)
}

func TestBackfillWorkflow_ExactlyOneRun(t *testing.T) {
	calls := 0
	env := newBackfillEnv(t, func(ctx context.Context, in AnalyzeSlotInput) (*AnalyzeSlotResult, error) {
		calls++
		return &AnalyzeSlotResult{Slot: in.Slot}, nil
	})

	env.ExecuteWorkflow(BackfillWorkflow, BackfillInput{Start: 1, End: SlotsPerRun})

	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, SlotsPerRun, calls)
}

func TestBackfillWorkflow_InvalidRange(t *testing.T) {
	calls := 0
	env := newBackfillEnv(t, func(ctx context.Context, in AnalyzeSlotInput) (*AnalyzeSlotResult, error) {
		calls++
		return &AnalyzeSlotResult{Slot: in.Slot}, nil
	})

	env.ExecuteWorkflow(BackfillWorkflow, BackfillInput{Start: 10, End: 9})

	assert.Error(t, env.GetWorkflowError())
	assert.Zero(t, calls)
}

func TestBackfillTotals_Add(t *testing.T) {
	var totals BackfillTotals
	totals.Add(&AnalyzeSlotResult{Missing: true})
	totals.Add(&AnalyzeSlotResult{Events: 3, Unresolved: 1, ProfitUSD: decimal.RequireFromString("0.5")})

	assert.Equal(t, 1, totals.Missing)
	assert.Equal(t, 1, totals.Analyzed)
	assert.Equal(t, 3, totals.Events)
	assert.Equal(t, 1, totals.Unresolved)
	assert.True(t, decimal.RequireFromString("0.5").Equal(totals.ProfitUSD))
}
