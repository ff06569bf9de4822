package recovery

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/task"
)

func testEngine(selector Selector) *Engine {
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	return NewEngine(selector, Config{BackoffBase: time.Second, BackoffCap: 8 * time.Second}, logger)
}

// fixedSelector always proposes the same strategy.
type fixedSelector struct {
	strategy task.Strategy
}

func (f fixedSelector) SelectStrategy(context.Context, SelectionInput) (Proposal, error) {
	return Proposal{Strategy: f.strategy, Confidence: 0.9, Reasoning: "fixed"}, nil
}

func failedTask(failCount int) *task.Task {
	return &task.Task{
		ID:         "1",
		ToolName:   "read_file",
		Status:     task.StatusFailed,
		MaxRetries: 5,
		Failure: &task.FailureContext{
			ErrorType:    "transport",
			ErrorMessage: "pipe broke",
			FailCount:    failCount,
		},
	}
}

func TestDecide_AppendsHistoryAndSchedulesRetry(t *testing.T) {
	e := testEngine(nil)
	tk := failedTask(1)

	before := time.Now()
	attempt, err := e.Decide(context.Background(), tk, nil, "goal", false)
	require.NoError(t, err)

	assert.Equal(t, task.StrategyParameterRepair, attempt.Strategy)
	assert.Equal(t, task.OutcomePending, attempt.Outcome)
	require.Len(t, tk.Failure.StrategyHistory, 1)
	assert.True(t, tk.Failure.NextAttemptAt.After(before))
}

func TestDecide_NeverRepeatsFailedStrategy(t *testing.T) {
	e := testEngine(fixedSelector{strategy: task.StrategyParameterRepair})
	tk := failedTask(1)

	_, err := e.Decide(context.Background(), tk, nil, "goal", false)
	require.NoError(t, err)

	// The first attempt failed; the selector insists on repair again.
	tk.Failure.StrategyHistory[0].Outcome = task.OutcomeFailure
	tk.Failure.FailCount++

	attempt, err := e.Decide(context.Background(), tk, nil, "goal", false)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyAlternativeTool, attempt.Strategy)
}

func TestDecide_RepeatAllowedAfterSuccess(t *testing.T) {
	e := testEngine(fixedSelector{strategy: task.StrategyParameterRepair})
	tk := failedTask(1)

	_, err := e.Decide(context.Background(), tk, nil, "goal", false)
	require.NoError(t, err)
	tk.Failure.StrategyHistory[0].Outcome = task.OutcomeSuccess
	tk.Failure.FailCount++

	attempt, err := e.Decide(context.Background(), tk, nil, "goal", false)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyParameterRepair, attempt.Strategy)
}

func TestDecide_NoDecompositionAtMaxDepth(t *testing.T) {
	e := testEngine(fixedSelector{strategy: task.StrategyDecomposition})
	tk := failedTask(1)

	attempt, err := e.Decide(context.Background(), tk, nil, "goal", true)
	require.NoError(t, err)
	assert.NotEqual(t, task.StrategyDecomposition, attempt.Strategy)
}

func TestDecide_EscalationAcrossThreeFailures(t *testing.T) {
	e := testEngine(nil)
	tk := failedTask(0)

	var seen []task.Strategy
	for i := 0; i < 3; i++ {
		tk.Failure.FailCount++
		attempt, err := e.Decide(context.Background(), tk, nil, "goal", false)
		require.NoError(t, err)
		seen = append(seen, attempt.Strategy)
		tk.Failure.StrategyHistory[len(tk.Failure.StrategyHistory)-1].Outcome = task.OutcomeFailure
	}

	assert.Equal(t, []task.Strategy{
		task.StrategyParameterRepair,
		task.StrategyAlternativeTool,
		task.StrategyDecomposition,
	}, seen)

	// Strategy non-repetition across the recorded history.
	history := tk.Failure.StrategyHistory
	for i := 1; i < len(history); i++ {
		if history[i-1].Outcome != task.OutcomeSuccess {
			assert.NotEqual(t, history[i-1].Strategy, history[i].Strategy)
		}
	}
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	e := testEngine(nil)

	var prev time.Duration
	for fails := 1; fails <= 6; fails++ {
		d := e.Backoff(fails)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 8*time.Second)
		prev = d
	}
	assert.Equal(t, 8*time.Second, e.Backoff(10))
}

func TestDecide_SelectorErrorFallsBackToLadder(t *testing.T) {
	e := testEngine(erroringSelector{})
	tk := failedTask(2)

	attempt, err := e.Decide(context.Background(), tk, nil, "goal", false)
	require.NoError(t, err)
	assert.Equal(t, task.StrategyAlternativeTool, attempt.Strategy)
}

type erroringSelector struct{}

func (erroringSelector) SelectStrategy(context.Context, SelectionInput) (Proposal, error) {
	return Proposal{}, assert.AnError
}
