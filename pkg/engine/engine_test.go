package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/decompose"
	"github.com/taskmill/taskmill/pkg/recovery"
	"github.com/taskmill/taskmill/pkg/router"
	"github.com/taskmill/taskmill/pkg/task"
	"github.com/taskmill/taskmill/pkg/toolserver"
	"github.com/taskmill/taskmill/pkg/toolserver/toolservertest"
)

type specPlanner struct {
	specs []TaskSpec
}

func (p specPlanner) PlanTasks(context.Context, string, []string) ([]TaskSpec, error) {
	return p.specs, nil
}

type scriptedParams struct {
	initial map[string]any
	repair  map[string]any
}

func (s scriptedParams) GenerateParameters(_ context.Context, req ParameterRequest) (map[string]any, error) {
	if req.Repair {
		out := map[string]any{}
		for k, v := range s.repair {
			out[k] = v
		}
		return out, nil
	}
	out := map[string]any{}
	for k, v := range s.initial {
		out[k] = v
	}
	return out, nil
}

type fixedSelector struct {
	strategy task.Strategy
}

func (s fixedSelector) SelectStrategy(context.Context, recovery.SelectionInput) (recovery.Proposal, error) {
	return recovery.Proposal{Strategy: s.strategy, Confidence: 0.9}, nil
}

type fixedChildren struct {
	specs []decompose.ChildSpec
}

func (p fixedChildren) PlanDecomposition(context.Context, string, string, string) ([]decompose.ChildSpec, error) {
	return p.specs, nil
}

// scriptedServer answers lifecycle methods normally and delegates
// tools/call to fn.
func scriptedServer(tools []toolservertest.Tool, fn toolservertest.Handler) toolservertest.Handler {
	base := toolservertest.ServerHandler(tools...)
	return func(req toolserver.Request) *toolserver.Response {
		if req.Method == toolserver.MethodCallTool {
			return fn(req)
		}
		return base(req)
	}
}

func startRouter(t *testing.T, handlers map[string]toolservertest.Handler) *router.Router {
	t.Helper()
	reg, dir := toolservertest.NewRegistry(toolserver.DefaultRegistryConfig(), handlers)
	for name := range handlers {
		reg.Register(name, "fake", nil, nil)
		require.NoError(t, reg.Start(context.Background(), name))
	}
	t.Cleanup(func() { _ = reg.StopAll() })
	return router.New(reg, dir, nil, router.DefaultConfig(), zerolog.Nop())
}

func newTestEngine(rt *router.Router, cfg Config, planner Planner, params ParameterGenerator,
	sel recovery.Selector, children decompose.Planner) *Engine {

	rec := recovery.NewEngine(sel, recovery.Config{
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	}, zerolog.Nop())
	dec := decompose.New(children, nil, zerolog.Nop())
	e := New(cfg, rt, rec, dec, planner, params, nil, nil, zerolog.Nop())
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestRunCompletesSingleTask(t *testing.T) {
	rt := startRouter(t, map[string]toolservertest.Handler{
		"util": toolservertest.ServerHandler(toolservertest.Tool{Name: "echo"}),
	})
	e := newTestEngine(rt, DefaultConfig(), SingleTaskPlanner{ToolName: "echo"}, nil, nil, nil)

	wf, store, err := e.NewRun(context.Background(), "echo something")
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, task.WorkflowStarted, wf.Status)
	require.Equal(t, 1, store.Len())

	outcome, err := e.Run(context.Background(), wf, store)
	require.NoError(t, err)
	assert.Equal(t, task.WorkflowCompleted, outcome.Status)
	assert.Equal(t, 1, outcome.Completed)
	assert.Zero(t, outcome.Failed)
	assert.Contains(t, wf.ExecutedLog, "echo")

	got, ok := store.Get("1")
	require.True(t, ok)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Execution)
	assert.True(t, got.Execution.GoalAchieved)
	assert.Equal(t, "echo", got.Execution.ResolvedTool)
}

func TestRunRepairsParametersAfterFailure(t *testing.T) {
	var calls atomic.Int32
	rt := startRouter(t, map[string]toolservertest.Handler{
		"util": scriptedServer([]toolservertest.Tool{{Name: "flaky"}},
			func(req toolserver.Request) *toolserver.Response {
				if calls.Add(1) == 1 {
					return toolservertest.Error(req, -32000, "bad argument")
				}
				return toolservertest.Result(req, map[string]any{"ok": true})
			}),
	})

	params := scriptedParams{
		initial: map[string]any{"q": "wrong"},
		repair:  map[string]any{"q": "right"},
	}
	e := newTestEngine(rt, DefaultConfig(), SingleTaskPlanner{ToolName: "flaky"}, params, nil, nil)

	wf, store, err := e.NewRun(context.Background(), "call the flaky tool")
	require.NoError(t, err)
	outcome, err := e.Run(context.Background(), wf, store)
	require.NoError(t, err)

	assert.Equal(t, task.WorkflowCompleted, outcome.Status)
	got, _ := store.Get("1")
	require.NotNil(t, got.Failure)
	assert.Equal(t, 1, got.Failure.FailCount)
	require.Len(t, got.Failure.StrategyHistory, 1)
	assert.Equal(t, task.StrategyParameterRepair, got.Failure.StrategyHistory[0].Strategy)
	assert.Equal(t, task.OutcomeSuccess, got.Failure.StrategyHistory[0].Outcome)
	assert.Equal(t, "right", got.Execution.Arguments["q"])
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunReroutesToAlternativeTool(t *testing.T) {
	rt := startRouter(t, map[string]toolservertest.Handler{
		"broken": scriptedServer([]toolservertest.Tool{{Name: "broken_op"}},
			func(req toolserver.Request) *toolserver.Response {
				return toolservertest.Error(req, -32000, "always broken")
			}),
		"good": toolservertest.ServerHandler(toolservertest.Tool{Name: "working_op"}),
	})

	e := newTestEngine(rt, DefaultConfig(), SingleTaskPlanner{ToolName: "broken_op"}, nil,
		fixedSelector{strategy: task.StrategyAlternativeTool}, nil)

	wf, store, err := e.NewRun(context.Background(), "do the operation")
	require.NoError(t, err)
	outcome, err := e.Run(context.Background(), wf, store)
	require.NoError(t, err)

	assert.Equal(t, task.WorkflowCompleted, outcome.Status)
	got, _ := store.Get("1")
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "working_op", got.ToolName)
	require.Len(t, got.Failure.StrategyHistory, 1)
	assert.Equal(t, task.StrategyAlternativeTool, got.Failure.StrategyHistory[0].Strategy)
	assert.Equal(t, task.OutcomeSuccess, got.Failure.StrategyHistory[0].Outcome)
}

func TestRunDecomposesFailingTask(t *testing.T) {
	rt := startRouter(t, map[string]toolservertest.Handler{
		"main": scriptedServer(
			[]toolservertest.Tool{{Name: "hard_op"}, {Name: "easy_op"}},
			func(req toolserver.Request) *toolserver.Response {
				if name, _ := req.Params["name"].(string); name == "hard_op" {
					return toolservertest.Error(req, -32000, "too hard")
				}
				return toolservertest.Result(req, map[string]any{"ok": true})
			}),
	})

	children := fixedChildren{specs: []decompose.ChildSpec{
		{Description: "first half", ToolName: "easy_op"},
		{Description: "second half", ToolName: "easy_op"},
	}}
	e := newTestEngine(rt, DefaultConfig(), SingleTaskPlanner{ToolName: "hard_op"}, nil,
		fixedSelector{strategy: task.StrategyDecomposition}, children)

	wf, store, err := e.NewRun(context.Background(), "do the hard thing")
	require.NoError(t, err)
	outcome, err := e.Run(context.Background(), wf, store)
	require.NoError(t, err)

	// Parent, two children, collector.
	assert.Equal(t, 4, store.Len())
	assert.Equal(t, task.WorkflowCompleted, outcome.Status)
	assert.Zero(t, outcome.Failed)

	parent, _ := store.Get("1")
	assert.Equal(t, task.StatusCompleted, parent.Status)
	require.NotNil(t, parent.Execution)
	assert.NotEmpty(t, parent.Execution.Analysis)
	assert.True(t, parent.Execution.GoalAchieved)

	for _, id := range []string{"1.1", "1.2", "1.3"} {
		child, ok := store.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, task.StatusCompleted, child.Status, id)
		require.NotNil(t, child.SubAgent, id)
	}
	collector, _ := store.Get("1.3")
	assert.True(t, collector.IsCollector)
}

func TestRunFailsTerminallyAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	rt := startRouter(t, map[string]toolservertest.Handler{
		"util": scriptedServer([]toolservertest.Tool{{Name: "doomed_op"}},
			func(req toolserver.Request) *toolserver.Response {
				calls.Add(1)
				return toolservertest.Error(req, -32000, "permanent failure")
			}),
	})

	planner := specPlanner{specs: []TaskSpec{
		{Description: "doomed step", ToolName: "doomed_op", MaxRetries: 1},
	}}
	params := scriptedParams{
		initial: map[string]any{"attempt": "first"},
		repair:  map[string]any{"attempt": "second"},
	}
	e := newTestEngine(rt, DefaultConfig(), planner, params, nil, nil)

	wf, store, err := e.NewRun(context.Background(), "doomed goal")
	require.NoError(t, err)
	outcome, err := e.Run(context.Background(), wf, store)
	require.NoError(t, err)

	assert.Equal(t, task.WorkflowFailed, outcome.Status)
	assert.Equal(t, 1, outcome.Failed)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "1", outcome.Failures[0].TaskID)
	assert.Equal(t, "doomed_op", outcome.Failures[0].ToolName)
	assert.Contains(t, outcome.Failures[0].Error, "permanent failure")
	assert.Contains(t, outcome.Summary, "doomed_op")
	assert.EqualValues(t, 2, calls.Load())

	got, _ := store.Get("1")
	assert.True(t, got.IsTerminal())
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Failure.FailCount)
}

func TestRunNeverRepeatsIdenticalCall(t *testing.T) {
	var mu sync.Mutex
	var payloads []map[string]any
	rt := startRouter(t, map[string]toolservertest.Handler{
		"util": scriptedServer([]toolservertest.Tool{{Name: "doomed_op"}},
			func(req toolserver.Request) *toolserver.Response {
				mu.Lock()
				args, _ := req.Params["arguments"].(map[string]any)
				payloads = append(payloads, args)
				mu.Unlock()
				return toolservertest.Error(req, -32000, "still broken")
			}),
	})

	// Deterministic fallbacks everywhere: the generator can only ever
	// produce the same empty arguments again.
	e := newTestEngine(rt, DefaultConfig(), SingleTaskPlanner{ToolName: "doomed_op"}, nil, nil, nil)

	wf, store, err := e.NewRun(context.Background(), "doomed goal")
	require.NoError(t, err)
	outcome, err := e.Run(context.Background(), wf, store)
	require.NoError(t, err)

	assert.Equal(t, task.WorkflowFailed, outcome.Status)
	got, _ := store.Get("1")
	assert.True(t, got.IsTerminal())
	assert.Len(t, got.Failure.TriedArguments, 1)

	mu.Lock()
	defer mu.Unlock()
	for i := range payloads {
		for j := i + 1; j < len(payloads); j++ {
			assert.False(t, equalArgs(payloads[i], payloads[j]),
				"calls %d and %d went out with identical arguments", i, j)
		}
	}
	assert.Len(t, payloads, 1, "a doomed tool with nothing new to try is called once")
}

func TestFinalizerBoundsReportedFailures(t *testing.T) {
	rt := startRouter(t, map[string]toolservertest.Handler{
		"util": scriptedServer([]toolservertest.Tool{{Name: "doomed_op"}},
			func(req toolserver.Request) *toolserver.Response {
				return toolservertest.Error(req, -32000, "nope")
			}),
	})

	planner := specPlanner{specs: []TaskSpec{
		{Description: "a", ToolName: "doomed_op", MaxRetries: -1},
		{Description: "b", ToolName: "doomed_op", MaxRetries: -1},
		{Description: "c", ToolName: "doomed_op", MaxRetries: -1},
	}}
	cfg := DefaultConfig()
	cfg.DefaultMaxRetries = 0
	cfg.MaxReportedFailures = 2
	e := newTestEngine(rt, cfg, planner, nil, nil, nil)

	wf, store, err := e.NewRun(context.Background(), "all doomed")
	require.NoError(t, err)
	outcome, err := e.Run(context.Background(), wf, store)
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.Failed)
	assert.Len(t, outcome.Failures, 2)
	assert.Contains(t, outcome.Summary, "and 1 more")
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	rt := startRouter(t, map[string]toolservertest.Handler{
		"util": toolservertest.ServerHandler(toolservertest.Tool{Name: "echo"}),
	})
	e := newTestEngine(rt, DefaultConfig(), SingleTaskPlanner{ToolName: "echo"}, nil, nil, nil)

	wf, store, err := e.NewRun(context.Background(), "never runs")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx, wf, store)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, task.WorkflowRestart, wf.Status)
}

func TestNewRunPlansRootTasks(t *testing.T) {
	rt := startRouter(t, map[string]toolservertest.Handler{
		"util": toolservertest.ServerHandler(toolservertest.Tool{Name: "echo"}),
	})
	planner := specPlanner{specs: []TaskSpec{
		{Description: "step one", ToolName: "echo"},
		{Description: "step two", ToolName: "echo"},
	}}
	e := newTestEngine(rt, DefaultConfig(), planner, nil, nil, nil)

	_, store, err := e.NewRun(context.Background(), "two steps")
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())
	first, _ := store.Get("1")
	second, _ := store.Get("2")
	assert.Equal(t, "step one", first.Description)
	assert.Equal(t, "step two", second.Description)
	assert.Equal(t, DefaultConfig().DefaultMaxRetries, first.MaxRetries)
}
