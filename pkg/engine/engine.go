// Package engine advances tasks through their state machine: resolve
// arguments, route the call, validate the outcome, and on failure hand
// the task to the recovery engine for repair, rerouting or
// decomposition.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskmill/taskmill/pkg/decompose"
	"github.com/taskmill/taskmill/pkg/recovery"
	"github.com/taskmill/taskmill/pkg/router"
	"github.com/taskmill/taskmill/pkg/task"
)

// Config bounds one workflow run.
type Config struct {
	MaxDepth            int
	DefaultMaxRetries   int
	MaxReportedFailures int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:            3,
		DefaultMaxRetries:   2,
		MaxReportedFailures: 5,
	}
}

// Engine executes one task at a time. Execution is strictly
// single-threaded: every task sees the accumulated results of all
// previously completed tasks.
type Engine struct {
	config     Config
	router     *router.Router
	recovery   *recovery.Engine
	decomposer *decompose.Decomposer
	planner    Planner
	params     ParameterGenerator
	validator  GoalValidator
	repo       *task.Repository
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine. planner, params and validator may be nil, in
// which case the deterministic fallbacks are used; repo may be nil to
// run without persistence.
func New(config Config, rt *router.Router, rec *recovery.Engine, dec *decompose.Decomposer,
	planner Planner, params ParameterGenerator, validator GoalValidator,
	repo *task.Repository, logger zerolog.Logger) *Engine {

	if planner == nil {
		planner = SingleTaskPlanner{}
	}
	if params == nil {
		params = EmptyParameterGenerator{}
	}
	if validator == nil {
		validator = AcceptingValidator{}
	}
	return &Engine{
		config:     config,
		router:     rt,
		recovery:   rec,
		decomposer: dec,
		planner:    planner,
		params:     params,
		validator:  validator,
		repo:       repo,
		logger:     logger.With().Str("component", "task-engine").Logger(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewRun plans a fresh workflow from a goal.
func (e *Engine) NewRun(ctx context.Context, goal string) (*task.Workflow, *task.Store, error) {
	specs, err := e.planner.PlanTasks(ctx, goal, e.router.KnownTools())
	if err != nil {
		return nil, nil, fmt.Errorf("plan workflow: %w", err)
	}
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("planner produced no tasks for goal")
	}

	store := task.NewStore(e.config.MaxDepth)
	for _, spec := range specs {
		retries := spec.MaxRetries
		if retries <= 0 {
			retries = e.config.DefaultMaxRetries
		}
		store.AppendRoot(spec.Description, spec.ToolName, retries, "planner")
	}

	wf := &task.Workflow{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    task.WorkflowStarted,
		CreatedAt: e.now(),
	}
	e.persist(wf, store)
	return wf, store, nil
}

// Run drives the workflow to a terminal outcome. Only store
// corruption aborts the run; task failures are recovered or recorded
// and summarized by the finalizer.
func (e *Engine) Run(ctx context.Context, wf *task.Workflow, store *task.Store) (*Outcome, error) {
	if err := store.Validate(); err != nil {
		wf.Status = task.WorkflowFailed
		e.persist(wf, store)
		return nil, err
	}
	wf.Status = task.WorkflowRunning

	for !store.Done() {
		if err := ctx.Err(); err != nil {
			wf.Status = task.WorkflowRestart
			e.persist(wf, store)
			return nil, err
		}

		t, _ := store.Current()
		if t.IsTerminal() {
			store.Advance()
			continue
		}

		switch {
		case t.IsCollector:
			e.runCollector(ctx, wf, store, t)
		case t.Status == task.StatusInProgress:
			// A decomposed parent waiting on children that have all
			// been consumed without completing it means the collector
			// never ran; that is a structural defect.
			store.Advance()
		default:
			if err := e.waitForRetry(ctx, t); err != nil {
				wf.Status = task.WorkflowRestart
				e.persist(wf, store)
				return nil, err
			}
			e.runTask(ctx, wf, store, t)
		}

		if err := store.Validate(); err != nil {
			wf.Status = task.WorkflowFailed
			e.persist(wf, store)
			return nil, err
		}
		e.persist(wf, store)
	}

	outcome := e.Finalize(wf, store)
	e.persist(wf, store)
	return outcome, nil
}

func (e *Engine) waitForRetry(ctx context.Context, t *task.Task) error {
	if t.Failure == nil {
		return nil
	}
	wait := t.Failure.NextAttemptAt.Sub(e.now())
	if wait <= 0 {
		return nil
	}
	e.logger.Debug().Str("task", t.ID).Dur("wait", wait).Msg("Backing off before retry")
	return e.sleep(ctx, wait)
}

func (e *Engine) runTask(ctx context.Context, wf *task.Workflow, store *task.Store, t *task.Task) {
	t.Status = task.StatusInProgress
	if t.SubAgent != nil {
		t.SubAgent.Status = task.StatusInProgress
		t.SubAgent.UpdatedAt = e.now()
	}

	args, err := e.resolveArguments(ctx, wf, store, t)
	if err != nil {
		e.handleFailure(ctx, wf, store, t, "parameter_generation", err.Error(), nil)
		return
	}

	wf.ExecutedLog = append(wf.ExecutedLog, t.ToolName)
	result := e.router.Call(ctx, t.ToolName, args)

	if t.Execution == nil {
		t.Execution = &task.ExecutionContext{}
	}
	t.Execution.ResolvedTool = t.ToolName
	t.Execution.Arguments = args

	if !result.Success {
		e.handleFailure(ctx, wf, store, t, "tool_call", result.Error, args)
		return
	}
	t.Execution.RawResult = result.Data

	achieved, analysis, err := e.validator.ValidateGoal(ctx, t.Description, result.Data)
	if err != nil {
		e.handleFailure(ctx, wf, store, t, "goal_validation", err.Error(), args)
		return
	}
	if analysis != "" {
		t.Execution.Analysis = analysis
	}
	if !achieved {
		msg := analysis
		if msg == "" {
			msg = "result does not satisfy the task description"
		}
		e.handleFailure(ctx, wf, store, t, "goal_validation", msg, args)
		return
	}

	e.complete(store, t)
	store.Advance()
}

func (e *Engine) complete(store *task.Store, t *task.Task) {
	t.Execution.GoalAchieved = true
	t.Status = task.StatusCompleted
	if t.SubAgent != nil {
		t.SubAgent.Status = task.StatusCompleted
		t.SubAgent.UpdatedAt = e.now()
	}
	if last := t.LastStrategy(); last != nil && last.Outcome == task.OutcomePending {
		last.Outcome = task.OutcomeSuccess
	}
	e.logger.Info().Str("task", t.ID).Str("tool", t.ToolName).Msg("Task completed")
}

func (e *Engine) resolveArguments(ctx context.Context, wf *task.Workflow, store *task.Store, t *task.Task) (map[string]any, error) {
	// Repaired arguments take precedence over fresh generation, but a
	// call that already failed is never re-issued byte-identical.
	if t.Execution != nil && t.Execution.Arguments != nil && t.Failure != nil {
		if !e.alreadyTried(t, t.Execution.Arguments) {
			return t.Execution.Arguments, nil
		}
		t.Execution.Arguments = nil
	}

	req := ParameterRequest{
		TaskID:      t.ID,
		Description: t.Description,
		ToolName:    t.ToolName,
		Goal:        wf.Goal,
	}
	for _, prior := range store.CompletedBefore() {
		pr := PriorResult{TaskID: prior.ID, Description: prior.Description}
		if prior.Execution != nil {
			pr.Result = prior.Execution.RawResult
			pr.Analysis = prior.Execution.Analysis
		}
		req.Prior = append(req.Prior, pr)
	}

	args, err := e.params.GenerateParameters(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.alreadyTried(t, args) {
		return nil, fmt.Errorf("arguments already failed for %s", t.ToolName)
	}
	return args, nil
}

func (e *Engine) handleFailure(ctx context.Context, wf *task.Workflow, store *task.Store, t *task.Task, errType, message string, args map[string]any) {
	if args != nil {
		args = taggedArguments(t.ToolName, args)
	}
	t.RecordFailure(errType, message, args, e.now())
	if last := t.LastStrategy(); last != nil && last.Outcome == task.OutcomePending {
		last.Outcome = task.OutcomeFailure
	}

	e.logger.Warn().
		Str("task", t.ID).
		Str("error_type", errType).
		Int("fail_count", t.Failure.FailCount).
		Msg("Task failed")

	if t.Failure.FailCount > t.MaxRetries {
		e.failTerminally(store, t)
		store.Advance()
		return
	}

	atMaxDepth := t.Depth >= store.MaxDepth()
	attempt, err := e.recovery.Decide(ctx, t, e.router.KnownTools(), wf.Goal, atMaxDepth)
	if err != nil {
		e.failTerminally(store, t)
		store.Advance()
		return
	}

	switch attempt.Strategy {
	case task.StrategyParameterRepair:
		e.applyParameterRepair(ctx, wf, store, t)
	case task.StrategyAlternativeTool:
		e.applyAlternativeTool(t)
	case task.StrategyDecomposition:
		e.applyDecomposition(ctx, wf, store, t)
	}
}

func (e *Engine) applyParameterRepair(ctx context.Context, wf *task.Workflow, store *task.Store, t *task.Task) {
	req := ParameterRequest{
		TaskID:      t.ID,
		Description: t.Description,
		ToolName:    t.ToolName,
		Goal:        wf.Goal,
		Repair:      true,
		Tried:       t.Failure.TriedArguments,
		LastError:   t.Failure.ErrorMessage,
	}
	for _, prior := range store.CompletedBefore() {
		pr := PriorResult{TaskID: prior.ID, Description: prior.Description}
		if prior.Execution != nil {
			pr.Result = prior.Execution.RawResult
			pr.Analysis = prior.Execution.Analysis
		}
		req.Prior = append(req.Prior, pr)
	}

	repaired, err := e.params.GenerateParameters(ctx, req)
	if err == nil && e.alreadyTried(t, repaired) {
		err = fmt.Errorf("generator repeated already-failed arguments")
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("task", t.ID).Msg("Parameter repair produced nothing new")
		if last := t.LastStrategy(); last != nil {
			last.Outcome = task.OutcomeFailure
		}
		if t.Execution != nil {
			t.Execution.Arguments = nil
		}
		t.Status = task.StatusPending
		return
	}

	if t.Execution == nil {
		t.Execution = &task.ExecutionContext{}
	}
	t.Execution.Arguments = repaired
	t.Status = task.StatusPending
}

func (e *Engine) applyAlternativeTool(t *task.Task) {
	alternative := e.chooseAlternativeTool(t)
	if alternative == "" {
		e.logger.Warn().Str("task", t.ID).Msg("No alternative tool available")
		if last := t.LastStrategy(); last != nil {
			last.Outcome = task.OutcomeFailure
		}
		if t.Execution != nil {
			t.Execution.Arguments = nil
		}
		t.Status = task.StatusPending
		return
	}

	e.logger.Info().Str("task", t.ID).Str("from", t.ToolName).Str("to", alternative).Msg("Rerouting to alternative tool")
	t.ToolName = alternative
	if t.Execution != nil {
		// New tool, stale arguments.
		t.Execution.Arguments = nil
	}
	t.Status = task.StatusPending
}

// chooseAlternativeTool picks a known tool the task has not already
// run under.
func (e *Engine) chooseAlternativeTool(t *task.Task) string {
	used := map[string]bool{t.ToolName: true}
	for _, args := range t.Failure.TriedArguments {
		if name, ok := args["tool_name"].(string); ok {
			used[name] = true
		}
	}

	known := e.router.KnownTools()
	sort.Strings(known)
	for _, name := range known {
		if !used[name] {
			return name
		}
	}
	return ""
}

func (e *Engine) applyDecomposition(ctx context.Context, wf *task.Workflow, store *task.Store, t *task.Task) {
	if _, err := e.decomposer.Decompose(ctx, store, t, wf.Goal); err != nil {
		e.logger.Warn().Err(err).Str("task", t.ID).Msg("Decomposition failed")
		if last := t.LastStrategy(); last != nil {
			last.Outcome = task.OutcomeFailure
		}
		if t.Execution != nil {
			t.Execution.Arguments = nil
		}
		t.Status = task.StatusPending
		return
	}
	// The parent stays in_progress until its collector completes it;
	// the cursor moves on to the first child.
	store.Advance()
}

func (e *Engine) runCollector(ctx context.Context, wf *task.Workflow, store *task.Store, t *task.Task) {
	t.Status = task.StatusInProgress
	wf.ExecutedLog = append(wf.ExecutedLog, "collector")

	summary, err := e.decomposer.Collect(ctx, store, t, wf.Goal)
	if err != nil {
		// A collector cannot be repaired or decomposed; its failure
		// fails the parent.
		e.logger.Error().Err(err).Str("task", t.ID).Msg("Collector failed")
		t.RecordFailure("collector", err.Error(), nil, e.now())
		t.Failure.FailCount = t.MaxRetries + 1
		e.failTerminally(store, t)
		if parent, ok := store.Get(task.ParentID(t.ID)); ok && !parent.IsTerminal() {
			parent.RecordFailure("decomposition", "collector failed: "+err.Error(), nil, e.now())
			parent.Failure.FailCount = parent.MaxRetries + 1
			e.failTerminally(store, parent)
		}
		store.Advance()
		return
	}

	if t.Execution == nil {
		t.Execution = &task.ExecutionContext{}
	}
	t.Execution.RawResult = summary
	e.complete(store, t)

	// The parent's decomposition attempt resolves when its collector does.
	if parent, ok := store.Get(task.ParentID(t.ID)); ok {
		if last := parent.LastStrategy(); last != nil && last.Outcome == task.OutcomePending {
			last.Outcome = task.OutcomeSuccess
		}
	}
	store.Advance()
}

// failTerminally marks a task failed for good and bubbles a summary to
// its parent, if it has one.
func (e *Engine) failTerminally(store *task.Store, t *task.Task) {
	t.Status = task.StatusFailed
	if t.SubAgent != nil {
		t.SubAgent.Status = task.StatusFailed
		t.SubAgent.UpdatedAt = e.now()
	}

	e.logger.Error().
		Str("task", t.ID).
		Int("fail_count", t.Failure.FailCount).
		Msg("Task failed terminally")

	parentID := task.ParentID(t.ID)
	if parentID == "" {
		return
	}
	if parent, ok := store.Get(parentID); ok && parent.SubAgent != nil {
		parent.SubAgent.Notes += fmt.Sprintf("child %s failed: %s\n", t.ID, t.Failure.ErrorMessage)
		parent.SubAgent.UpdatedAt = e.now()
	}
}

func (e *Engine) persist(wf *task.Workflow, store *task.Store) {
	if e.repo == nil {
		return
	}
	if err := e.repo.Save(wf, store); err != nil {
		e.logger.Error().Err(err).Str("workflow", wf.ID).Msg("Failed to persist workflow")
	}
}

// alreadyTried reports whether this exact call, tool included, has
// failed before.
func (e *Engine) alreadyTried(t *task.Task, args map[string]any) bool {
	if t.Failure == nil {
		return false
	}
	return argumentsAlreadyTried(taggedArguments(t.ToolName, args), t.Failure.TriedArguments)
}

// taggedArguments copies args with the executing tool recorded, so a
// tried set identifies the call that produced it.
func taggedArguments(tool string, args map[string]any) map[string]any {
	tagged := make(map[string]any, len(args)+1)
	for k, v := range args {
		tagged[k] = v
	}
	tagged["tool_name"] = tool
	return tagged
}

func argumentsAlreadyTried(args map[string]any, tried []map[string]any) bool {
	for _, prev := range tried {
		if equalArgs(args, prev) {
			return true
		}
	}
	return false
}

func equalArgs(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprintf("%v", b[k]) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}
