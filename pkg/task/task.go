package task

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Strategy is one of the recovery actions that can be taken after a
// task failure.
type Strategy string

const (
	StrategyParameterRepair Strategy = "PARAMETER_REPAIR"
	StrategyAlternativeTool Strategy = "ALTERNATIVE_TOOL"
	StrategyDecomposition   Strategy = "TASK_DECOMPOSITION"
)

// StrategyOutcome records how one recovery attempt ended.
type StrategyOutcome string

const (
	OutcomePending StrategyOutcome = "pending"
	OutcomeSuccess StrategyOutcome = "success"
	OutcomeFailure StrategyOutcome = "failure"
)

// StrategyAttempt is one entry in a task's strategy history.
type StrategyAttempt struct {
	Strategy   Strategy        `json:"strategy"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Outcome    StrategyOutcome `json:"outcome"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// RequiredContext is present from creation: where the task came from.
type RequiredContext struct {
	CreatedBy        string         `json:"created_by"`
	TriggeringTaskID string         `json:"triggering_task_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Snapshot         map[string]any `json:"snapshot,omitempty"`
}

// ExecutionContext exists only once a first execution attempt has been
// made.
type ExecutionContext struct {
	ResolvedTool string         `json:"resolved_tool"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawResult    any            `json:"raw_result,omitempty"`
	Analysis     string         `json:"analysis,omitempty"`
	GoalAchieved bool           `json:"goal_achieved"`
}

// FailureContext exists only after at least one failure. FailCount is
// only ever incremented across the task's lifetime.
type FailureContext struct {
	ErrorMessage    string            `json:"error_message"`
	ErrorType       string            `json:"error_type"`
	FailCount       int               `json:"fail_count"`
	LastFailureAt   time.Time         `json:"last_failure_at"`
	NextAttemptAt   time.Time         `json:"next_attempt_at"`
	TriedArguments  []map[string]any  `json:"tried_arguments,omitempty"`
	StrategyHistory []StrategyAttempt `json:"strategy_history,omitempty"`
}

// SubAgentContext exists only on tasks produced by decomposition.
type SubAgentContext struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Status     Status    `json:"status"`
	ChildIDs   []string  `json:"child_ids,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Notes      string    `json:"notes,omitempty"`
	Aggregated any       `json:"aggregated,omitempty"`
}

// Task is one unit of work in a workflow. Root tasks carry sequential
// integer identifiers; children carry "parent.index", so ancestry is
// readable straight off the id.
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	ToolName    string            `json:"tool_name"`
	Status      Status            `json:"status"`
	Depth       int               `json:"depth"`
	MaxRetries  int               `json:"max_retries"`
	Required    RequiredContext   `json:"required_context"`
	Execution   *ExecutionContext `json:"execution_context,omitempty"`
	Failure     *FailureContext   `json:"failure_context,omitempty"`
	SubAgent    *SubAgentContext  `json:"sub_agent_context,omitempty"`

	// IsCollector marks the trailing synthesis task appended by
	// decomposition.
	IsCollector bool `json:"is_collector,omitempty"`
}

// IsTerminal reports whether the task may never change again:
// completed, or failed with retries exhausted.
func (t *Task) IsTerminal() bool {
	if t.Status == StatusCompleted {
		return true
	}
	return t.Status == StatusFailed && t.Failure != nil && t.Failure.FailCount > t.MaxRetries
}

// FailCount returns the recorded failure count, zero before any failure.
func (t *Task) FailCount() int {
	if t.Failure == nil {
		return 0
	}
	return t.Failure.FailCount
}

// LastStrategy returns the most recent strategy attempt, or nil.
func (t *Task) LastStrategy() *StrategyAttempt {
	if t.Failure == nil || len(t.Failure.StrategyHistory) == 0 {
		return nil
	}
	return &t.Failure.StrategyHistory[len(t.Failure.StrategyHistory)-1]
}

// RecordFailure increments the failure context in place, creating it
// on the first failure.
func (t *Task) RecordFailure(errType, message string, args map[string]any, now time.Time) {
	if t.Failure == nil {
		t.Failure = &FailureContext{}
	}
	t.Failure.ErrorType = errType
	t.Failure.ErrorMessage = message
	t.Failure.FailCount++
	t.Failure.LastFailureAt = now
	if args != nil {
		t.Failure.TriedArguments = append(t.Failure.TriedArguments, args)
	}
}

// WorkflowStatus is the overall state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStarted   WorkflowStatus = "started"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowRestart   WorkflowStatus = "restart"
)

// Workflow is an ordered task sequence with a cursor, the original
// goal, and an append-only log of executed node names.
type Workflow struct {
	ID          string         `json:"id"`
	Goal        string         `json:"goal"`
	Status      WorkflowStatus `json:"status"`
	ExecutedLog []string       `json:"executed_log"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
