package engine

import (
	"context"
)

// The decision ports. The engine treats plan, argument and validation
// decisions as pure request/response calls so LLM-backed and
// deterministic implementations are interchangeable.

// TaskSpec describes one root task the planner wants executed.
type TaskSpec struct {
	Description string `json:"description"`
	ToolName    string `json:"tool_name"`
	MaxRetries  int    `json:"max_retries,omitempty"`
}

// Planner turns the workflow goal into an ordered list of root tasks.
type Planner interface {
	PlanTasks(ctx context.Context, goal string, knownTools []string) ([]TaskSpec, error)
}

// PriorResult is one completed task's outcome, offered as context for
// parameter generation.
type PriorResult struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Result      any    `json:"result,omitempty"`
	Analysis    string `json:"analysis,omitempty"`
}

// ParameterRequest carries everything a generator may consider.
type ParameterRequest struct {
	TaskID      string
	Description string
	ToolName    string
	Goal        string
	Prior       []PriorResult
	// Repair is set when regenerating after a failure; Tried then
	// holds every argument set that already failed and must not be
	// produced again.
	Repair    bool
	Tried     []map[string]any
	LastError string
}

// ParameterGenerator produces tool arguments for a task.
type ParameterGenerator interface {
	GenerateParameters(ctx context.Context, req ParameterRequest) (map[string]any, error)
}

// GoalValidator judges a raw tool result against the task's own
// description - never against the overall workflow goal.
type GoalValidator interface {
	ValidateGoal(ctx context.Context, description string, result any) (achieved bool, analysis string, err error)
}

// EmptyParameterGenerator returns no arguments; tools relying entirely
// on schema defaults still work. The deterministic fallback.
type EmptyParameterGenerator struct{}

// GenerateParameters implements ParameterGenerator.
func (EmptyParameterGenerator) GenerateParameters(_ context.Context, _ ParameterRequest) (map[string]any, error) {
	return map[string]any{}, nil
}

// AcceptingValidator treats every successful call as goal-achieving.
// The deterministic fallback.
type AcceptingValidator struct{}

// ValidateGoal implements GoalValidator.
func (AcceptingValidator) ValidateGoal(_ context.Context, _ string, _ any) (bool, string, error) {
	return true, "", nil
}

// SingleTaskPlanner plans one root task running the given tool with
// the goal as its description. The deterministic fallback.
type SingleTaskPlanner struct {
	ToolName string
}

// PlanTasks implements Planner.
func (p SingleTaskPlanner) PlanTasks(_ context.Context, goal string, knownTools []string) ([]TaskSpec, error) {
	toolName := p.ToolName
	if toolName == "" && len(knownTools) > 0 {
		toolName = knownTools[0]
	}
	return []TaskSpec{{Description: goal, ToolName: toolName}}, nil
}
