// Package decompose expands one task into ordered child tasks plus a
// trailing collector task that folds the children's results back into
// the parent.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/taskmill/taskmill/pkg/task"
)

// ChildSpec describes one child task a planner wants created.
type ChildSpec struct {
	Description string `json:"description"`
	ToolName    string `json:"tool_name"`
	Role        string `json:"role,omitempty"`
}

// Planner decides how to split a task into children.
type Planner interface {
	PlanDecomposition(ctx context.Context, description, toolName, goal string) ([]ChildSpec, error)
}

// Synthesizer folds sibling results into the single value the parent
// receives.
type Synthesizer interface {
	Synthesize(ctx context.Context, goal string, results []ChildResult) (string, error)
}

// ChildResult is one finished sibling as seen by the collector.
type ChildResult struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Succeeded   bool   `json:"succeeded"`
	Result      any    `json:"result,omitempty"`
	Analysis    string `json:"analysis,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Decomposer creates and inserts child tasks.
type Decomposer struct {
	planner     Planner
	synthesizer Synthesizer
	logger      zerolog.Logger
}

// New creates a decomposer. nil planner/synthesizer fall back to the
// deterministic implementations.
func New(planner Planner, synthesizer Synthesizer, logger zerolog.Logger) *Decomposer {
	if planner == nil {
		planner = SplitPlanner{}
	}
	if synthesizer == nil {
		synthesizer = JoinSynthesizer{}
	}
	return &Decomposer{
		planner:     planner,
		synthesizer: synthesizer,
		logger:      logger.With().Str("component", "decomposer").Logger(),
	}
}

// Decompose expands parent into children plus a collector and inserts
// them into the store immediately after the parent. The parent stays
// in the arena, marked in_progress until the collector completes it.
func (d *Decomposer) Decompose(ctx context.Context, store *task.Store, parent *task.Task, goal string) ([]*task.Task, error) {
	if parent.Depth+1 > store.MaxDepth() {
		return nil, fmt.Errorf("task %s: %w", parent.ID, task.ErrDepthExceeded)
	}

	specs, err := d.planner.PlanDecomposition(ctx, parent.Description, parent.ToolName, goal)
	if err != nil {
		return nil, fmt.Errorf("plan decomposition of %s: %w", parent.ID, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("decomposition of %s produced no children", parent.ID)
	}

	now := time.Now()
	children := make([]*task.Task, 0, len(specs)+1)
	for i, spec := range specs {
		children = append(children, d.newChild(parent, i+1, spec.Description, spec.ToolName, spec.Role, false, now))
	}

	collector := d.newChild(parent, len(specs)+1,
		"Fold results of "+parent.ID+"'s subtasks into one answer",
		"", "collector", true, now)
	children = append(children, collector)

	if err := store.InsertChildren(parent.ID, children); err != nil {
		return nil, err
	}

	if parent.SubAgent != nil {
		for _, c := range children {
			parent.SubAgent.ChildIDs = append(parent.SubAgent.ChildIDs, c.ID)
		}
		parent.SubAgent.UpdatedAt = now
	}
	parent.Status = task.StatusInProgress

	d.logger.Info().
		Str("task", parent.ID).
		Int("children", len(specs)).
		Msg("Task decomposed")
	return children, nil
}

func (d *Decomposer) newChild(parent *task.Task, index int, description, toolName, role string, collector bool, now time.Time) *task.Task {
	id, err := gonanoid.New()
	if err != nil {
		id = parent.ID + "-sub-" + strconv.Itoa(index)
	}
	if role == "" {
		role = "worker"
	}
	return &task.Task{
		ID:          parent.ID + "." + strconv.Itoa(index),
		Description: description,
		ToolName:    toolName,
		Status:      task.StatusPending,
		Depth:       parent.Depth + 1,
		MaxRetries:  parent.MaxRetries,
		IsCollector: collector,
		Required: task.RequiredContext{
			CreatedBy:        "decomposer",
			TriggeringTaskID: parent.ID,
			CreatedAt:        now,
		},
		SubAgent: &task.SubAgentContext{
			ID:        id,
			Role:      role,
			Status:    task.StatusPending,
			ParentID:  parent.ID,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// Collect runs the collector: it gathers every sibling's outcome,
// synthesizes one value, stores it on the collector and writes it back
// into the parent, completing the parent.
func (d *Decomposer) Collect(ctx context.Context, store *task.Store, collector *task.Task, goal string) (string, error) {
	parentID := task.ParentID(collector.ID)
	parent, ok := store.Get(parentID)
	if !ok {
		return "", fmt.Errorf("collector %s: parent %s: %w", collector.ID, parentID, task.ErrStoreCorrupt)
	}

	var results []ChildResult
	for _, t := range store.Tasks() {
		if t.ID == collector.ID || task.ParentID(t.ID) != parentID {
			continue
		}
		r := ChildResult{
			TaskID:      t.ID,
			Description: t.Description,
			Succeeded:   t.Status == task.StatusCompleted,
		}
		if t.Execution != nil {
			r.Result = t.Execution.RawResult
			r.Analysis = t.Execution.Analysis
		}
		if t.Failure != nil {
			r.Error = t.Failure.ErrorMessage
		}
		results = append(results, r)
	}

	summary, err := d.synthesizer.Synthesize(ctx, goal, results)
	if err != nil {
		return "", fmt.Errorf("synthesize results for %s: %w", parentID, err)
	}

	if collector.SubAgent != nil {
		collector.SubAgent.Aggregated = summary
		collector.SubAgent.Status = task.StatusCompleted
		collector.SubAgent.UpdatedAt = time.Now()
	}

	// Only the collector writes the parent; sibling results reach the
	// parent through this one value.
	if parent.Execution == nil {
		parent.Execution = &task.ExecutionContext{ResolvedTool: parent.ToolName}
	}
	parent.Execution.Analysis = summary
	parent.Execution.GoalAchieved = true
	parent.Status = task.StatusCompleted

	return summary, nil
}

// SplitPlanner is the deterministic fallback planner: it splits the
// parent's description on semicolons into same-tool children. A
// description with nothing to split cannot be decomposed.
type SplitPlanner struct{}

// PlanDecomposition implements Planner.
func (SplitPlanner) PlanDecomposition(_ context.Context, description, toolName, _ string) ([]ChildSpec, error) {
	parts := strings.Split(description, ";")
	var specs []ChildSpec
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		specs = append(specs, ChildSpec{Description: p, ToolName: toolName})
	}
	if len(specs) < 2 {
		return nil, fmt.Errorf("description has no separable parts")
	}
	return specs, nil
}

// JoinSynthesizer is the deterministic fallback synthesizer: a JSON
// digest of every child outcome.
type JoinSynthesizer struct{}

// Synthesize implements Synthesizer.
func (JoinSynthesizer) Synthesize(_ context.Context, _ string, results []ChildResult) (string, error) {
	data, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
