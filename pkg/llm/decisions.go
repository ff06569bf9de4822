package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/taskmill/taskmill/pkg/decompose"
	"github.com/taskmill/taskmill/pkg/engine"
	"github.com/taskmill/taskmill/pkg/recovery"
	"github.com/taskmill/taskmill/pkg/task"
)

const decisionSystemPrompt = "You are the decision component of a task execution engine. " +
	"Answer with exactly one JSON object and nothing else. No prose, no code fences."

// Decisions implements the engine's decision ports on top of one
// provider. Each decision is a fresh single-turn completion.
type Decisions struct {
	provider Provider
	profile  Profile
	logger   zerolog.Logger
}

// NewDecisions wraps a provider.
func NewDecisions(provider Provider, profile Profile, logger zerolog.Logger) *Decisions {
	return &Decisions{
		provider: provider,
		profile:  profile,
		logger:   logger.With().Str("component", "llm-decisions").Logger(),
	}
}

func (d *Decisions) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := d.provider.Complete(ctx, Request{
		Model:       d.profile.Model,
		System:      decisionSystemPrompt,
		Prompt:      prompt,
		Temperature: d.profile.Temperature,
		MaxTokens:   d.profile.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", d.provider.Name(), err)
	}
	return resp.Text, nil
}

// decodeObject extracts the outermost JSON value from a completion,
// tolerating code fences and surrounding chatter, and decodes it into v.
func decodeObject(text string, v any) error {
	text = strings.TrimSpace(text)
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON value in completion")
	}
	end := strings.LastIndexAny(text, "}]")
	if end < start {
		return fmt.Errorf("unterminated JSON value in completion")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	return nil
}

// PlanTasks implements engine.Planner.
func (d *Decisions) PlanTasks(ctx context.Context, goal string, knownTools []string) ([]engine.TaskSpec, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the ordered tool calls needed to achieve this goal.\n\nGoal: %s\n\nAvailable tools: %s\n\n",
		goal, strings.Join(knownTools, ", "))
	b.WriteString(`Respond with {"tasks": [{"description": "...", "tool_name": "..."}]}. ` +
		"Each task is one tool call. Use only the available tools.")

	text, err := d.complete(ctx, b.String())
	if err != nil {
		return nil, err
	}
	var out struct {
		Tasks []engine.TaskSpec `json:"tasks"`
	}
	if err := decodeObject(text, &out); err != nil {
		return nil, err
	}
	if len(out.Tasks) == 0 {
		return nil, fmt.Errorf("planner returned no tasks")
	}
	return out.Tasks, nil
}

// GenerateParameters implements engine.ParameterGenerator.
func (d *Decisions) GenerateParameters(ctx context.Context, req engine.ParameterRequest) (map[string]any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Produce the arguments for one tool call.\n\nTool: %s\nTask: %s\nOverall goal: %s\n",
		req.ToolName, req.Description, req.Goal)

	if len(req.Prior) > 0 {
		b.WriteString("\nResults of earlier tasks:\n")
		for _, p := range req.Prior {
			data, _ := json.Marshal(p.Result)
			fmt.Fprintf(&b, "- %s: %s\n", p.Description, data)
		}
	}
	if req.Repair {
		fmt.Fprintf(&b, "\nThe previous attempt failed with: %s\n", req.LastError)
		b.WriteString("Argument sets that already failed and must not be repeated:\n")
		for _, tried := range req.Tried {
			data, _ := json.Marshal(tried)
			fmt.Fprintf(&b, "- %s\n", data)
		}
	}
	b.WriteString("\nRespond with the argument object only.")

	text, err := d.complete(ctx, b.String())
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := decodeObject(text, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ValidateGoal implements engine.GoalValidator. The result is judged
// against the task's own description only.
func (d *Decisions) ValidateGoal(ctx context.Context, description string, result any) (bool, string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, "", fmt.Errorf("encode result: %w", err)
	}

	prompt := fmt.Sprintf("Judge whether this tool result satisfies the task.\n\nTask: %s\nResult: %s\n\n"+
		`Respond with {"achieved": true|false, "analysis": "one sentence"}.`, description, data)

	text, err := d.complete(ctx, prompt)
	if err != nil {
		return false, "", err
	}
	var out struct {
		Achieved bool   `json:"achieved"`
		Analysis string `json:"analysis"`
	}
	if err := decodeObject(text, &out); err != nil {
		return false, "", err
	}
	return out.Achieved, out.Analysis, nil
}

// SelectStrategy implements recovery.Selector.
func (d *Decisions) SelectStrategy(ctx context.Context, input recovery.SelectionInput) (recovery.Proposal, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "A task failed; choose the recovery strategy.\n\nTask: %s\nTool: %s\nError (%s): %s\nFailure count: %d\n",
		input.Description, input.ToolName, input.ErrorType, input.ErrorMessage, input.FailCount)

	if len(input.History) > 0 {
		b.WriteString("Strategies already attempted:\n")
		for _, h := range input.History {
			fmt.Fprintf(&b, "- %s: %s\n", h.Strategy, h.Outcome)
		}
	}
	fmt.Fprintf(&b, "\nAvailable tools: %s\n", strings.Join(input.KnownTools, ", "))
	if input.AtMaxDepth {
		b.WriteString("The task is at maximum decomposition depth; TASK_DECOMPOSITION is not available.\n")
	}
	b.WriteString("\nStrategies: PARAMETER_REPAIR (fix the arguments), ALTERNATIVE_TOOL (use a different tool), " +
		"TASK_DECOMPOSITION (split into smaller steps). Never repeat a strategy that just failed.\n" +
		`Respond with {"strategy": "...", "confidence": 0.0-1.0, "reasoning": "one sentence"}.`)

	text, err := d.complete(ctx, b.String())
	if err != nil {
		return recovery.Proposal{}, err
	}
	var out struct {
		Strategy   string  `json:"strategy"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := decodeObject(text, &out); err != nil {
		return recovery.Proposal{}, err
	}

	strategy := task.Strategy(strings.ToUpper(strings.TrimSpace(out.Strategy)))
	switch strategy {
	case task.StrategyParameterRepair, task.StrategyAlternativeTool, task.StrategyDecomposition:
	default:
		return recovery.Proposal{}, fmt.Errorf("unknown strategy %q", out.Strategy)
	}
	return recovery.Proposal{
		Strategy:   strategy,
		Confidence: out.Confidence,
		Reasoning:  out.Reasoning,
	}, nil
}

// PlanDecomposition implements decompose.Planner.
func (d *Decisions) PlanDecomposition(ctx context.Context, description, toolName, goal string) ([]decompose.ChildSpec, error) {
	prompt := fmt.Sprintf("Split this failing task into two or more smaller, independently executable steps.\n\n"+
		"Task: %s\nTool it failed with: %s\nOverall goal: %s\n\n"+
		`Respond with {"subtasks": [{"description": "...", "tool_name": "...", "role": "..."}]}.`,
		description, toolName, goal)

	text, err := d.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var out struct {
		Subtasks []decompose.ChildSpec `json:"subtasks"`
	}
	if err := decodeObject(text, &out); err != nil {
		return nil, err
	}
	if len(out.Subtasks) < 2 {
		return nil, fmt.Errorf("decomposition produced %d subtasks, need at least 2", len(out.Subtasks))
	}
	return out.Subtasks, nil
}

// Synthesize implements decompose.Synthesizer.
func (d *Decisions) Synthesize(ctx context.Context, goal string, results []decompose.ChildResult) (string, error) {
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encode child results: %w", err)
	}

	prompt := fmt.Sprintf("Combine these subtask results into one answer for the parent task.\n\n"+
		"Goal: %s\nSubtask results: %s\n\n"+
		`Respond with {"summary": "..."}.`, goal, data)

	text, err := d.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := decodeObject(text, &out); err != nil {
		return "", err
	}
	if out.Summary == "" {
		return "", fmt.Errorf("synthesis produced an empty summary")
	}
	return out.Summary, nil
}
