// Package recovery chooses what to do with a failed task: repair its
// arguments, reroute it to another tool, or decompose it into
// children. A selector proposes; the engine enforces legality, so a
// bad proposal can slow recovery down but never make it thrash.
package recovery

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmill/taskmill/pkg/task"
)

// escalation is the fixed strategy ladder. Forcing the next rung after
// a failed strategy is what guarantees the engine never repeats a
// just-failed choice.
var escalation = []task.Strategy{
	task.StrategyParameterRepair,
	task.StrategyAlternativeTool,
	task.StrategyDecomposition,
}

// Proposal is a selector's suggested recovery action.
type Proposal struct {
	Strategy   task.Strategy `json:"strategy"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning,omitempty"`
}

// SelectionInput is everything a selector may consider.
type SelectionInput struct {
	TaskID       string
	Description  string
	ToolName     string
	ErrorType    string
	ErrorMessage string
	FailCount    int
	History      []task.StrategyAttempt
	KnownTools   []string
	Goal         string
	AtMaxDepth   bool
}

// Selector proposes a recovery strategy. Implementations may be
// LLM-backed; the engine treats them as untrusted and re-checks
// legality.
type Selector interface {
	SelectStrategy(ctx context.Context, input SelectionInput) (Proposal, error)
}

// Config tunes the retry backoff.
type Config struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultConfig returns the backoff defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase: 2 * time.Second,
		BackoffCap:  2 * time.Minute,
	}
}

// Engine records recovery decisions on tasks.
type Engine struct {
	selector Selector
	config   Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates an engine around a selector. A nil selector falls
// back to the deterministic ladder.
func NewEngine(selector Selector, config Config, logger zerolog.Logger) *Engine {
	if selector == nil {
		selector = LadderSelector{}
	}
	return &Engine{
		selector: selector,
		config:   config,
		logger:   logger.With().Str("component", "recovery-engine").Logger(),
		now:      time.Now,
	}
}

// Backoff returns the wait before attempt failCount may retry. It
// grows monotonically and is capped.
func (e *Engine) Backoff(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	d := e.config.BackoffBase
	for i := 1; i < failCount; i++ {
		d *= 2
		if d >= e.config.BackoffCap {
			return e.config.BackoffCap
		}
	}
	if d > e.config.BackoffCap {
		return e.config.BackoffCap
	}
	return d
}

// Decide picks the recovery strategy for a just-failed task, appends
// it to the task's strategy history and schedules the next attempt.
// The task must already carry a failure context.
func (e *Engine) Decide(ctx context.Context, t *task.Task, knownTools []string, goal string, atMaxDepth bool) (task.StrategyAttempt, error) {
	input := SelectionInput{
		TaskID:       t.ID,
		Description:  t.Description,
		ToolName:     t.ToolName,
		ErrorType:    t.Failure.ErrorType,
		ErrorMessage: t.Failure.ErrorMessage,
		FailCount:    t.Failure.FailCount,
		History:      t.Failure.StrategyHistory,
		KnownTools:   knownTools,
		Goal:         goal,
		AtMaxDepth:   atMaxDepth,
	}

	proposal, err := e.selector.SelectStrategy(ctx, input)
	if err != nil {
		e.logger.Warn().Err(err).Str("task", t.ID).Msg("Selector failed, using escalation ladder")
		proposal, _ = LadderSelector{}.SelectStrategy(ctx, input)
	}

	chosen := e.legalize(proposal.Strategy, t.LastStrategy(), atMaxDepth)
	if chosen != proposal.Strategy {
		e.logger.Debug().
			Str("task", t.ID).
			Str("proposed", string(proposal.Strategy)).
			Str("chosen", string(chosen)).
			Msg("Overrode illegal strategy proposal")
		proposal.Reasoning = "escalated from " + string(proposal.Strategy) + ": " + proposal.Reasoning
	}

	attempt := task.StrategyAttempt{
		Strategy:   chosen,
		Confidence: proposal.Confidence,
		Reasoning:  proposal.Reasoning,
		Outcome:    task.OutcomePending,
		DecidedAt:  e.now(),
	}
	t.Failure.StrategyHistory = append(t.Failure.StrategyHistory, attempt)
	t.Failure.NextAttemptAt = e.now().Add(e.Backoff(t.Failure.FailCount))

	return attempt, nil
}

// legalize enforces the hard constraints: never repeat the most recent
// non-success strategy, and never decompose at MAX_DEPTH.
func (e *Engine) legalize(proposed task.Strategy, last *task.StrategyAttempt, atMaxDepth bool) task.Strategy {
	forbidden := func(s task.Strategy) bool {
		if atMaxDepth && s == task.StrategyDecomposition {
			return true
		}
		return last != nil && last.Strategy == s && last.Outcome != task.OutcomeSuccess
	}

	if !forbidden(proposed) {
		return proposed
	}

	// Walk the ladder starting just past the proposed rung.
	start := 0
	for i, s := range escalation {
		if s == proposed {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(escalation); i++ {
		candidate := escalation[(start+i)%len(escalation)]
		if !forbidden(candidate) {
			return candidate
		}
	}

	// Everything is forbidden: fall back to the proposal and let the
	// retry budget terminate the task.
	return proposed
}

// LadderSelector is the deterministic fallback: first failure repairs
// parameters, the second switches tools, the third decomposes.
type LadderSelector struct{}

// SelectStrategy implements Selector.
func (LadderSelector) SelectStrategy(_ context.Context, input SelectionInput) (Proposal, error) {
	idx := input.FailCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(escalation) {
		idx = len(escalation) - 1
	}
	if input.AtMaxDepth && escalation[idx] == task.StrategyDecomposition {
		idx = 1
	}
	return Proposal{
		Strategy:   escalation[idx],
		Confidence: 0.5,
		Reasoning:  "escalation ladder position for failure " + strconv.Itoa(input.FailCount),
	}, nil
}
