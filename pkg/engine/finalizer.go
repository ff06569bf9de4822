package engine

import (
	"fmt"
	"strings"

	"github.com/taskmill/taskmill/pkg/task"
)

// Outcome is the final report of a workflow run. It is produced even
// when tasks failed terminally; the run only aborts on store
// corruption or cancellation.
type Outcome struct {
	WorkflowID string              `json:"workflow_id"`
	Status     task.WorkflowStatus `json:"status"`
	Summary    string              `json:"summary"`
	Completed  int                 `json:"completed"`
	Failed     int                 `json:"failed"`
	Failures   []FailureReport     `json:"failures,omitempty"`
}

// FailureReport is one terminally failed task, reduced to what a
// reader needs: no stack traces, no raw payloads.
type FailureReport struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	ToolName    string `json:"tool_name"`
	ErrorType   string `json:"error_type"`
	Error       string `json:"error"`
	FailCount   int    `json:"fail_count"`
}

// Finalize walks the exhausted arena and produces the outcome. The
// failure list is bounded by MaxReportedFailures; anything past the
// bound is counted, not listed.
func (e *Engine) Finalize(wf *task.Workflow, store *task.Store) *Outcome {
	out := &Outcome{WorkflowID: wf.ID}

	var analyses []string
	for _, t := range store.Tasks() {
		switch t.Status {
		case task.StatusCompleted:
			out.Completed++
			// Decomposed parents already carry their collector's
			// synthesis; do not repeat the children.
			if t.Execution != nil && t.Execution.Analysis != "" && task.ParentID(t.ID) == "" {
				analyses = append(analyses, t.Execution.Analysis)
			}
		case task.StatusFailed:
			out.Failed++
			if len(out.Failures) < e.config.MaxReportedFailures && t.Failure != nil {
				out.Failures = append(out.Failures, FailureReport{
					TaskID:      t.ID,
					Description: t.Description,
					ToolName:    t.ToolName,
					ErrorType:   t.Failure.ErrorType,
					Error:       t.Failure.ErrorMessage,
					FailCount:   t.Failure.FailCount,
				})
			}
		}
	}

	if out.Failed == 0 {
		wf.Status = task.WorkflowCompleted
	} else {
		wf.Status = task.WorkflowFailed
	}
	out.Status = wf.Status
	wf.UpdatedAt = e.now()

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d tasks completed", out.Completed, store.Len())
	if out.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", out.Failed)
		for _, f := range out.Failures {
			fmt.Fprintf(&b, "\n- task %s (%s): %s", f.TaskID, f.ToolName, f.Error)
		}
		if out.Failed > len(out.Failures) {
			fmt.Fprintf(&b, "\n- and %d more", out.Failed-len(out.Failures))
		}
	}
	if len(analyses) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(analyses, "\n"))
	}
	out.Summary = b.String()

	e.logger.Info().
		Str("workflow", wf.ID).
		Str("status", string(wf.Status)).
		Int("completed", out.Completed).
		Int("failed", out.Failed).
		Msg("Workflow finished")
	return out
}
