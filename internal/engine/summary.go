package engine

import (
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Summary reports the outcome of a run.
type Summary struct {
	WorkflowID core.WorkflowID    `json:"workflow_id"`
	State      core.WorkflowState `json:"state"`
	Total      int                `json:"total"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	Skipped    int                `json:"skipped"`
	Replaced   int                `json:"replaced"`
	Pending    int                `json:"pending"`
	// Attempts counts dispatches across all tasks.
	Attempts        int                 `json:"attempts"`
	AverageDuration time.Duration       `json:"average_duration"`
	WallTime        time.Duration       `json:"wall_time"`
	Partial         bool                `json:"partial"`
	Decision        *core.DecisionPoint `json:"decision,omitempty"`
}

// Summarize computes the summary of wf as it stands.
func Summarize(wf *core.Workflow) Summary {
	s := Summary{
		WorkflowID: wf.ID,
		State:      wf.State,
		Total:      len(wf.Tasks),
		Partial:    wf.Partial,
		Decision:   wf.Decision,
	}
	var total time.Duration
	var timed int
	for _, t := range wf.Tasks {
		s.Attempts += t.TotalAttempts
		switch {
		case t.State == core.TaskSucceeded:
			s.Succeeded++
		case t.State == core.TaskSkipped:
			s.Skipped++
		case t.ReplacedBy != "":
			s.Replaced++
		case t.State == core.TaskFailed && t.Final:
			s.Failed++
		default:
			s.Pending++
		}
		if t.StartedAt != nil && t.CompletedAt != nil {
			total += t.CompletedAt.Sub(*t.StartedAt)
			timed++
		}
	}
	if timed > 0 {
		s.AverageDuration = total / time.Duration(timed)
	}
	if wf.StartedAt != nil {
		end := time.Now()
		if wf.CompletedAt != nil {
			end = *wf.CompletedAt
		}
		s.WallTime = end.Sub(*wf.StartedAt)
	}
	return s
}
