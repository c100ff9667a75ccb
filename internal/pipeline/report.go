package pipeline

import (
	"time"

	"kiln/internal/checkpoint"
	"kiln/internal/history"
	"kiln/internal/services"
)

// Report summarizes one coordinator run.
type Report struct {
	Workflow        string                 `json:"workflow"`
	RunKey          string                 `json:"run_key"`
	Mode            Mode                   `json:"mode"`
	Total           int                    `json:"total"`
	Completed       int                    `json:"completed"`
	Failed          int                    `json:"failed"`
	QualityRejected int                    `json:"quality_rejected"`
	Pending         int                    `json:"pending"`
	Elapsed         time.Duration          `json:"elapsed"`
	Units           []checkpoint.TaskState `json:"units"`
	RunError        string                 `json:"run_error,omitempty"`
}

// tally fills the counters from Units. Failed units whose last failure was a
// quality rejection count as QualityRejected instead of Failed; every
// non-terminal unit counts as Pending.
func (r *Report) tally() {
	r.Total = len(r.Units)
	r.Completed, r.Failed, r.QualityRejected, r.Pending = 0, 0, 0, 0
	for _, u := range r.Units {
		switch {
		case u.Status == checkpoint.StatusCompleted:
			r.Completed++
		case u.Status == checkpoint.StatusFailed && u.FailureKind == services.KindQualityRejected:
			r.QualityRejected++
		case u.Status == checkpoint.StatusFailed:
			r.Failed++
		default:
			r.Pending++
		}
	}
}

// HistoryRun converts the report into a history row.
func (r Report) HistoryRun(started time.Time) history.Run {
	return history.Run{
		RunKey:          r.RunKey,
		Workflow:        r.Workflow,
		Mode:            string(r.Mode),
		StartedAt:       started,
		FinishedAt:      started.Add(r.Elapsed),
		Total:           r.Total,
		Completed:       r.Completed,
		Failed:          r.Failed,
		QualityRejected: r.QualityRejected,
		Pending:         r.Pending,
		RunError:        r.RunError,
		Units:           r.Units,
	}
}
