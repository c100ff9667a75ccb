package checkpoint

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kiln/internal/services"
)

// Status is the lifecycle state of one work unit.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusRetrying        Status = "retrying"
	StatusQualityRejected Status = "quality_rejected"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusRunning,
	StatusRetrying,
	StatusQualityRejected,
	StatusCompleted,
	StatusFailed,
}

// transitions maps each status to the statuses it may move to.
// running -> running advances a multi-stage unit to its next stage.
// running -> pending releases a unit that stopped without an outcome (its pool
// ran out of credentials) so a later run starts it from scratch.
var transitions = map[Status][]Status{
	StatusPending:         {StatusRunning},
	StatusRunning:         {StatusRunning, StatusCompleted, StatusRetrying, StatusQualityRejected, StatusFailed, StatusPending},
	StatusRetrying:        {StatusRunning},
	StatusQualityRejected: {StatusRunning, StatusFailed},
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Statuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", value)
}

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal step.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// UnmarshalJSON rejects unknown statuses so a corrupted record fails loudly.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TaskState is the durable execution state of one work unit. Attempts counts
// backend invocations for the current stage and never exceeds max_retries+1.
type TaskState struct {
	UnitID            string        `json:"unit_id"`
	Status            Status        `json:"status"`
	Stage             string        `json:"stage,omitempty"`
	Attempts          int           `json:"attempts"`
	LastError         string        `json:"last_error,omitempty"`
	FailureKind       services.Kind `json:"failure_kind,omitempty"`
	QualityRejections int           `json:"quality_rejections,omitempty"`
	Output            string        `json:"output,omitempty"`
	StartedAt         time.Time     `json:"started_at,omitzero"`
	EndedAt           time.Time     `json:"ended_at,omitzero"`
}

// NewTaskState returns a pending state for a unit scheduled for the first time.
func NewTaskState(unitID string) TaskState {
	return TaskState{UnitID: unitID, Status: StatusPending}
}

// Transition moves the state to next, rejecting illegal moves.
func (t *TaskState) Transition(next Status, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("unit %s: illegal transition %s -> %s", t.UnitID, t.Status, next)
	}
	if t.Status == StatusPending && next == StatusRunning && t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	t.Status = next
	if next.Terminal() {
		t.EndedAt = now
	}
	return nil
}
