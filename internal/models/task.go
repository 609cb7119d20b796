package models

import "time"

// Outcome is the terminal state of one dispatch.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailure          Outcome = "failure"
	OutcomeAwaitingApproval Outcome = "skipped-awaiting-approval"
)

// TaskResult records a single dispatch. Results are append-only.
type TaskResult struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Context    OpContext `json:"context,omitempty"`
	Seq        uint64    `json:"seq"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Records    int       `json:"records"`
	Retries    int       `json:"retries"`
	ApprovalID string    `json:"approval_id,omitempty"`
}

// Duration is the wall-clock time the dispatch took.
func (r TaskResult) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RunState is what getRunStatus reports per run id.
type RunState string

const (
	RunRunning RunState = "running"
	RunUnknown RunState = "unknown"
)

// RunStatus reports the state of a dispatch by id.
type RunStatus struct {
	ID        string      `json:"id"`
	Operation string      `json:"operation,omitempty"`
	State     RunState    `json:"state"`
	Result    *TaskResult `json:"result,omitempty"`
}
