package domain

import "time"

// Outcome is the terminal state of one task's journey through the gateway.
type Outcome string

const (
	OutcomeServed          Outcome = "served"
	OutcomeCacheServed     Outcome = "cache_served"
	OutcomeRejected        Outcome = "rejected"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeError           Outcome = "error"
)

// Trace is the immutable audit record of a task. Exactly one per task, never edited.
type Trace struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	RequestID   string         `json:"request_id,omitempty"` // X-Trace-ID of the inbound call
	Purpose     string         `json:"purpose,omitempty"`
	Decision    PolicyDecision `json:"decision"`
	BackendID   string         `json:"backend_id,omitempty"` // Empty when nothing was dispatched
	Outcome     Outcome        `json:"outcome"`
	Error       string         `json:"error,omitempty"`
	Cost        float64        `json:"cost"`
	Attempts    int            `json:"attempts"`
	SubmittedAt time.Time      `json:"submitted_at"`
	RecordedAt  time.Time      `json:"recorded_at"`
	DurationMs  int64          `json:"duration_ms"`
}

// TimeRange is a half-open [From, To) window for audit queries.
type TimeRange struct {
	From  time.Time
	To    time.Time
	Limit int
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}
