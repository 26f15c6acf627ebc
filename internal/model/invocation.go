package model

import "time"

// Invocation status constants.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Failure cause constants recorded on failed invocations. They mirror the
// metric labels emitted by the executor.
const (
	CauseNone         = ""
	CauseTemplate     = "template"
	CauseInstantiate  = "instantiate"
	CauseTrap         = "trap"
	CauseCPUBudget    = "cpu_budget"
	CauseGuestError   = "guest_error"
	CauseNoResponse   = "no_response"
	CauseJoinFailure  = "join_failure"
	CauseCancelled    = "cancelled"
	CauseShuttingDown = "shutting_down"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// LogLine represents a single persisted log line emitted by a guest program.
type LogLine struct {
	ID           int64     `json:"id"`
	InvocationID string    `json:"invocation_id"`
	Seq          int       `json:"seq"`
	Line         string    `json:"line"`
	CreatedAt    time.Time `json:"created_at"`
}

// Invocation records one job executed against a code id.
type Invocation struct {
	ID         string     `json:"id"`
	CodeID     string     `json:"code_id"`
	Status     string     `json:"status"`
	Cause      string     `json:"cause,omitempty"`
	Method     string     `json:"method"`
	Path       string     `json:"path"`
	HTTPStatus *int       `json:"http_status,omitempty"`
	Reused     bool       `json:"reused"`
	CPUMS      *int64     `json:"cpu_ms,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
