package core

import "time"

// Cycle represents a single fetch, diff, dispatch and commit pass.
type Cycle struct {
	ID          string       `json:"id" yaml:"id"`
	StartedAt   time.Time    `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Status      CycleStatus  `json:"status" yaml:"status"`
	TriggerType string       `json:"trigger_type" yaml:"trigger_type"`
	Fetched     int          `json:"fetched" yaml:"fetched"`
	Baseline    bool         `json:"baseline,omitempty" yaml:"baseline,omitempty"`
	Committed   int          `json:"committed" yaml:"committed"`
	Summary     CycleSummary `json:"summary" yaml:"summary"`
	Errors      []CycleError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// CycleStatus represents the current state of a cycle
type CycleStatus string

const (
	CycleStatusRunning   CycleStatus = "running"
	CycleStatusCompleted CycleStatus = "completed"
	CycleStatusFailed    CycleStatus = "failed"
)

// CycleError tracks errors that occur outside of per-channel delivery
type CycleError struct {
	Stage      string    `json:"stage" yaml:"stage"` // "fetch", "lock", "store", "render", "dispatch", "commit"
	Error      string    `json:"error" yaml:"error"`
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
}
