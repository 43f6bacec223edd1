package types

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"   // Created but not started
	RunStatusRunning   RunStatus = "running"   // Steps are executing
	RunStatusCompleted RunStatus = "completed" // All steps completed
	RunStatusFailure   RunStatus = "failure"   // An unrecovered error occurred
)

// Valid returns true if this is a recognized run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailure:
		return true
	}
	return false
}

// IsTerminal returns true if this status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailure
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s RunStatus) CanTransitionTo(target RunStatus) bool {
	switch s {
	case RunStatusPending:
		return target == RunStatusRunning
	case RunStatusRunning:
		return target == RunStatusCompleted || target == RunStatusFailure
	}
	return false
}

// Checkpoint is the resumable state of a run, saved after every step.
type Checkpoint struct {
	RunID      string         `yaml:"run_id" json:"run_id"`
	WorkflowID string         `yaml:"workflow_id" json:"workflow_id"`
	NextIndex  int            `yaml:"next_index" json:"next_index"`
	StepsRun   int            `yaml:"steps_run" json:"steps_run"`
	Status     RunStatus      `yaml:"status" json:"status"`
	Params     map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Context    map[string]any `yaml:"context" json:"context"`
	UpdatedAt  time.Time      `yaml:"updated_at" json:"updated_at"`
}
