package model

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusStarting  RunStatus = "starting"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceling RunStatus = "canceling"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next. Terminal states permit nothing; Canceling only resolves to
// Canceled.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case RunStatusStarting:
		return next == RunStatusRunning || next == RunStatusCanceling ||
			next == RunStatusCanceled || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusSucceeded || next == RunStatusFailed ||
			next == RunStatusCanceling || next == RunStatusCanceled
	case RunStatusCanceling:
		return next == RunStatusCanceled
	}
	return false
}

// StepResult records the outcome of a single enacted step.
type StepResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// RunRecord is one tracked execution of a policy's command sequence against
// one installation. The run orchestrator is the only writer of Status and
// UpdatedAtMS; CancelRequested is internal and never serialized.
type RunRecord struct {
	RunID          string       `json:"run_id"`
	Seq            uint64       `json:"-"`
	InstallationID string       `json:"installation_id"`
	Policy         Policy       `json:"policy"`
	Level          int          `json:"level"`
	Actions        []string     `json:"actions"`
	DryRun         bool         `json:"dry_run"`
	Status         RunStatus    `json:"status"`
	Steps          []StepResult `json:"steps,omitempty"`
	StartedAtMS    int64        `json:"started_at_ms"`
	UpdatedAtMS    int64        `json:"updated_at_ms"`
	CancelRequested bool        `json:"-"`
}
