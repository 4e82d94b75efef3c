package engine

import (
	"time"
)

// EventType identifies a log record emitted by the patch manager.
type EventType string

const (
	// EventPhaseStarted is emitted when a phase begins.
	EventPhaseStarted EventType = "phase_started"

	// EventPhaseFinished is emitted when a phase has converged.
	EventPhaseFinished EventType = "phase_finished"

	// EventOnBeforeActionStarts is emitted before a before-start action runs.
	EventOnBeforeActionStarts EventType = "on_before_action_starts"

	// EventOnBeforeActionFinished is emitted after a before-start action succeeded.
	EventOnBeforeActionFinished EventType = "on_before_action_finished"

	// EventExecutionErrorOnBefore is emitted when a before-start action failed.
	EventExecutionErrorOnBefore EventType = "execution_error_on_before"

	// EventOnAfterActionStarts is emitted before an after-start action runs.
	EventOnAfterActionStarts EventType = "on_after_action_starts"

	// EventOnAfterActionFinished is emitted after an after-start action succeeded.
	EventOnAfterActionFinished EventType = "on_after_action_finished"

	// EventExecutionError is emitted when an after-start action failed.
	EventExecutionError EventType = "execution_error"

	// EventPatchSkipped is emitted when a patch is irrelevant in a phase.
	EventPatchSkipped EventType = "patch_skipped"

	// EventDuplicatedInstaller is emitted once per component with more than
	// one installer.
	EventDuplicatedInstaller EventType = "duplicated_installer"

	// EventCannotExecuteMissingVersion is emitted for an upgrade patch
	// without a starting version.
	EventCannotExecuteMissingVersion EventType = "cannot_execute_missing_version"

	// EventCannotExecuteOnBefore is emitted for a patch stuck in the before phase.
	EventCannotExecuteOnBefore EventType = "cannot_execute_on_before"

	// EventCannotExecuteOnAfter is emitted for a patch stuck in the after phase.
	EventCannotExecuteOnAfter EventType = "cannot_execute_on_after"

	// EventUnsupportedPatch is emitted for a patch the engine cannot evaluate.
	EventUnsupportedPatch EventType = "unsupported_patch"
)

// IsError returns true for events that describe a fault or a stuck patch.
func (t EventType) IsError() bool {
	switch t {
	case EventExecutionErrorOnBefore, EventExecutionError, EventDuplicatedInstaller,
		EventCannotExecuteMissingVersion, EventCannotExecuteOnBefore,
		EventCannotExecuteOnAfter, EventUnsupportedPatch:
		return true
	default:
		return false
	}
}

// PatchExecutionLogRecord is one significant transition reported to the
// log sink.
type PatchExecutionLogRecord struct {
	// RunID identifies the run that produced the record.
	RunID string `json:"runId"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Phase is the phase the record was produced in.
	Phase Phase `json:"phase"`

	// Pass is the 1-based convergence pass, 0 outside of passes.
	Pass int `json:"pass,omitempty"`

	// Patch is the patch the record is about, if any.
	Patch *Patch `json:"patch,omitempty"`

	// Message is an optional human-readable detail.
	Message string `json:"message,omitempty"`

	// Duration is set on records that end an action.
	Duration time.Duration `json:"duration,omitempty"`

	// Simulation is true when the run does not execute actions.
	Simulation bool `json:"simulation,omitempty"`

	// Timestamp is when the record was produced.
	Timestamp time.Time `json:"timestamp"`
}

// PassReport summarises one convergence pass.
type PassReport struct {
	// Phase is the phase the pass belongs to.
	Phase Phase `json:"phase"`

	// Number is the 1-based pass number within the phase.
	Number int `json:"number"`

	// Executed are the patches whose action succeeded in this pass.
	Executed []*Patch `json:"-"`

	// Faulted are the patches whose action failed in this pass.
	Faulted []*Patch `json:"-"`

	// Irrelevant are the patches found irrelevant in this pass.
	Irrelevant []*Patch `json:"-"`

	// Rejected are the patches the engine could not evaluate.
	Rejected []*Patch `json:"-"`
}

// Progressed reports whether the pass moved any patch forward.
func (r PassReport) Progressed() bool {
	return len(r.Executed)+len(r.Faulted)+len(r.Irrelevant)+len(r.Rejected) > 0
}
