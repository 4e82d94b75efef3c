package engine

import (
	"fmt"
)

// ExecutionResult is the recorded outcome of a patch execution.
type ExecutionResult string

const (
	// ExecutionResultUnknown is used for rows whose result cannot be read.
	ExecutionResultUnknown ExecutionResult = "unknown"

	// ExecutionResultUnfinished marks a patch whose action was started but
	// has not reported back yet.
	ExecutionResultUnfinished ExecutionResult = "unfinished"

	// ExecutionResultSuccessful marks a fully completed patch.
	ExecutionResultSuccessful ExecutionResult = "successful"

	// ExecutionResultFaulty marks a patch whose after-start action failed.
	ExecutionResultFaulty ExecutionResult = "faulty"

	// ExecutionResultSuccessfulBefore marks a patch whose before-start
	// action completed and whose after-start action is still pending.
	ExecutionResultSuccessfulBefore ExecutionResult = "successful_before"

	// ExecutionResultFaultyBefore marks a patch whose before-start action failed.
	ExecutionResultFaultyBefore ExecutionResult = "faulty_before"
)

// IsTerminal returns true if no further action is expected for the patch.
func (r ExecutionResult) IsTerminal() bool {
	return r == ExecutionResultSuccessful
}

// IsIncomplete returns true for results that leave a fault marker on the
// component: the patch was started but not finished successfully.
func (r ExecutionResult) IsIncomplete() bool {
	switch r {
	case ExecutionResultUnfinished, ExecutionResultFaulty,
		ExecutionResultSuccessfulBefore, ExecutionResultFaultyBefore:
		return true
	default:
		return false
	}
}

// MarksFaultyBefore reports whether the result leaves the component's
// FaultyBeforeVersion set.
func (r ExecutionResult) MarksFaultyBefore() bool {
	return r == ExecutionResultUnfinished || r == ExecutionResultFaultyBefore
}

// MarksFaultyAfter reports whether the result leaves the component's
// FaultyAfterVersion set.
func (r ExecutionResult) MarksFaultyAfter() bool {
	return r == ExecutionResultSuccessfulBefore || r == ExecutionResultFaulty
}

// Validate checks if the execution result is valid.
func (r ExecutionResult) Validate() error {
	switch r {
	case ExecutionResultUnknown, ExecutionResultUnfinished, ExecutionResultSuccessful,
		ExecutionResultFaulty, ExecutionResultSuccessfulBefore, ExecutionResultFaultyBefore:
		return nil
	default:
		return fmt.Errorf("invalid execution result: %s", r)
	}
}

// PackageType is the discriminant of a patch.
type PackageType string

const (
	// PackageTypeInstall identifies a fresh installer of a component.
	PackageTypeInstall PackageType = "install"

	// PackageTypePatch identifies an upgrade patch from a version range to
	// a target version.
	PackageTypePatch PackageType = "patch"

	// PackageTypeTool identifies a tool package. Tools are recorded in the
	// package history but never executed by the patch manager.
	PackageTypeTool PackageType = "tool"
)

// Validate checks if the package type is valid.
func (t PackageType) Validate() error {
	switch t {
	case PackageTypeInstall, PackageTypePatch, PackageTypeTool:
		return nil
	default:
		return fmt.Errorf("invalid package type: %s", t)
	}
}

// Phase identifies one of the two execution phases.
type Phase string

const (
	// PhaseBefore runs before the host system has started.
	PhaseBefore Phase = "before"

	// PhaseAfter runs after the host system has started.
	PhaseAfter Phase = "after"
)

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseBefore, PhaseAfter:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// Prerequisite is the result of evaluating a patch against the current state.
type Prerequisite int

const (
	// PrerequisiteBlocked means the patch cannot run yet and is retried on
	// the next pass.
	PrerequisiteBlocked Prerequisite = iota

	// PrerequisiteSatisfied means the patch can run now.
	PrerequisiteSatisfied

	// PrerequisiteIrrelevant means the patch never needs to run in this phase.
	PrerequisiteIrrelevant

	// PrerequisiteUnsupported means the engine does not know how to
	// evaluate the patch.
	PrerequisiteUnsupported
)

// String returns the lowercase name of the prerequisite.
func (p Prerequisite) String() string {
	switch p {
	case PrerequisiteBlocked:
		return "blocked"
	case PrerequisiteSatisfied:
		return "satisfied"
	case PrerequisiteIrrelevant:
		return "irrelevant"
	case PrerequisiteUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("prerequisite(%d)", int(p))
	}
}

// FaultyAfterRule selects how the before phase treats a component whose
// FaultyAfterVersion is set.
type FaultyAfterRule string

const (
	// FaultyAfterRuleStrict makes any recorded after-phase fault block a
	// before-phase installer from running again.
	FaultyAfterRuleStrict FaultyAfterRule = "strict"

	// FaultyAfterRuleVersionAware only skips the installer when the fault
	// was recorded for its own version or a later one.
	FaultyAfterRuleVersionAware FaultyAfterRule = "version_aware"
)

// Validate checks if the rule is valid.
func (r FaultyAfterRule) Validate() error {
	switch r {
	case FaultyAfterRuleStrict, FaultyAfterRuleVersionAware:
		return nil
	default:
		return fmt.Errorf("invalid faulty-after rule: %s", r)
	}
}
