package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but admit the patch.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the patch.
	SeverityError Severity = "error"

	// SeverityCritical rejects the patch.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the patch.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny rules reject patches.
//
// The module must define a deny set. Each element is either a message
// string or an object with message and optional severity fields.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with patchwork.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one denial produced by a policy.
type Violation struct {
	Policy      string   `json:"policy"`
	ComponentID string   `json:"component_id"`
	Version     string   `json:"version"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// Result is the outcome of evaluating every enabled policy for a patch.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// RejectedError is returned by ValidatePatch for a patch the policies deny.
type RejectedError struct {
	Patch      string
	Violations []Violation
}

func (e *RejectedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("patch %s rejected by policy: %s", e.Patch, strings.Join(msgs, "; "))
}

// Input is the document policies see as input.
type Input struct {
	Patch   PatchInput   `json:"patch"`
	Context InputContext `json:"context"`
}

// PatchInput describes the patch under evaluation. Version comparisons are
// precomputed because Rego has no notion of patchwork versions.
type PatchInput struct {
	ComponentID  string            `json:"component_id"`
	Version      string            `json:"version"`
	Type         string            `json:"type"`
	Description  string            `json:"description"`
	ReleaseDate  string            `json:"release_date,omitempty"`
	Boundary     BoundaryInput     `json:"boundary"`
	Dependencies []DependencyInput `json:"dependencies"`

	// HasBeforeAction and HasAfterAction report the attached actions.
	HasBeforeAction bool `json:"has_before_action"`
	HasAfterAction  bool `json:"has_after_action"`

	// VersionIsNull is true for the 0.0 sentinel version.
	VersionIsNull bool `json:"version_is_null"`

	// TargetInBoundary is true when the version lies in the patch's own
	// from range.
	TargetInBoundary bool `json:"target_in_boundary"`

	// TargetNotAboveMin is true when the version is at or below the from
	// range minimum, so no installed version can ever be upgraded by it.
	TargetNotAboveMin bool `json:"target_not_above_min"`
}

// BoundaryInput is a version range.
type BoundaryInput struct {
	Min          string `json:"min,omitempty"`
	MinExclusive bool   `json:"min_exclusive"`
	Max          string `json:"max,omitempty"`
	MaxExclusive bool   `json:"max_exclusive"`
	Empty        bool   `json:"empty"`
}

// DependencyInput is one dependency of the patch.
type DependencyInput struct {
	ComponentID string        `json:"component_id"`
	Boundary    BoundaryInput `json:"boundary"`
}

// InputContext carries evaluation context.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// NewInput builds the policy input for patch.
func NewInput(patch *engine.Patch, now time.Time) Input {
	in := PatchInput{
		ComponentID:     patch.ComponentID,
		Version:         engine.VersionString(patch.Version),
		Type:            string(patch.Type),
		Description:     patch.Description,
		Boundary:        boundaryInput(patch.Boundary),
		HasBeforeAction: patch.BeforeStart != nil,
		HasAfterAction:  patch.AfterStart != nil,
	}
	if patch.Version != nil {
		in.VersionIsNull = patch.Version.IsNull()
	}
	if !patch.ReleaseDate.IsZero() {
		in.ReleaseDate = patch.ReleaseDate.Format(engine.ReleaseDateLayout)
	}
	if patch.Version != nil && patch.Type == engine.PackageTypePatch {
		in.TargetInBoundary = patch.Boundary.IsInInterval(patch.Version)
		if patch.Boundary.Min != nil {
			in.TargetNotAboveMin = patch.Version.Compare(*patch.Boundary.Min) <= 0
		}
	}
	for _, dep := range patch.Dependencies {
		in.Dependencies = append(in.Dependencies, DependencyInput{
			ComponentID: dep.ComponentID,
			Boundary:    boundaryInput(dep.Boundary),
		})
	}
	if in.Dependencies == nil {
		in.Dependencies = []DependencyInput{}
	}
	return Input{
		Patch:   in,
		Context: InputContext{Timestamp: now, Operation: "admit"},
	}
}

func boundaryInput(b engine.Boundary) BoundaryInput {
	return BoundaryInput{
		Min:          boundVersion(b.Min),
		MinExclusive: b.MinExclusive,
		Max:          boundVersion(b.Max),
		MaxExclusive: b.MaxExclusive,
		Empty:        b.Min == nil && b.Max == nil,
	}
}

// boundVersion leaves open bounds empty so they are absent from the input.
func boundVersion(v *engine.Version) string {
	if v == nil {
		return ""
	}
	return v.String()
}
