package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Action is a side-effecting patch step. A returned error marks the step as
// faulty; the engine never retries it within a run.
type Action func(ctx context.Context, pc *ExecutionContext) error

// Dependency requires a component to be installed within a version range.
type Dependency struct {
	// ComponentID is the required component.
	ComponentID string `json:"id" yaml:"id" validate:"required"`

	// Boundary is the acceptable version range of the required component.
	Boundary Boundary `json:"boundary" yaml:"boundary"`
}

// String renders the dependency as "id [min, max)".
func (d Dependency) String() string {
	return fmt.Sprintf("%s %s", d.ComponentID, d.Boundary)
}

// Patch is an executable unit contributed by a component. Type is the
// discriminant: PackageTypeInstall patches create a component from nothing,
// PackageTypePatch patches move an installed component from a version inside
// Boundary to Version.
type Patch struct {
	// ID is the package identifier assigned by the store, if any.
	ID string `json:"id,omitempty"`

	// ComponentID is the component this patch belongs to.
	ComponentID string `json:"componentId" validate:"required"`

	// Version is the component version after the patch completes.
	Version *Version `json:"version" validate:"required"`

	// Type is the patch discriminant.
	Type PackageType `json:"type" validate:"required"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// ReleaseDate is the release date of the patch.
	ReleaseDate time.Time `json:"releaseDate"`

	// Boundary is the range of installed versions an upgrade patch applies
	// to. It is unused for installers.
	Boundary Boundary `json:"boundary"`

	// Dependencies are the components that must be installed first.
	Dependencies []Dependency `json:"dependencies,omitempty" validate:"dive"`

	// BeforeStart runs in the before phase. Optional.
	BeforeStart Action `json:"-"`

	// AfterStart runs in the after phase. Optional.
	AfterStart Action `json:"-"`

	// ExecutionDate is set when the patch is executed.
	ExecutionDate time.Time `json:"executionDate,omitempty"`

	// ExecutionResult is the outcome of the latest execution.
	ExecutionResult ExecutionResult `json:"executionResult,omitempty"`

	// ExecutionError is the fault message of the latest execution.
	ExecutionError string `json:"executionError,omitempty"`
}

// NewInstaller creates an installer patch.
func NewInstaller(componentID string, version *Version) *Patch {
	return &Patch{
		ComponentID:     componentID,
		Version:         cloneVersion(version),
		Type:            PackageTypeInstall,
		ExecutionResult: ExecutionResultUnfinished,
	}
}

// NewUpgrade creates an upgrade patch applicable to installed versions
// inside boundary.
func NewUpgrade(componentID string, boundary Boundary, version *Version) *Patch {
	return &Patch{
		ComponentID:     componentID,
		Version:         cloneVersion(version),
		Type:            PackageTypePatch,
		Boundary:        boundary.clone(),
		ExecutionResult: ExecutionResultUnfinished,
	}
}

// IsInstaller reports whether the patch creates its component.
func (p *Patch) IsInstaller() bool { return p.Type == PackageTypeInstall }

// IsUpgrade reports whether the patch upgrades an installed component.
func (p *Patch) IsUpgrade() bool { return p.Type == PackageTypePatch }

// String identifies the patch in logs and messages.
func (p *Patch) String() string {
	switch p.Type {
	case PackageTypePatch:
		return fmt.Sprintf("%s: %s <= v%s", p.ComponentID, p.Boundary, VersionString(p.Version))
	case PackageTypeInstall:
		return fmt.Sprintf("%s: install v%s", p.ComponentID, VersionString(p.Version))
	default:
		return fmt.Sprintf("%s: %s v%s", p.ComponentID, p.Type, VersionString(p.Version))
	}
}

// Validate checks the structural invariants every patch must hold.
func (p *Patch) Validate() error {
	if p.ComponentID == "" {
		return fmt.Errorf("patch has empty component id")
	}
	if p.Version == nil {
		return fmt.Errorf("patch %s has no version", p.ComponentID)
	}
	if err := p.Type.Validate(); err != nil {
		return fmt.Errorf("patch %s: %w", p.ComponentID, err)
	}
	if p.Type == PackageTypePatch {
		if err := p.Boundary.Validate(); err != nil {
			return fmt.Errorf("patch %s: %w", p.ComponentID, err)
		}
		if p.Boundary.Min == nil && p.Boundary.Max == nil {
			return fmt.Errorf("patch %s: upgrade patch needs a version boundary", p.ComponentID)
		}
	}
	for _, dep := range p.Dependencies {
		if dep.ComponentID == "" {
			return fmt.Errorf("patch %s has a dependency without component id", p.ComponentID)
		}
		if err := dep.Boundary.Validate(); err != nil {
			return fmt.Errorf("patch %s dependency %s: %w", p.ComponentID, dep.ComponentID, err)
		}
	}
	return nil
}

// HasSelfDependency reports whether the patch depends on its own component.
func (p *Patch) HasSelfDependency() bool {
	for _, dep := range p.Dependencies {
		if dep.ComponentID == p.ComponentID {
			return true
		}
	}
	return false
}

// ActionOutcome is the result of invoking a patch action.
type ActionOutcome struct {
	// Err is the fault reported by the action, nil on success.
	Err error

	// Panicked is true when the action panicked instead of returning.
	Panicked bool

	// Duration is how long the action ran.
	Duration time.Duration
}

// Succeeded reports whether the action completed without fault.
func (o ActionOutcome) Succeeded() bool { return o.Err == nil }

// Message returns the fault message, or "" on success.
func (o ActionOutcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// invokeAction runs an action, converting panics into faults.
func invokeAction(ctx context.Context, pc *ExecutionContext, action Action) (outcome ActionOutcome) {
	start := time.Now()
	defer func() {
		outcome.Duration = time.Since(start)
		if r := recover(); r != nil {
			outcome.Err = fmt.Errorf("action panicked: %v\n%s", r, debug.Stack())
			outcome.Panicked = true
		}
	}()

	if action == nil {
		return outcome
	}
	outcome.Err = action(ctx, pc)
	return outcome
}
