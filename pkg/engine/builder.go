package engine

import (
	"fmt"
	"time"
)

// ReleaseDateLayout is the accepted layout of release dates in builders.
const ReleaseDateLayout = "2006-01-02"

// Component contributes patches to a run.
type Component interface {
	// ComponentID returns the id of the component.
	ComponentID() string

	// AddPatches registers the component's installers and upgrade patches.
	AddPatches(b *PatchBuilder)
}

// ComponentRegistry lists the registered components in registration order.
type ComponentRegistry interface {
	Components() []Component
}

// StaticRegistry is a fixed, ordered component list.
type StaticRegistry []Component

// Components implements ComponentRegistry.
func (r StaticRegistry) Components() []Component { return r }

// PatchBuilder collects the patches of one component. Builder methods never
// fail; the first problem is kept and reported by Err.
type PatchBuilder struct {
	componentID string
	patches     []*Patch
	err         error
}

// NewPatchBuilder creates a builder for the given component.
func NewPatchBuilder(componentID string) *PatchBuilder {
	return &PatchBuilder{componentID: componentID}
}

// Patches returns the patches collected so far in insertion order.
func (b *PatchBuilder) Patches() []*Patch { return b.patches }

// Err returns the first error recorded while building.
func (b *PatchBuilder) Err() error { return b.err }

func (b *PatchBuilder) fail(err error) {
	if b.err == nil {
		b.err = fmt.Errorf("component %s: %w", b.componentID, err)
	}
}

func (b *PatchBuilder) parseDate(releaseDate string) time.Time {
	if releaseDate == "" {
		return time.Time{}
	}
	t, err := time.Parse(ReleaseDateLayout, releaseDate)
	if err != nil {
		b.fail(fmt.Errorf("invalid release date %q: %w", releaseDate, err))
	}
	return t
}

func (b *PatchBuilder) parseVersion(s string) *Version {
	v, err := ParseVersion(s)
	if err != nil {
		b.fail(err)
		return cloneVersion(&NullVersion)
	}
	return v
}

func (b *PatchBuilder) add(p *Patch) *PatchDefinition {
	b.patches = append(b.patches, p)
	return &PatchDefinition{builder: b, patch: p}
}

// Install adds an installer that creates the component at version.
func (b *PatchBuilder) Install(version, releaseDate, description string) *PatchDefinition {
	p := NewInstaller(b.componentID, b.parseVersion(version))
	p.ReleaseDate = b.parseDate(releaseDate)
	p.Description = description
	return b.add(p)
}

// Patch adds an upgrade from installed versions in [from, to) to to.
func (b *PatchBuilder) Patch(from, to, releaseDate, description string) *PatchDefinition {
	target := b.parseVersion(to)
	return b.PatchRange(Between(b.parseVersion(from), target), to, releaseDate, description)
}

// PatchRange adds an upgrade from installed versions inside boundary to to.
func (b *PatchBuilder) PatchRange(boundary Boundary, to, releaseDate, description string) *PatchDefinition {
	p := NewUpgrade(b.componentID, boundary, b.parseVersion(to))
	p.ReleaseDate = b.parseDate(releaseDate)
	p.Description = description
	if err := boundary.Validate(); err != nil {
		b.fail(err)
	}
	return b.add(p)
}

// PatchDefinition configures a patch added to a builder.
type PatchDefinition struct {
	builder *PatchBuilder
	patch   *Patch
}

// Patch returns the patch being defined.
func (d *PatchDefinition) Patch() *Patch { return d.patch }

// DependsOn requires component id at minVersion or later.
func (d *PatchDefinition) DependsOn(id, minVersion string) *PatchDefinition {
	return d.DependsOnRange(id, AtLeast(d.builder.parseVersion(minVersion)))
}

// DependsOnRange requires component id inside boundary.
func (d *PatchDefinition) DependsOnRange(id string, boundary Boundary) *PatchDefinition {
	if err := boundary.Validate(); err != nil {
		d.builder.fail(fmt.Errorf("dependency %s: %w", id, err))
	}
	d.patch.Dependencies = append(d.patch.Dependencies, Dependency{ComponentID: id, Boundary: boundary})
	return d
}

// ActionOnBefore sets the before-start action.
func (d *PatchDefinition) ActionOnBefore(action Action) *PatchDefinition {
	d.patch.BeforeStart = action
	return d
}

// Action sets the after-start action.
func (d *PatchDefinition) Action(action Action) *PatchDefinition {
	d.patch.AfterStart = action
	return d
}

// CollectCandidates asks every registered component for its patches, once,
// and concatenates them in registration order.
func CollectCandidates(registry ComponentRegistry) ([]*Patch, error) {
	var candidates []*Patch
	for _, component := range registry.Components() {
		b := NewPatchBuilder(component.ComponentID())
		component.AddPatches(b)
		if err := b.Err(); err != nil {
			return nil, NewPermanentError("failed to collect patches", err).
				WithCode(ErrCodeValidation).
				WithResource(component.ComponentID())
		}
		candidates = append(candidates, b.Patches()...)
	}
	return candidates, nil
}
