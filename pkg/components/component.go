package components

import (
	"context"
	"fmt"

	"github.com/openfroyo/patchwork/pkg/config"
	"github.com/openfroyo/patchwork/pkg/engine"
)

// ActionBuilder turns action definitions into engine actions.
// *actions.Factory implements it.
type ActionBuilder interface {
	Build(componentID string, patch config.PatchDefinition, phase engine.Phase, def *config.ActionDefinition) (engine.Action, error)
}

// Definition is an engine.Component backed by a loaded definition.
type Definition struct {
	def     config.ComponentDefinition
	patches []definedPatch
}

// definedPatch is a patch definition with its converted ranges and actions.
type definedPatch struct {
	def          config.PatchDefinition
	from         engine.Boundary
	dependencies []engine.Dependency
	before       engine.Action
	after        engine.Action
}

// NewDefinition converts def. Actions are built with actions, which may be
// nil when the component is only inspected or simulated. Declared actions
// then become placeholders that fail when invoked, so a patch keeps its
// phases either way.
func NewDefinition(def config.ComponentDefinition, actions ActionBuilder) (*Definition, error) {
	d := &Definition{def: def}
	for i, p := range def.Patches {
		dp := definedPatch{def: p}
		where := fmt.Sprintf("%s patch %d (%s %s)", def.ID, i, p.Type, p.Version)

		if p.Type == string(engine.PackageTypePatch) {
			from, err := p.From.ToBoundary()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			dp.from = from
		}
		for _, dep := range p.Dependencies {
			converted, err := dep.ToDependency()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			dp.dependencies = append(dp.dependencies, converted)
		}

		if p.Before != nil {
			action, err := buildAction(actions, def.ID, p, engine.PhaseBefore, p.Before)
			if err != nil {
				return nil, err
			}
			dp.before = action
		}
		if p.After != nil {
			action, err := buildAction(actions, def.ID, p, engine.PhaseAfter, p.After)
			if err != nil {
				return nil, err
			}
			dp.after = action
		}
		d.patches = append(d.patches, dp)
	}
	return d, nil
}

// ComponentID implements engine.Component.
func (d *Definition) ComponentID() string { return d.def.ID }

// Description returns the definition's description.
func (d *Definition) Description() string { return d.def.Description }

// Source returns the file the definition was loaded from.
func (d *Definition) Source() string { return d.def.Source }

// AddPatches implements engine.Component.
func (d *Definition) AddPatches(b *engine.PatchBuilder) {
	for _, p := range d.patches {
		var pd *engine.PatchDefinition
		if p.def.Type == string(engine.PackageTypeInstall) {
			pd = b.Install(p.def.Version, p.def.ReleaseDate, p.def.Description)
		} else {
			pd = b.PatchRange(p.from, p.def.Version, p.def.ReleaseDate, p.def.Description)
		}
		for _, dep := range p.dependencies {
			pd.DependsOnRange(dep.ComponentID, dep.Boundary)
		}
		if p.before != nil {
			pd.ActionOnBefore(p.before)
		}
		if p.after != nil {
			pd.Action(p.after)
		}
	}
}

func buildAction(actions ActionBuilder, componentID string, p config.PatchDefinition, phase engine.Phase, def *config.ActionDefinition) (engine.Action, error) {
	if actions != nil {
		return actions.Build(componentID, p, phase, def)
	}
	return func(context.Context, *engine.ExecutionContext) error {
		return fmt.Errorf("%s action of %s %s was not built", def.Kind, componentID, p.Version)
	}, nil
}
