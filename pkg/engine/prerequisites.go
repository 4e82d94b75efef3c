package engine

import (
	"context"
)

// checkPrerequisitesBefore decides whether patch may run its before-start
// action now.
func (m *PatchManager) checkPrerequisitesBefore(ctx context.Context, patch *Patch) Prerequisite {
	switch patch.Type {
	case PackageTypeInstall:
		return m.checkInstallerBefore(ctx, patch)
	case PackageTypePatch:
		return m.checkUpgradeBefore(ctx, patch)
	default:
		return PrerequisiteUnsupported
	}
}

// checkPrerequisitesAfter decides whether patch may run its after-start
// action now.
func (m *PatchManager) checkPrerequisitesAfter(ctx context.Context, patch *Patch) Prerequisite {
	switch patch.Type {
	case PackageTypeInstall:
		return m.checkInstallerAfter(ctx, patch)
	case PackageTypePatch:
		return m.checkUpgradeAfter(ctx, patch)
	default:
		return PrerequisiteUnsupported
	}
}

func (m *PatchManager) checkInstallerBefore(ctx context.Context, patch *Patch) Prerequisite {
	pc := m.pc
	if !m.isValid(ctx, patch) {
		return PrerequisiteIrrelevant
	}
	if hasDuplicateInstallers(patch, pc.Candidates) {
		return PrerequisiteBlocked
	}
	if !hasCorrectDependencies(patch, pc.Components, true) {
		return PrerequisiteBlocked
	}

	comp := pc.Component(patch.ComponentID)
	if comp == nil {
		return PrerequisiteSatisfied
	}
	if comp.Version != nil {
		return PrerequisiteIrrelevant
	}
	if comp.FaultyAfterVersion != nil {
		if pc.Settings.BeforeFaultyAfterRule != FaultyAfterRuleVersionAware ||
			comp.FaultyAfterVersion.Compare(*patch.Version) >= 0 {
			return PrerequisiteIrrelevant
		}
	}
	if comp.FaultyBeforeVersion != nil && comp.FaultyBeforeVersion.Compare(*patch.Version) > 0 {
		return PrerequisiteIrrelevant
	}
	return PrerequisiteSatisfied
}

func (m *PatchManager) checkInstallerAfter(ctx context.Context, patch *Patch) Prerequisite {
	pc := m.pc
	if !m.isValid(ctx, patch) {
		return PrerequisiteIrrelevant
	}
	if hasDuplicateInstallers(patch, pc.Candidates) {
		return PrerequisiteBlocked
	}
	if !hasCorrectDependencies(patch, pc.Components, false) {
		return PrerequisiteBlocked
	}

	comp := pc.Component(patch.ComponentID)
	if comp != nil {
		if comp.Version != nil {
			return PrerequisiteIrrelevant
		}
		if comp.FaultyBeforeVersion != nil && comp.FaultyBeforeVersion.Compare(*patch.Version) >= 0 {
			return PrerequisiteIrrelevant
		}
		if comp.FaultyAfterVersion != nil && comp.FaultyAfterVersion.Compare(*patch.Version) > 0 {
			return PrerequisiteIrrelevant
		}
	}
	if !beforeCompleted(patch, comp) {
		return PrerequisiteBlocked
	}
	return PrerequisiteSatisfied
}

func (m *PatchManager) checkUpgradeBefore(ctx context.Context, patch *Patch) Prerequisite {
	pc := m.pc
	if !m.isValid(ctx, patch) {
		return PrerequisiteIrrelevant
	}
	if !hasCorrectDependencies(patch, pc.Components, true) {
		return PrerequisiteBlocked
	}

	comp := pc.Component(patch.ComponentID)
	if comp == nil || comp.Version == nil {
		return PrerequisiteBlocked
	}
	if comp.Version.Compare(*patch.Version) >= 0 {
		return PrerequisiteIrrelevant
	}
	if comp.FaultyAfterVersion != nil && comp.FaultyAfterVersion.Compare(*patch.Version) >= 0 {
		return PrerequisiteIrrelevant
	}
	if comp.FaultyBeforeVersion != nil && comp.FaultyBeforeVersion.Compare(*patch.Version) > 0 {
		return PrerequisiteIrrelevant
	}
	if !patch.Boundary.IsInInterval(comp.Version) {
		return PrerequisiteBlocked
	}
	return PrerequisiteSatisfied
}

func (m *PatchManager) checkUpgradeAfter(ctx context.Context, patch *Patch) Prerequisite {
	pc := m.pc
	if !m.isValid(ctx, patch) {
		return PrerequisiteIrrelevant
	}
	if !hasCorrectDependencies(patch, pc.Components, false) {
		return PrerequisiteBlocked
	}

	comp := pc.Component(patch.ComponentID)
	if comp == nil || comp.Version == nil {
		return PrerequisiteBlocked
	}
	if comp.Version.Compare(*patch.Version) >= 0 {
		return PrerequisiteIrrelevant
	}
	if comp.FaultyBeforeVersion != nil && comp.FaultyBeforeVersion.Compare(*patch.Version) >= 0 {
		return PrerequisiteIrrelevant
	}
	if comp.FaultyAfterVersion != nil && comp.FaultyAfterVersion.Compare(*patch.Version) > 0 {
		return PrerequisiteIrrelevant
	}
	if !beforeCompleted(patch, comp) {
		return PrerequisiteBlocked
	}
	if !patch.Boundary.IsInInterval(comp.Version) {
		return PrerequisiteBlocked
	}
	return PrerequisiteSatisfied
}

func (m *PatchManager) isValid(ctx context.Context, patch *Patch) bool {
	if err := m.validator.ValidatePatch(ctx, patch); err != nil {
		m.logger.Debug().
			Err(err).
			Str("patch", patch.String()).
			Msg("Patch rejected by validator")
		return false
	}
	return true
}

// hasDuplicateInstallers reports whether candidates hold more than one
// installer for the component of patch.
func hasDuplicateInstallers(patch *Patch, candidates []*Patch) bool {
	count := 0
	for _, c := range candidates {
		if c.Type == PackageTypeInstall && c.ComponentID == patch.ComponentID {
			count++
		}
	}
	return count > 1
}

// hasCorrectDependencies checks every dependency against the installed
// components. In the before phase (lenient) a component whose after-phase is
// still pending counts at its pending version.
func hasCorrectDependencies(patch *Patch, components []*ComponentDescriptor, lenient bool) bool {
	if len(patch.Dependencies) == 0 {
		return true
	}
	if patch.HasSelfDependency() {
		return false
	}
	if len(components) == 0 {
		return false
	}

	for _, dep := range patch.Dependencies {
		comp := findComponent(components, dep.ComponentID)
		if comp == nil {
			return false
		}
		if dep.Boundary.IsInInterval(comp.Version) {
			continue
		}
		if lenient && dep.Boundary.IsInInterval(comp.FaultyAfterVersion) {
			continue
		}
		return false
	}
	return true
}

// unmetDependencies lists the dependency ids hasCorrectDependencies would
// reject in the given mode.
func unmetDependencies(patch *Patch, components []*ComponentDescriptor, lenient bool) []string {
	var out []string
	for _, dep := range patch.Dependencies {
		if dep.ComponentID == patch.ComponentID {
			continue
		}
		comp := findComponent(components, dep.ComponentID)
		switch {
		case comp == nil:
			out = append(out, dep.ComponentID)
		case dep.Boundary.IsInInterval(comp.Version):
		case lenient && dep.Boundary.IsInInterval(comp.FaultyAfterVersion):
		default:
			out = append(out, dep.ComponentID)
		}
	}
	return out
}

// beforeCompleted reports whether the before-start action of patch, if it
// has one, has completed for this version.
func beforeCompleted(patch *Patch, comp *ComponentDescriptor) bool {
	if patch.BeforeStart == nil {
		return true
	}
	return comp != nil && comp.FaultyAfterVersion != nil &&
		comp.FaultyAfterVersion.Equal(*patch.Version)
}
