package engine

import (
	"context"
	"fmt"
	"strings"
)

const (
	cannotExecuteOnBeforeMessage = "Cannot execute the patch before repository start."
	cannotExecuteOnAfterMessage  = "Cannot execute the patch after repository start."

	// A patch stuck before start is refused after start as well, so it is
	// reported once per phase.
	afterStartRefusedNote = "The after-start action will be refused too."
)

// recognizeErrors classifies the patches left over when a phase stopped
// making progress. Every stuck patch ends up in exactly one error and one
// log record.
func (m *PatchManager) recognizeErrors(ctx context.Context, phase Phase, stuck []*Patch) {
	pc := m.pc

	// Duplicate installers are reported once per component, together with
	// every installer of that component still in the candidate list.
	var order []string
	groups := make(map[string][]*Patch)
	for _, p := range stuck {
		if p.Type != PackageTypeInstall || !hasDuplicateInstallers(p, pc.Candidates) {
			continue
		}
		if _, seen := groups[p.ComponentID]; seen {
			continue
		}
		order = append(order, p.ComponentID)
		for _, c := range pc.Candidates {
			if c.Type == PackageTypeInstall && c.ComponentID == p.ComponentID {
				groups[p.ComponentID] = append(groups[p.ComponentID], c)
			}
		}
	}
	for _, id := range order {
		group := groups[id]
		msg := fmt.Sprintf("Component %s has %d installers.", id, len(group))
		pc.addError(NewPatchExecutionError(ErrorTypeDuplicatedInstaller, msg, group...))
		pc.log(ctx, PatchExecutionLogRecord{
			Type:    EventDuplicatedInstaller,
			Phase:   phase,
			Patch:   group[0],
			Message: msg,
		})
		for _, p := range group {
			stuck = removePatch(stuck, p)
			pc.removeCandidate(p)
		}
	}

	if len(stuck) == 0 {
		return
	}

	graph := BuildDependencyGraph(stuck)
	for _, patch := range stuck {
		if phase == PhaseAfter {
			pc.removeCandidate(patch)
		}

		if patch.Type == PackageTypePatch && m.missingVersion(patch) {
			msg := fmt.Sprintf("Cannot execute the patch: no installed version of %s in %s.",
				patch.ComponentID, patch.Boundary)
			pc.addError(NewPatchExecutionError(ErrorTypeMissingVersion, msg, patch))
			pc.log(ctx, PatchExecutionLogRecord{
				Type:    EventCannotExecuteMissingVersion,
				Phase:   phase,
				Patch:   patch,
				Message: msg,
			})
			continue
		}

		typ, event, msg := ErrorTypeCannotExecuteOnBefore, EventCannotExecuteOnBefore, cannotExecuteOnBeforeMessage
		if phase == PhaseAfter {
			typ, event, msg = ErrorTypeCannotExecuteOnAfter, EventCannotExecuteOnAfter, cannotExecuteOnAfterMessage
		}
		if cause := m.stuckCause(phase, patch, graph); cause != "" {
			msg = msg + " " + cause
		}
		if phase == PhaseBefore {
			msg = msg + " " + afterStartRefusedNote
		}
		pc.addError(NewPatchExecutionError(typ, msg, patch))
		pc.log(ctx, PatchExecutionLogRecord{
			Type:    event,
			Phase:   phase,
			Patch:   patch,
			Message: msg,
		})
	}
}

// missingVersion reports whether no installed version of the patch's
// component could be upgraded by it.
func (m *PatchManager) missingVersion(patch *Patch) bool {
	comp := m.pc.Component(patch.ComponentID)
	if comp == nil || comp.Version == nil {
		return true
	}
	return !(comp.Version.Less(*patch.Version) && patch.Boundary.IsInInterval(comp.Version))
}

// stuckCause explains why a patch could not run, when it can be told.
func (m *PatchManager) stuckCause(phase Phase, patch *Patch, graph *DependencyGraph) string {
	if patch.HasSelfDependency() {
		return "The patch depends on its own component."
	}
	if cycle := graph.CycleOf(patch.ComponentID); len(cycle) > 0 {
		return fmt.Sprintf("Dependency cycle: %s.", formatCycle(cycle))
	}
	if unmet := unmetDependencies(patch, m.pc.Components, phase == PhaseBefore); len(unmet) > 0 {
		return fmt.Sprintf("Unmet dependencies: %s.", strings.Join(unmet, ", "))
	}
	if phase == PhaseAfter && !beforeCompleted(patch, m.pc.Component(patch.ComponentID)) {
		return "The before-start action has not completed."
	}
	return ""
}
