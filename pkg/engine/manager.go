package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ManagerConfig configures a PatchManager.
type ManagerConfig struct {
	// Registry supplies the components whose patches are candidates.
	Registry ComponentRegistry

	// Store persists package history.
	Store PackageStore

	// Codec encodes package manifests for the store.
	Codec ManifestCodec

	// Validator rejects structurally invalid patches. Defaults to
	// StructuralValidator.
	Validator PatchValidator

	// Sink receives log records. Defaults to NopSink.
	Sink LogSink

	// Settings tunes the prerequisite rules.
	Settings Settings

	// Logger is used for debug output of the engine itself.
	Logger zerolog.Logger
}

// PatchManager drives candidate patches to a fixed point in two phases: the
// before phase runs before the host system starts, the after phase once it
// is up. Both phases share one ExecutionContext.
type PatchManager struct {
	registry  ComponentRegistry
	store     PackageStore
	codec     ManifestCodec
	validator PatchValidator
	logger    zerolog.Logger

	pc       *ExecutionContext
	prepared bool
}

// NewPatchManager creates a patch manager for one run.
func NewPatchManager(cfg ManagerConfig) (*PatchManager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("component registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("package store is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("manifest codec is required")
	}
	if cfg.Validator == nil {
		cfg.Validator = StructuralValidator{}
	}
	if cfg.Settings.BeforeFaultyAfterRule == "" {
		cfg.Settings = DefaultSettings()
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	pc := NewExecutionContext(cfg.Settings, cfg.Sink)
	return &PatchManager{
		registry:  cfg.Registry,
		store:     cfg.Store,
		codec:     cfg.Codec,
		validator: cfg.Validator,
		logger:    cfg.Logger.With().Str("component", "patch-manager").Str("run_id", pc.RunID).Logger(),
		pc:        pc,
	}, nil
}

// Context returns the execution context of the run.
func (m *PatchManager) Context() *ExecutionContext { return m.pc }

// Errors returns the classified errors collected so far.
func (m *PatchManager) Errors() []*PatchExecutionError { return m.pc.Errors }

// ExecutePatchesOnBeforeStart collects the candidates, loads the component
// state and runs the before phase.
func (m *PatchManager) ExecutePatchesOnBeforeStart(ctx context.Context, isSimulation bool) error {
	if err := m.prepare(ctx); err != nil {
		return err
	}
	return m.executeOnBefore(ctx, isSimulation)
}

// ExecutePatchesOnAfterStart runs the after phase on the candidates left by
// the before phase. Called on its own, it loads the state first.
func (m *PatchManager) ExecutePatchesOnAfterStart(ctx context.Context, isSimulation bool) error {
	if err := m.prepare(ctx); err != nil {
		return err
	}
	return m.executeOnAfter(ctx, isSimulation)
}

// Run executes both phases back to back.
func (m *PatchManager) Run(ctx context.Context, isSimulation bool) error {
	if err := m.ExecutePatchesOnBeforeStart(ctx, isSimulation); err != nil {
		return err
	}
	return m.ExecutePatchesOnAfterStart(ctx, isSimulation)
}

func (m *PatchManager) prepare(ctx context.Context) error {
	if m.prepared {
		return nil
	}

	candidates, err := CollectCandidates(m.registry)
	if err != nil {
		return err
	}

	installed, err := m.store.LoadInstalledComponents(ctx)
	if err != nil {
		return NewTransientError("failed to load installed components", err).
			WithCode(ErrCodeStorage)
	}
	incomplete, err := m.store.LoadIncompleteComponents(ctx)
	if err != nil {
		return NewTransientError("failed to load incomplete components", err).
			WithCode(ErrCodeStorage)
	}

	m.pc.Candidates = candidates
	m.pc.Components = CreateComponents(installed, incomplete)
	m.prepared = true

	m.logger.Debug().
		Int("candidates", len(candidates)).
		Int("components", len(m.pc.Components)).
		Msg("Run prepared")
	return nil
}

// executeOnBefore runs before-start actions to a fixed point. Patches that
// stay stuck remain candidates for the after phase.
func (m *PatchManager) executeOnBefore(ctx context.Context, isSimulation bool) error {
	pc := m.pc
	pc.Simulation = isSimulation
	pc.log(ctx, PatchExecutionLogRecord{Type: EventPhaseStarted, Phase: PhaseBefore})

	var toExec []*Patch
	for _, p := range pc.Candidates {
		if p.BeforeStart != nil {
			toExec = append(toExec, p)
		}
	}

	for pass := 1; len(toExec) > 0; pass++ {
		report := PassReport{Phase: PhaseBefore, Number: pass}
		var handled []*Patch

		for _, patch := range toExec {
			switch m.checkPrerequisitesBefore(ctx, patch) {
			case PrerequisiteBlocked:
				continue
			case PrerequisiteIrrelevant:
				report.Irrelevant = append(report.Irrelevant, patch)
				m.logSkipped(ctx, PhaseBefore, pass, patch)
			case PrerequisiteUnsupported:
				report.Rejected = append(report.Rejected, patch)
				m.rejectUnsupported(ctx, PhaseBefore, pass, patch)
			case PrerequisiteSatisfied:
				ok, err := m.runBefore(ctx, pass, patch)
				if err != nil {
					return err
				}
				if ok {
					report.Executed = append(report.Executed, patch)
				} else {
					report.Faulted = append(report.Faulted, patch)
				}
			}
			handled = append(handled, patch)
		}

		pc.Passes = append(pc.Passes, report)
		for _, p := range handled {
			toExec = removePatch(toExec, p)
		}
		if !report.Progressed() {
			break
		}
	}

	if len(toExec) > 0 {
		m.recognizeErrors(ctx, PhaseBefore, toExec)
	}

	pc.log(ctx, PatchExecutionLogRecord{
		Type:    EventPhaseFinished,
		Phase:   PhaseBefore,
		Message: fmt.Sprintf("%d stuck", len(toExec)),
	})
	return nil
}

// executeOnAfter runs after-start actions to a fixed point. Handled and
// stuck patches both leave the candidate list.
func (m *PatchManager) executeOnAfter(ctx context.Context, isSimulation bool) error {
	pc := m.pc
	pc.Simulation = isSimulation
	pc.log(ctx, PatchExecutionLogRecord{Type: EventPhaseStarted, Phase: PhaseAfter})

	for pass := 1; len(pc.Candidates) > 0; pass++ {
		report := PassReport{Phase: PhaseAfter, Number: pass}
		toExec := append([]*Patch(nil), pc.Candidates...)

		for _, patch := range toExec {
			switch m.checkPrerequisitesAfter(ctx, patch) {
			case PrerequisiteBlocked:
				continue
			case PrerequisiteIrrelevant:
				report.Irrelevant = append(report.Irrelevant, patch)
				m.logSkipped(ctx, PhaseAfter, pass, patch)
			case PrerequisiteUnsupported:
				report.Rejected = append(report.Rejected, patch)
				m.rejectUnsupported(ctx, PhaseAfter, pass, patch)
			case PrerequisiteSatisfied:
				ok, err := m.runAfter(ctx, pass, patch)
				if err != nil {
					return err
				}
				if ok {
					report.Executed = append(report.Executed, patch)
				} else {
					report.Faulted = append(report.Faulted, patch)
				}
			}
			pc.removeCandidate(patch)
		}

		pc.Passes = append(pc.Passes, report)
		if !report.Progressed() {
			break
		}
	}

	stuck := len(pc.Candidates)
	if stuck > 0 {
		m.recognizeErrors(ctx, PhaseAfter, append([]*Patch(nil), pc.Candidates...))
	}

	pc.log(ctx, PatchExecutionLogRecord{
		Type:    EventPhaseFinished,
		Phase:   PhaseAfter,
		Message: fmt.Sprintf("%d stuck", stuck),
	})
	return nil
}

// runBefore executes the before-start action of patch. It returns false
// when the action faulted and an error only when the store failed.
func (m *PatchManager) runBefore(ctx context.Context, pass int, patch *Patch) (bool, error) {
	pc := m.pc
	pc.log(ctx, PatchExecutionLogRecord{Type: EventOnBeforeActionStarts, Phase: PhaseBefore, Pass: pass, Patch: patch})

	if !pc.Simulation {
		if err := m.saveInitialPackage(ctx, patch); err != nil {
			return false, err
		}
	}
	m.createInitialState(patch)

	var outcome ActionOutcome
	if !pc.Simulation {
		outcome = invokeAction(ctx, pc, patch.BeforeStart)
	}

	result := ExecutionResultSuccessfulBefore
	if !outcome.Succeeded() {
		result = ExecutionResultFaultyBefore
	}

	if !pc.Simulation {
		if err := m.savePackage(ctx, patch, result, outcome.Message()); err != nil {
			return false, err
		}
	}
	m.modifyState(patch, result)

	if !outcome.Succeeded() {
		pc.addError(NewPatchExecutionError(ErrorTypeExecutionErrorOnBefore, outcome.Message(), patch))
		pc.log(ctx, PatchExecutionLogRecord{
			Type:     EventExecutionErrorOnBefore,
			Phase:    PhaseBefore,
			Pass:     pass,
			Patch:    patch,
			Message:  outcome.Message(),
			Duration: outcome.Duration,
		})
		pc.removeCandidate(patch)
		return false, nil
	}

	pc.log(ctx, PatchExecutionLogRecord{
		Type:     EventOnBeforeActionFinished,
		Phase:    PhaseBefore,
		Pass:     pass,
		Patch:    patch,
		Duration: outcome.Duration,
	})
	return true, nil
}

// runAfter executes the after-start action of patch. It returns false when
// the action faulted and an error only when the store failed.
func (m *PatchManager) runAfter(ctx context.Context, pass int, patch *Patch) (bool, error) {
	pc := m.pc
	pc.log(ctx, PatchExecutionLogRecord{Type: EventOnAfterActionStarts, Phase: PhaseAfter, Pass: pass, Patch: patch})

	if patch.BeforeStart == nil {
		if !pc.Simulation {
			if err := m.saveInitialPackage(ctx, patch); err != nil {
				return false, err
			}
		}
		m.createInitialState(patch)
	}

	var outcome ActionOutcome
	if !pc.Simulation {
		outcome = invokeAction(ctx, pc, patch.AfterStart)
	}

	result := ExecutionResultSuccessful
	if !outcome.Succeeded() {
		result = ExecutionResultFaulty
	}

	if !pc.Simulation {
		if err := m.savePackage(ctx, patch, result, outcome.Message()); err != nil {
			return false, err
		}
	}
	m.modifyState(patch, result)

	if !outcome.Succeeded() {
		pc.addError(NewPatchExecutionError(ErrorTypeExecutionErrorOnAfter, outcome.Message(), patch))
		pc.log(ctx, PatchExecutionLogRecord{
			Type:     EventExecutionError,
			Phase:    PhaseAfter,
			Pass:     pass,
			Patch:    patch,
			Message:  outcome.Message(),
			Duration: outcome.Duration,
		})
		return false, nil
	}

	pc.log(ctx, PatchExecutionLogRecord{
		Type:     EventOnAfterActionFinished,
		Phase:    PhaseAfter,
		Pass:     pass,
		Patch:    patch,
		Duration: outcome.Duration,
	})
	return true, nil
}

func (m *PatchManager) saveInitialPackage(ctx context.Context, patch *Patch) error {
	patch.ExecutionDate = m.pc.now()
	patch.ExecutionResult = ExecutionResultUnfinished
	patch.ExecutionError = ""

	pkg, err := NewPackage(patch, m.codec)
	if err != nil {
		return err
	}
	if err := m.store.SaveInitialPackage(ctx, pkg); err != nil {
		return NewTransientError("failed to record patch start", err).
			WithCode(ErrCodeStorage).
			WithResource(patch.String()).
			WithOperation("save_initial_package")
	}
	if pkg.ID != "" {
		patch.ID = pkg.ID
	}
	return nil
}

func (m *PatchManager) savePackage(ctx context.Context, patch *Patch, result ExecutionResult, message string) error {
	patch.ExecutionResult = result
	patch.ExecutionError = message
	if patch.ExecutionDate.IsZero() {
		patch.ExecutionDate = m.pc.now()
	}

	pkg, err := NewPackage(patch, m.codec)
	if err != nil {
		return err
	}
	if err := m.store.SavePackage(ctx, pkg); err != nil {
		return NewTransientError("failed to record patch result", err).
			WithCode(ErrCodeStorage).
			WithResource(patch.String()).
			WithOperation("save_package")
	}
	if pkg.ID != "" {
		patch.ID = pkg.ID
	}
	return nil
}

// createInitialState adds a descriptor for the patch's component if there is
// none yet.
func (m *PatchManager) createInitialState(patch *Patch) {
	if m.pc.Component(patch.ComponentID) != nil {
		return
	}
	m.pc.Components = append(m.pc.Components, &ComponentDescriptor{
		ComponentID:  patch.ComponentID,
		Description:  patch.Description,
		Dependencies: patch.Dependencies,
	})
}

// modifyState applies the state transition of result to the component of
// patch.
func (m *PatchManager) modifyState(patch *Patch, result ExecutionResult) {
	comp := m.pc.Component(patch.ComponentID)
	if comp == nil {
		m.createInitialState(patch)
		comp = m.pc.Component(patch.ComponentID)
	}

	switch result {
	case ExecutionResultSuccessful:
		comp.Version = cloneVersion(patch.Version)
		comp.FaultyBeforeVersion = nil
		comp.FaultyAfterVersion = nil
		comp.Description = patch.Description
		comp.Dependencies = patch.Dependencies
	case ExecutionResultSuccessfulBefore, ExecutionResultFaulty:
		comp.FaultyBeforeVersion = nil
		comp.FaultyAfterVersion = cloneVersion(patch.Version)
	case ExecutionResultFaultyBefore, ExecutionResultUnfinished:
		comp.FaultyBeforeVersion = cloneVersion(patch.Version)
	}

	m.logger.Debug().
		Str("patch", patch.String()).
		Str("result", string(result)).
		Str("version", VersionString(comp.Version)).
		Str("faulty_before", VersionString(comp.FaultyBeforeVersion)).
		Str("faulty_after", VersionString(comp.FaultyAfterVersion)).
		Msg("Component state changed")
}

func (m *PatchManager) logSkipped(ctx context.Context, phase Phase, pass int, patch *Patch) {
	m.pc.log(ctx, PatchExecutionLogRecord{Type: EventPatchSkipped, Phase: phase, Pass: pass, Patch: patch})
}

func (m *PatchManager) rejectUnsupported(ctx context.Context, phase Phase, pass int, patch *Patch) {
	msg := fmt.Sprintf("Unsupported patch type %q.", patch.Type)
	m.pc.addError(NewPatchExecutionError(ErrorTypeUnsupportedPatch, msg, patch))
	m.pc.log(ctx, PatchExecutionLogRecord{
		Type:    EventUnsupportedPatch,
		Phase:   phase,
		Pass:    pass,
		Patch:   patch,
		Message: msg,
	})
	m.pc.removeCandidate(patch)
}
