// Package engine provides the core types and the convergence engine of the
// patchwork component patch orchestrator.
//
// # Overview
//
// Registered components contribute patches: installers that create a
// component at a version, and upgrade patches that move an installed
// component from a version range to a newer version. Patches may depend on
// other components within version ranges. The PatchManager decides, in the
// correct order, which patches may run, runs their actions and records the
// resulting component state so that a later run can resume safely.
//
// Execution happens in two phases that share one ExecutionContext:
//
//  1. Before phase - before-start actions run before the host system starts
//  2. After phase - after-start actions run once the host system is up
//
// # Convergence
//
// Each phase evaluates the remaining patches over and over. In every pass a
// patch is either satisfied (it runs), irrelevant (it never needs to run),
// blocked (it is retried next pass) or unsupported. The phase ends when no
// patch is left or a pass changed nothing. The patches still left are
// classified into errors:
//
//   - DuplicatedInstaller: more than one installer for a component
//   - MissingVersion: an upgrade patch with no installed version to start from
//   - CannotExecuteOnBefore / CannotExecuteOnAfter: anything else
//
// Action faults are reported as ExecutionErrorOnBefore and
// ExecutionErrorOnAfter. A fault is never retried within a run.
//
// # Component State
//
// Every component is tracked by a ComponentDescriptor holding the installed
// Version and the FaultyBeforeVersion / FaultyAfterVersion markers:
//
//	result              Version    FaultyBefore  FaultyAfter
//	successful          <- patch   cleared       cleared
//	successful_before   -          cleared       <- patch
//	faulty              -          cleared       <- patch
//	faulty_before       -          <- patch      -
//
// Before an action runs the package is recorded in the PackageStore, and its
// outcome is recorded before the in-memory state changes.
//
// # Example
//
//	registry := engine.StaticRegistry{myComponent}
//	mgr, err := engine.NewPatchManager(engine.ManagerConfig{
//	    Registry: registry,
//	    Store:    store,
//	    Codec:    manifest.NewYAMLCodec(),
//	    Sink:     sink,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := mgr.ExecutePatchesOnBeforeStart(ctx, false); err != nil {
//	    return err
//	}
//	// start the host system
//	if err := mgr.ExecutePatchesOnAfterStart(ctx, false); err != nil {
//	    return err
//	}
//	for _, e := range mgr.Errors() {
//	    log.Warn().Str("type", string(e.Type)).Msg(e.Message)
//	}
//
// # Simulation
//
// With isSimulation set, the phases make the same decisions and apply the
// same in-memory state transitions, but no action is invoked and nothing is
// written to the store.
package engine
