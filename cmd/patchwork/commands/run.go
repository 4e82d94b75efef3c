package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/stores"
	"github.com/openfroyo/patchwork/pkg/telemetry"
)

// Phases accepted by --phase.
const (
	phaseAll    = "all"
	phaseBefore = string(engine.PhaseBefore)
	phaseAfter  = string(engine.PhaseAfter)
)

func newStartCommand() *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the patches of every component",
		Long: `Run the patches of every defined component against the package history.

The run has two phases:
  - before: installers and upgrades whose before action must run while
    the host system is still down
  - after: the main actions, once the host system is up

Each phase repeats passes until no patch makes progress. Packages are
recorded as they execute, so an interrupted run resumes where it stopped.
The command fails when the run ends with classified errors.`,
		Example: `  # Run both phases
  patchwork start

  # Run the before phase now and the after phase later
  patchwork start --phase before
  patchwork start --phase after

  # Print the run report as JSON
  patchwork start --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatches(cmd.Context(), phase, false)
		},
	}

	cmd.Flags().StringVar(&phase, "phase", phaseAll, "phase to run (before, after, all)")

	return cmd
}

func newSimulateCommand() *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Preview a run without executing any action",
		Long: `Simulate a run: every patch is evaluated exactly as in 'start' and every
action counts as successful, but no action runs and no package is written.
The run and its log records are still stored, marked as a simulation.`,
		Example: `  # Preview which patches would run, and in which order
  patchwork simulate

  # Preview the before phase only
  patchwork simulate --phase before`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatches(cmd.Context(), phase, true)
		},
	}

	cmd.Flags().StringVar(&phase, "phase", phaseAll, "phase to simulate (before, after, all)")

	return cmd
}

// runReport is the outcome of one run as printed by start and simulate.
type runReport struct {
	RunID      string            `json:"runId"`
	Mode       stores.RunMode    `json:"mode"`
	Phase      string            `json:"phase"`
	Status     stores.RunStatus  `json:"status"`
	Executed   []string          `json:"executed"`
	Faulted    []string          `json:"faulted"`
	Passes     []passSummary     `json:"passes"`
	Errors     []string          `json:"errors"`
	Components []componentReport `json:"components"`
	Duration   string            `json:"duration"`
}

type passSummary struct {
	Phase      engine.Phase `json:"phase"`
	Number     int          `json:"number"`
	Executed   int          `json:"executed"`
	Faulted    int          `json:"faulted"`
	Irrelevant int          `json:"irrelevant"`
	Rejected   int          `json:"rejected"`
}

type componentReport struct {
	ID           string `json:"id"`
	Version      string `json:"version,omitempty"`
	FaultyBefore string `json:"faultyBefore,omitempty"`
	FaultyAfter  string `json:"faultyAfter,omitempty"`
}

func runPatches(ctx context.Context, phase string, simulation bool) error {
	switch phase {
	case phaseAll, phaseBefore, phaseAfter:
	default:
		return fmt.Errorf("invalid phase %q (want before, after or all)", phase)
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close(context.Background())

	if err := ws.loadComponents(ctx, !simulation); err != nil {
		return err
	}
	if err := ws.loadPolicies(ctx); err != nil {
		return err
	}
	if err := ws.tel.StartMetricsServer(); err != nil {
		return err
	}

	ws.tel.Sink.Subscribe("store", func(ctx context.Context, r engine.PatchExecutionLogRecord) error {
		return ws.store.AppendEvent(ctx, stores.EventFromRecord(r))
	}, nil)

	mgr, err := ws.newManager(ws.tel.Sink)
	if err != nil {
		return err
	}

	mode := stores.RunModeReal
	if simulation {
		mode = stores.RunModeSimulation
	}
	runID := mgr.Context().RunID
	if err := ws.store.CreateRun(ctx, &stores.Run{ID: runID, Mode: mode}); err != nil {
		return err
	}

	log.Info().
		Str("run_id", runID).
		Str("mode", string(mode)).
		Str("phase", phase).
		Int("components", ws.registry.Len()).
		Msg("Starting run")

	start := time.Now()
	runCtx := telemetry.WithRunContext(ws.tel.WithContext(ctx), runID, simulation)
	var runErr error
	switch phase {
	case phaseBefore:
		runErr = mgr.ExecutePatchesOnBeforeStart(runCtx, simulation)
	case phaseAfter:
		runErr = mgr.ExecutePatchesOnAfterStart(runCtx, simulation)
	default:
		runErr = mgr.Run(runCtx, simulation)
	}
	if runErr == nil {
		runErr = ws.tel.Sink.Err()
	}

	report := newRunReport(mgr, mode, phase)
	report.Duration = time.Since(start).Round(time.Millisecond).String()

	summary := stores.RunSummary{
		Executed: len(report.Executed),
		Faulted:  len(report.Faulted),
		Errors:   len(report.Errors),
	}
	report.Status = stores.RunStatusCompleted
	if runErr != nil || len(report.Errors) > 0 {
		report.Status = stores.RunStatusFailed
	}
	if runErr != nil {
		msg := runErr.Error()
		summary.Error = &msg
	}

	telemetry.EndRunContext(runCtx, string(report.Status), runErr)
	// The run context may be cancelled by now; the outcome is still recorded.
	if err := ws.store.CompleteRun(context.Background(), runID, report.Status, summary); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("Failed to record run outcome")
	}
	if !simulation {
		installed := 0
		for _, c := range report.Components {
			if c.Version != "" {
				installed++
			}
		}
		ws.tel.Metrics.SetComponentsInstalled(installed)
	}

	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", runID, runErr)
	}

	if jsonOutput {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printRunReport(report)
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("run %s finished with %d error(s)", runID, len(report.Errors))
	}
	return nil
}

func newRunReport(mgr *engine.PatchManager, mode stores.RunMode, phase string) *runReport {
	pc := mgr.Context()
	report := &runReport{
		RunID:    pc.RunID,
		Mode:     mode,
		Phase:    phase,
		Executed: []string{},
		Faulted:  []string{},
		Errors:   []string{},
	}

	for _, pass := range pc.Passes {
		report.Passes = append(report.Passes, passSummary{
			Phase:      pass.Phase,
			Number:     pass.Number,
			Executed:   len(pass.Executed),
			Faulted:    len(pass.Faulted),
			Irrelevant: len(pass.Irrelevant),
			Rejected:   len(pass.Rejected),
		})
		for _, p := range pass.Executed {
			report.Executed = append(report.Executed, fmt.Sprintf("%s (%s)", p, pass.Phase))
		}
		for _, p := range pass.Faulted {
			report.Faulted = append(report.Faulted, fmt.Sprintf("%s (%s)", p, pass.Phase))
		}
	}

	for _, e := range mgr.Errors() {
		report.Errors = append(report.Errors, e.Error())
	}

	for _, c := range pc.Components {
		cr := componentReport{ID: c.ComponentID}
		if c.Version != nil {
			cr.Version = c.Version.String()
		}
		if c.FaultyBeforeVersion != nil {
			cr.FaultyBefore = c.FaultyBeforeVersion.String()
		}
		if c.FaultyAfterVersion != nil {
			cr.FaultyAfter = c.FaultyAfterVersion.String()
		}
		report.Components = append(report.Components, cr)
	}

	return report
}

func printRunReport(r *runReport) {
	verb := "Run"
	if r.Mode == stores.RunModeSimulation {
		verb = "Simulation"
	}
	fmt.Printf("%s %s (%s phase) finished in %s\n\n", verb, r.RunID, r.Phase, r.Duration)

	if len(r.Executed) == 0 && len(r.Faulted) == 0 {
		fmt.Println("Nothing to do: every component is up to date.")
	}
	for _, p := range r.Executed {
		fmt.Printf("  ✓ %s\n", p)
	}
	for _, p := range r.Faulted {
		fmt.Printf("  ✗ %s\n", p)
	}

	if len(r.Components) > 0 {
		fmt.Println("\nComponents:")
		w := newTable(os.Stdout)
		fmt.Fprintln(w, "  ID\tVERSION\tFAULTY BEFORE\tFAULTY AFTER")
		for _, c := range r.Components {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", c.ID, orDash(c.Version), orDash(c.FaultyBefore), orDash(c.FaultyAfter))
		}
		w.Flush()
	}

	if len(r.Errors) > 0 {
		fmt.Printf("\n%d error(s):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
