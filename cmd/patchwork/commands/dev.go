package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/patchwork/pkg/config"
	"github.com/openfroyo/patchwork/pkg/policy"
	"github.com/openfroyo/patchwork/pkg/stores"
)

func newDevCommand() *cobra.Command {
	var (
		watch bool
		delay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Simulate runs while editing definitions",
		Long: `Simulate a run, then simulate again whenever a component definition or
an admission policy changes.

Nothing is executed and nothing is stored. Each simulation starts from the
recorded package history, so the output shows what 'start' would do with
the definitions as they are on disk.`,
		Example: `  # Simulate once
  patchwork dev

  # Keep simulating on every change
  patchwork dev --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close(context.Background())

			if err := ws.loadComponents(ctx, false); err != nil {
				return err
			}
			if err := ws.loadPolicies(ctx); err != nil {
				return err
			}

			d := &devSession{ws: ws}
			d.simulate(ctx)
			if !watch {
				return nil
			}

			log.Info().
				Strs("components", ws.cfg.Components.Paths).
				Strs("policies", ws.cfg.Policy.Paths).
				Dur("delay", delay).
				Msg("Watching for changes (Ctrl+C to stop)")

			var wg sync.WaitGroup
			if ws.policies != nil && len(ws.cfg.Policy.Paths) > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					loader := policy.NewLoader(ws.logger)
					err := loader.Watch(ctx, ws.cfg.Policy.Paths, delay, func() {
						d.reloadPolicies(ctx)
					})
					if err != nil {
						log.Error().Err(err).Msg("Policy watcher stopped")
					}
				}()
			}

			watcher := config.NewWatcher(ws.loader, ws.cfg.Components.Paths, delay, ws.logger)
			err = watcher.Run(ctx, func(set *config.DefinitionSet, err error) {
				d.reloadDefinitions(ctx, set, err)
			})
			wg.Wait()
			return err
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "simulate again on every definition or policy change")
	cmd.Flags().DurationVar(&delay, "delay", config.DefaultWatchDelay, "wait this long for more changes before reloading")

	return cmd
}

// devSession serializes reloads and simulations coming from both watchers.
type devSession struct {
	mu sync.Mutex
	ws *workspace
}

func (d *devSession) reloadDefinitions(ctx context.Context, set *config.DefinitionSet, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		fmt.Printf("✗ Failed to load definitions: %v\n", err)
		return
	}
	if set.HasErrors() {
		fmt.Println("✗ Definitions have errors, keeping the previous ones:")
		for _, e := range set.Errors {
			fmt.Printf("  %s %s\n", severityMark(e.Severity), e.String())
		}
		return
	}
	if err := d.ws.registry.Replace(set, nil); err != nil {
		fmt.Printf("✗ Failed to register definitions: %v\n", err)
		return
	}
	fmt.Printf("\n✓ Reloaded %d component(s)\n", len(set.Components))
	d.simulateLocked(ctx)
}

func (d *devSession) reloadPolicies(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := d.ws.cfg.Policy
	if err := d.ws.policies.ReloadPolicies(ctx, cfg.Builtin, cfg.Paths); err != nil {
		fmt.Printf("✗ Failed to reload policies, keeping the previous ones: %v\n", err)
		return
	}
	fmt.Printf("\n✓ Reloaded %d policies\n", len(d.ws.policies.ListPolicies()))
	d.simulateLocked(ctx)
}

func (d *devSession) simulate(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.simulateLocked(ctx)
}

func (d *devSession) simulateLocked(ctx context.Context) {
	// Each simulation needs a fresh manager: a manager holds one run.
	if d.ws.policies != nil {
		d.ws.policies.ForgetVerdicts()
	}
	mgr, err := d.ws.newManager(d.ws.tel.Sink)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return
	}

	start := time.Now()
	if err := mgr.Run(ctx, true); err != nil {
		if ctx.Err() == nil {
			fmt.Printf("✗ Simulation failed: %v\n", err)
		}
		return
	}

	report := newRunReport(mgr, stores.RunModeSimulation, phaseAll)
	report.Duration = time.Since(start).Round(time.Millisecond).String()
	if jsonOutput {
		if err := printJSON(report); err != nil {
			log.Error().Err(err).Msg("Failed to print report")
		}
		return
	}
	printRunReport(report)
}
