package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/patchwork/pkg/components"
	"github.com/openfroyo/patchwork/pkg/config"
	"github.com/openfroyo/patchwork/pkg/engine"
)

// validationReport is the outcome of validate.
type validationReport struct {
	Files       []string                 `json:"files"`
	Components  int                      `json:"components"`
	Patches     int                      `json:"patches"`
	Definitions []config.ValidationError `json:"definitions"`
	Patch       []patchFinding           `json:"patch"`
	Cycles      [][]string               `json:"cycles,omitempty"`
}

type patchFinding struct {
	Patch    string `json:"patch"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func (r *validationReport) errorCount(strict bool) int {
	n := len(r.Cycles)
	for _, e := range r.Definitions {
		if e.Severity == config.SeverityError || strict {
			n++
		}
	}
	for _, f := range r.Patch {
		if f.Severity == config.SeverityError || strict {
			n++
		}
	}
	return n
}

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate component definitions",
		Long: `Validate component definitions without running anything.

This command checks:
  - CUE and YAML syntax
  - Schema conformance of every definition
  - Structural validity of every patch
  - Admission policies (Rego), when enabled
  - Dependency cycles between components`,
		Example: `  # Validate the configured component paths
  patchwork validate

  # Validate a specific directory
  patchwork validate ./components

  # Fail on warnings too
  patchwork validate --strict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			paths := ws.cfg.Components.Paths
			if len(args) > 0 {
				paths = args
			}

			log.Info().
				Strs("paths", paths).
				Bool("strict", strict).
				Msg("Validating component definitions")

			set, err := ws.loader.Load(ctx, paths)
			if err != nil {
				return err
			}

			report := &validationReport{
				Files:       set.SourceFiles,
				Components:  len(set.Components),
				Definitions: set.Errors,
				Patch:       []patchFinding{},
			}

			if !set.HasErrors() {
				if err := ws.loadPolicies(ctx); err != nil {
					return err
				}
				registry, err := components.FromDefinitions(set, nil, ws.logger)
				if err != nil {
					return err
				}
				if err := validatePatches(cmd, ws, registry, report); err != nil {
					return err
				}
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printValidationReport(report)
			}

			if n := report.errorCount(strict); n > 0 {
				return fmt.Errorf("validation failed with %d problem(s)", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")

	return cmd
}

func validatePatches(cmd *cobra.Command, ws *workspace, registry *components.Registry, report *validationReport) error {
	ctx := cmd.Context()

	patches, err := engine.CollectCandidates(registry)
	if err != nil {
		return err
	}
	report.Patches = len(patches)

	for _, p := range patches {
		if err := p.Validate(); err != nil {
			report.Patch = append(report.Patch, patchFinding{
				Patch:    p.String(),
				Severity: config.SeverityError,
				Message:  err.Error(),
			})
			continue
		}
		if ws.policies == nil {
			continue
		}
		result, err := ws.policies.EvaluatePatch(ctx, p)
		if err != nil {
			return err
		}
		for _, v := range result.Violations {
			report.Patch = append(report.Patch, patchFinding{
				Patch:    p.String(),
				Severity: config.SeverityError,
				Message:  v.String(),
			})
		}
		for _, v := range result.Warnings {
			report.Patch = append(report.Patch, patchFinding{
				Patch:    p.String(),
				Severity: config.SeverityWarning,
				Message:  v.String(),
			})
		}
	}

	report.Cycles = engine.BuildDependencyGraph(patches).Cycles
	return nil
}

func printValidationReport(r *validationReport) {
	for _, e := range r.Definitions {
		fmt.Printf("  %s %s\n", severityMark(e.Severity), e.String())
	}
	for _, f := range r.Patch {
		fmt.Printf("  %s %s: %s\n", severityMark(f.Severity), f.Patch, f.Message)
	}
	for _, c := range r.Cycles {
		fmt.Printf("  ✗ dependency cycle: %v\n", c)
	}

	fmt.Printf("\n✓ Checked %d file(s), %d component(s), %d patch(es)\n", len(r.Files), r.Components, r.Patches)
}

func severityMark(severity string) string {
	if severity == config.SeverityError {
		return "✗"
	}
	return "!"
}
