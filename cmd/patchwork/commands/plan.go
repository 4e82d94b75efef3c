package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/patchwork/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the component dependency order",
		Long: `Show the order components are patched in, derived from the dependencies
of their patches, together with the installed version of each component.

The plan:
  - Groups components by dependency level (level 0 depends on nothing)
  - Marks the patches newer than the installed version as pending
  - Reports dependency cycles, which no run can resolve`,
		Example: `  # Show the plan
  patchwork plan

  # Also write a Graphviz graph
  patchwork plan --dot components.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			if err := ws.loadComponents(ctx, false); err != nil {
				return err
			}
			candidates, err := engine.CollectCandidates(ws.registry)
			if err != nil {
				return err
			}
			graph := engine.BuildDependencyGraph(candidates)

			installed, err := ws.store.LoadInstalledComponents(ctx)
			if err != nil {
				return err
			}
			state := engine.CreateComponents(installed, nil)

			log.Info().
				Int("components", len(graph.Nodes)).
				Int("patches", len(candidates)).
				Int("cycles", len(graph.Cycles)).
				Msg("Dependency graph built")

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				log.Info().Str("file", dotFile).Msg("DOT graph written")
			}

			if jsonOutput {
				return printJSON(graph)
			}

			for level, ids := range graph.Levels {
				fmt.Printf("Level %d:\n", level)
				for _, id := range ids {
					printPlanNode(graph.Nodes[id], findState(state, id))
				}
			}

			if len(graph.Cycles) > 0 {
				fmt.Printf("\n✗ %d dependency cycle(s):\n", len(graph.Cycles))
				for _, cycle := range graph.Cycles {
					fmt.Printf("  %s\n", strings.Join(cycle, " -> "))
				}
				return fmt.Errorf("component dependencies contain cycles")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format to this file")

	return cmd
}

func findState(components []*engine.ComponentDescriptor, id string) *engine.ComponentDescriptor {
	for _, c := range components {
		if c.ComponentID == id {
			return c
		}
	}
	return nil
}

func printPlanNode(node *engine.GraphNode, state *engine.ComponentDescriptor) {
	var installed *engine.Version
	if state != nil {
		installed = state.Version
	}

	deps := ""
	if len(node.Dependencies) > 0 {
		deps = " (depends on " + strings.Join(node.Dependencies, ", ") + ")"
	}
	fmt.Printf("  %s: installed %s%s\n", node.ComponentID, engine.VersionString(installed), deps)

	for _, p := range node.Patches {
		mark := " "
		if engine.CompareVersions(p.Version, installed) > 0 {
			mark = "+"
		}
		fmt.Printf("    %s %s\n", mark, p)
	}
}
