package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show installed components and recent runs",
		Long: `Show the state of every component as recorded in the package history:
the installed version and any version whose before or after phase has not
completed. The most recent runs are listed below.`,
		Example: `  # Show component state
  patchwork status

  # Show the last 20 runs
  patchwork status --runs 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			installed, err := ws.store.LoadInstalledComponents(ctx)
			if err != nil {
				return err
			}
			incomplete, err := ws.store.LoadIncompleteComponents(ctx)
			if err != nil {
				return err
			}
			components := engine.CreateComponents(installed, incomplete)

			recent, err := ws.store.ListRuns(ctx, runs, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					Components []*engine.ComponentDescriptor `json:"components"`
					Runs       []*stores.Run                 `json:"runs"`
				}{components, recent})
			}

			if len(components) == 0 {
				fmt.Println("No component installed yet.")
			} else {
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "COMPONENT\tVERSION\tFAULTY BEFORE\tFAULTY AFTER\tDESCRIPTION")
				for _, c := range components {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						c.ComponentID,
						engine.VersionString(c.Version),
						engine.VersionString(c.FaultyBeforeVersion),
						engine.VersionString(c.FaultyAfterVersion),
						c.Description)
				}
				w.Flush()
			}

			if len(recent) > 0 {
				fmt.Println("\nRecent runs:")
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "RUN\tMODE\tSTATUS\tEXECUTED\tFAULTED\tERRORS\tSTARTED")
				for _, r := range recent {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						r.ID, r.Mode, r.Status, r.Executed, r.Faulted, r.Errors, formatTime(r.StartedAt))
				}
				w.Flush()
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to show")

	return cmd
}

func newHistoryCommand() *cobra.Command {
	var (
		component string
		results   []string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded packages",
		Long: `List the package history: one row per executed patch with its version,
type, execution result and fault message, ordered by component and version.`,
		Example: `  # Full history
  patchwork history

  # History of one component
  patchwork history --component Billing

  # Packages whose after phase failed or never reported back
  patchwork history --result faulty,unfinished`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter := stores.PackageFilter{ComponentID: component, Limit: limit}
			for _, r := range results {
				result := engine.ExecutionResult(r)
				if err := result.Validate(); err != nil {
					return err
				}
				filter.Results = append(filter.Results, result)
			}

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			packages, err := ws.store.ListPackages(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(packages)
			}

			if len(packages) == 0 {
				fmt.Println("No package recorded.")
				return nil
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "COMPONENT\tVERSION\tTYPE\tRESULT\tEXECUTED\tERROR")
			for _, p := range packages {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ComponentID,
					engine.VersionString(p.ComponentVersion),
					p.PackageType,
					p.ExecutionResult,
					formatTime(p.ExecutionDate),
					orDash(p.ExecutionError))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&component, "component", "", "only list packages of this component")
	cmd.Flags().StringSliceVar(&results, "result", nil, "only list packages with these execution results")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of packages to list (0 for all)")

	return cmd
}
