package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/stores"
	"github.com/openfroyo/patchwork/pkg/telemetry"
)

func newEventsCommand() *cobra.Command {
	var (
		runID       string
		component   string
		errorsOnly  bool
		limit       int
		fromJournal bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List patch execution log records",
		Long: `List the log records written by runs: phase boundaries, action starts and
results, skipped patches and the diagnostics of patches that could not run.

Records are read from the database, or from the NDJSON journal with
--journal when journaling is enabled.`,
		Example: `  # Records of the last runs
  patchwork events

  # Errors of one run
  patchwork events --run 3f1c... --errors

  # Records of one component, read from the journal
  patchwork events --component Billing --journal`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			var events []*stores.Event
			if fromJournal {
				events, err = journalEvents(ws.cfg.JournalPath(), runID, component, errorsOnly)
				if err == nil && limit > 0 && len(events) > limit {
					events = events[len(events)-limit:]
				}
			} else {
				events, err = ws.store.GetEvents(ctx, stores.EventFilter{
					RunID:       runID,
					ComponentID: component,
					ErrorsOnly:  errorsOnly,
					Limit:       limit,
				})
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}

			if len(events) == 0 {
				fmt.Println("No event recorded.")
				return nil
			}

			w := newTable(os.Stdout)
			fmt.Fprintln(w, "TIME\tRUN\tPHASE\tPASS\tTYPE\tPATCH\tMESSAGE")
			for _, e := range events {
				patch := "-"
				if e.ComponentID != nil {
					patch = fmt.Sprintf("%s %s %s", *e.ComponentID, deref(e.PatchType), deref(e.PatchVersion))
				}
				typ := e.Type
				if e.IsError {
					typ = "✗ " + typ
				}
				if e.Simulation {
					typ += " (sim)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					formatTime(e.Timestamp), shortID(e.RunID), e.Phase, e.Pass, typ, patch, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "only list records of this run")
	cmd.Flags().StringVar(&component, "component", "", "only list records of this component")
	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "only list error records")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of records to list (0 for all)")
	cmd.Flags().BoolVar(&fromJournal, "journal", false, "read records from the NDJSON journal")

	return cmd
}

// journalEvents reads the journal at path and converts the matching records.
func journalEvents(path, runID, component string, errorsOnly bool) ([]*stores.Event, error) {
	var filters []telemetry.RecordFilter
	if runID != "" {
		filters = append(filters, telemetry.FilterByRunID(runID))
	}
	if component != "" {
		filters = append(filters, telemetry.FilterByComponent(component))
	}
	if errorsOnly {
		filters = append(filters, telemetry.FilterErrors())
	}

	records, err := telemetry.ReadJournal(path, func(r engine.PatchExecutionLogRecord) bool {
		for _, f := range filters {
			if !f(r) {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	events := make([]*stores.Event, 0, len(records))
	for _, r := range records {
		events = append(events, stores.EventFromRecord(r))
	}
	return events, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
