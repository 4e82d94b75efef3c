// Package telemetry provides observability for patchwork runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an append-only NDJSON journal behind a single
// engine.LogSink, so every record the patch manager emits is observed the
// same way.
//
// # Usage
//
// Initialize telemetry at startup and hand its sink to the patch manager:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	ctx = telemetry.WithRunContext(ctx, runID, false)
//
//	mgr, err := engine.NewPatchManager(engine.ManagerConfig{
//	    Sink: tel.Sink,
//	    // ...
//	})
//	err = mgr.Run(ctx, false)
//	telemetry.EndRunContext(ctx, "completed", err)
//
// # Sink
//
// Sink.Log writes the record to the logger, updates the metrics, opens or
// closes the matching span and then calls the subscribers. Subscribers are
// synchronous; use one to persist records:
//
//	tel.Sink.Subscribe("store", func(ctx context.Context, r engine.PatchExecutionLogRecord) error {
//	    return store.AppendEvent(ctx, stores.EventFromRecord(r))
//	}, nil)
//
// Filters: FilterErrors, FilterByType, FilterByRunID, FilterByComponent.
//
// # Tracing
//
// A run span is opened by WithRunContext. Each phase gets a child span and
// each executed action a span below its phase. Spans left open when a phase
// aborts are closed by EndRunContext.
//
// # Metrics
//
//   - patchwork_runs_started_total{mode}
//   - patchwork_runs_completed_total{mode,status}
//   - patchwork_run_duration_seconds{mode}
//   - patchwork_phase_runs_total{phase}
//   - patchwork_patches_executed_total{phase,patch_type,result}
//   - patchwork_patches_skipped_total{phase}
//   - patchwork_action_duration_seconds{phase,component}
//   - patchwork_errors_total{type}
//   - patchwork_components_installed
//
// Metrics are served over HTTP when MetricsConfig.ListenAddress is set.
package telemetry
