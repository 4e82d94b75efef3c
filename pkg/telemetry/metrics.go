package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// Metrics provides Prometheus metrics for patch runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Phase metrics
	phasePasses *prometheus.CounterVec

	// Patch metrics
	patchesExecuted *prometheus.CounterVec
	patchesSkipped  *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	// Error metrics
	errorsByType *prometheus.CounterVec

	// Component metrics
	componentsInstalled prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of patch runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of patch runs completed",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of patch runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		phasePasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_runs_total",
				Help:      "Total number of phases run",
			},
			[]string{"phase"},
		),

		patchesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patches_executed_total",
				Help:      "Total number of patch actions executed",
			},
			[]string{"phase", "patch_type", "result"},
		),
		patchesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patches_skipped_total",
				Help:      "Total number of patches found irrelevant",
			},
			[]string{"phase"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of patch actions in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "component"},
		),

		errorsByType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of error records by event type",
			},
			[]string{"type"},
		),

		componentsInstalled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "components_installed",
				Help:      "Number of components with a successfully installed version",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.phasePasses,
		m.patchesExecuted,
		m.patchesSkipped,
		m.actionDuration,
		m.errorsByType,
		m.componentsInstalled,
	)

	return m, nil
}

// Registry returns the registry the metrics are registered with, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(simulation bool) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(modeLabel(simulation)).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(simulation bool, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	mode := modeLabel(simulation)
	m.runsCompleted.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetComponentsInstalled sets the number of installed components.
func (m *Metrics) SetComponentsInstalled(count int) {
	if m.componentsInstalled == nil {
		return
	}
	m.componentsInstalled.Set(float64(count))
}

// ObserveRecord updates the metrics for one engine log record.
func (m *Metrics) ObserveRecord(record engine.PatchExecutionLogRecord) {
	if m.registry == nil {
		return
	}

	phase := string(record.Phase)
	switch record.Type {
	case engine.EventPhaseStarted:
		m.phasePasses.WithLabelValues(phase).Inc()
	case engine.EventPatchSkipped:
		m.patchesSkipped.WithLabelValues(phase).Inc()
	case engine.EventOnBeforeActionFinished, engine.EventOnAfterActionFinished:
		m.observeAction(record, "successful")
	case engine.EventExecutionErrorOnBefore, engine.EventExecutionError:
		m.observeAction(record, "faulty")
	}

	if record.Type.IsError() {
		m.errorsByType.WithLabelValues(string(record.Type)).Inc()
	}
}

func (m *Metrics) observeAction(record engine.PatchExecutionLogRecord, result string) {
	patchType, component := "", ""
	if record.Patch != nil {
		patchType = string(record.Patch.Type)
		component = record.Patch.ComponentID
	}
	m.patchesExecuted.WithLabelValues(string(record.Phase), patchType, result).Inc()
	if !record.Simulation {
		m.actionDuration.WithLabelValues(string(record.Phase), component).Observe(record.Duration.Seconds())
	}
}

func modeLabel(simulation bool) string {
	if simulation {
		return "simulation"
	}
	return "real"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. errs receives
// the server error, if it stops for any reason other than Shutdown.
func (m *Metrics) StartMetricsServer(errs chan<- error) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errs != nil {
			errs <- err
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
