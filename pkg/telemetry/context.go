package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics, journal and the record
// sink built on them.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Journal *Journal
	Sink    *Sink
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger creates a telemetry instance around an existing
// logger. cfg.Logging is ignored.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Sink:    NewSink(logger.NewComponentLogger("patch-log"), metrics, tracer),
		Config:  cfg,
	}

	if cfg.Journal.Enabled {
		journal, err := OpenJournal(cfg.Journal.Path)
		if err != nil {
			_ = tracer.Shutdown(context.Background())
			return nil, err
		}
		t.Journal = journal
		t.Sink.SubscribeJournal(journal)
	}

	return t, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes and closes every component.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.Journal != nil {
		errs = append(errs, t.Journal.Close())
	}
	errs = append(errs, t.Tracer.Shutdown(ctx), t.Metrics.Shutdown(ctx), t.Logger.Close())
	return errors.Join(errs...)
}

// StartMetricsServer starts the metrics HTTP server if it is configured.
func (t *Telemetry) StartMetricsServer() error {
	errs := make(chan error, 1)
	if err := t.Metrics.StartMetricsServer(errs); err != nil {
		return err
	}
	go func() {
		for err := range errs {
			t.Logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	return nil
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.Start(ctx, operation, attrs...)
	logger := tel.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// runKey is the context key for run state.
type runKey struct{}

type runState struct {
	span       trace.Span
	timer      *Timer
	simulation bool
}

// WithRunContext starts the span and metrics of a run.
func WithRunContext(ctx context.Context, runID string, simulation bool) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, simulation)
	spanCtx = tel.Logger.WithRunID(runID).WithContext(spanCtx)
	tel.Metrics.RecordRunStarted(simulation)

	return context.WithValue(spanCtx, runKey{}, &runState{span: span, timer: NewTimer(), simulation: simulation})
}

// EndRunContext completes the run started by WithRunContext.
func EndRunContext(ctx context.Context, status string, err error) {
	tel := FromTelemetryContext(ctx)
	state, ok := ctx.Value(runKey{}).(*runState)
	if tel == nil || !ok {
		return
	}

	tel.Tracer.EndAll(err)
	if err != nil {
		RecordError(state.span, err)
	} else {
		RecordSuccess(state.span)
	}
	state.span.End()

	tel.Metrics.RecordRunCompleted(state.simulation, status, state.timer.Duration())
}
