package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// Tracer wraps the OpenTelemetry tracer. Besides plain spans it turns the
// engine's log records into one span per phase and one child span per
// executed action.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig

	mu    sync.Mutex
	spans map[string]openSpan
}

type openSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(serviceName),
			config:   cfg,
			spans:    make(map[string]openSpan),
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		// Spans are recorded but not exported.
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return NewTracerWithExporter(cfg, exporter, serviceName, serviceVersion, environment)
}

// NewTracerWithExporter creates a tracer exporting synchronously to exporter.
// exporter may be nil.
func NewTracerWithExporter(cfg TracingConfig, exporter sdktrace.SpanExporter, serviceName, serviceVersion, environment string) (*Tracer, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		// A run is short-lived; export at span end so nothing is lost on exit.
		opts = append(opts, sdktrace.WithSyncer(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
		spans:    make(map[string]openSpan),
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	if cfg.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	}

	return otlptracegrpc.New(context.Background(), opts...)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID string, simulation bool) (context.Context, trace.Span) {
	return t.Start(ctx, "patchwork.run",
		AttrRunID.String(runID),
		AttrSimulation.Bool(simulation),
	)
}

func phaseKey(r engine.PatchExecutionLogRecord) string {
	return r.RunID + "|" + string(r.Phase)
}

func patchKey(r engine.PatchExecutionLogRecord) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", r.RunID, r.Phase, r.Patch.ComponentID, r.Patch.Type, engine.VersionString(r.Patch.Version))
}

// ObserveRecord opens and closes spans for an engine log record. Phase
// spans are children of the span in ctx; action spans are children of their
// phase span.
func (t *Tracer) ObserveRecord(ctx context.Context, r engine.PatchExecutionLogRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch r.Type {
	case engine.EventPhaseStarted:
		sctx, span := t.tracer.Start(ctx, "patchwork.phase."+string(r.Phase), trace.WithAttributes(
			AttrRunID.String(r.RunID),
			AttrPhase.String(string(r.Phase)),
			AttrSimulation.Bool(r.Simulation),
		))
		t.spans[phaseKey(r)] = openSpan{ctx: sctx, span: span}

	case engine.EventPhaseFinished:
		if s, ok := t.spans[phaseKey(r)]; ok {
			s.span.SetAttributes(attribute.String("phase.result", r.Message))
			RecordSuccess(s.span)
			s.span.End()
			delete(t.spans, phaseKey(r))
		}

	case engine.EventOnBeforeActionStarts, engine.EventOnAfterActionStarts:
		if r.Patch == nil {
			return
		}
		parent := ctx
		if s, ok := t.spans[phaseKey(r)]; ok {
			parent = s.ctx
		}
		sctx, span := t.tracer.Start(parent, "patchwork.action", trace.WithAttributes(
			AttrRunID.String(r.RunID),
			AttrPhase.String(string(r.Phase)),
			AttrPass.Int(r.Pass),
			AttrComponentID.String(r.Patch.ComponentID),
			AttrVersion.String(engine.VersionString(r.Patch.Version)),
			AttrPatchType.String(string(r.Patch.Type)),
		))
		t.spans[patchKey(r)] = openSpan{ctx: sctx, span: span}

	case engine.EventOnBeforeActionFinished, engine.EventOnAfterActionFinished,
		engine.EventExecutionErrorOnBefore, engine.EventExecutionError:
		if r.Patch == nil {
			return
		}
		s, ok := t.spans[patchKey(r)]
		if !ok {
			return
		}
		if r.Type.IsError() {
			RecordError(s.span, errors.New(r.Message))
		} else {
			RecordSuccess(s.span)
		}
		s.span.End()
		delete(t.spans, patchKey(r))

	default:
		if !r.Type.IsError() {
			return
		}
		s, ok := t.spans[phaseKey(r)]
		if !ok {
			return
		}
		attrs := []attribute.KeyValue{AttrErrorMessage.String(r.Message)}
		if r.Patch != nil {
			attrs = append(attrs, AttrComponentID.String(r.Patch.ComponentID))
		}
		s.span.AddEvent(string(r.Type), trace.WithAttributes(attrs...))
	}
}

// EndAll ends every span still open, marking them failed with err. It is
// used when a phase aborts before finishing.
func (t *Tracer) EndAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, s := range t.spans {
		if err != nil {
			RecordError(s.span, err)
		}
		s.span.End()
		delete(t.spans, key)
	}
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.EndAll(nil)
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush forces all pending spans to be exported immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Attribute keys used on patchwork spans.
var (
	AttrRunID        = attribute.Key("patchwork.run.id")
	AttrSimulation   = attribute.Key("patchwork.simulation")
	AttrPhase        = attribute.Key("patchwork.phase")
	AttrPass         = attribute.Key("patchwork.pass")
	AttrComponentID  = attribute.Key("patchwork.component.id")
	AttrVersion      = attribute.Key("patchwork.patch.version")
	AttrPatchType    = attribute.Key("patchwork.patch.type")
	AttrErrorMessage = attribute.Key("error.message")
)
