package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mercator-hq/costguard/pkg/config"
)

// InstrumentationName names the tracer costguard components create spans on.
const InstrumentationName = "mercator-hq/costguard"

// Tracer owns the process tracer provider. When tracing is disabled it hands
// out a noop provider, so components can be wired the same way in both
// cases.
type Tracer struct {
	config   *config.TracingConfig
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// Option configures a Tracer.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
	global   bool
	version  string
}

// WithExporter replaces the OTLP exporter. Spans are exported synchronously.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithGlobal installs the provider and the W3C propagators as the otel
// globals.
func WithGlobal() Option {
	return func(o *options) { o.global = true }
}

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New creates a Tracer from cfg. The caller must Shutdown it to flush
// pending spans.
func New(ctx context.Context, cfg *config.TracingConfig, opts ...Option) (*Tracer, error) {
	if cfg == nil {
		return nil, errors.New("tracing config is nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t := &Tracer{config: cfg, enabled: cfg.Enabled}
	if !cfg.Enabled {
		t.provider = noop.NewTracerProvider()
		t.tracer = t.provider.Tracer(InstrumentationName)
		return t, nil
	}

	sampler, err := newSampler(cfg.SampleRatio)
	if err != nil {
		return nil, fmt.Errorf("failed to create sampler: %w", err)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName(cfg))}
	if o.version != "" {
		attrs = append(attrs, attribute.String("service.version", o.version))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if o.exporter != nil {
		providerOpts = append(providerOpts, sdktrace.WithSyncer(o.exporter))
	} else {
		exp, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exp))
	}

	t.sdk = sdktrace.NewTracerProvider(providerOpts...)
	t.provider = t.sdk
	t.tracer = t.sdk.Tracer(InstrumentationName)

	if o.global {
		otel.SetTracerProvider(t.sdk)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	return t, nil
}

func serviceName(cfg *config.TracingConfig) string {
	if cfg.ServiceName == "" {
		return config.DefaultTracingService
	}
	return cfg.ServiceName
}

// newOTLPExporter dials lazily; an unreachable collector does not fail
// startup.
func newOTLPExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.Timeout))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exp, nil
}

// Provider returns the provider to hand to components' WithTracerProvider.
func (t *Tracer) Provider() trace.TracerProvider {
	return t.provider
}

// Start creates a span on the costguard tracer.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Enabled reports whether spans are recorded.
func (t *Tracer) Enabled() bool {
	return t.enabled
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.Shutdown(ctx)
}

// TraceID returns the trace id carried by ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// SetStatus records err on span and marks it failed, or marks it OK when err
// is nil.
func SetStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
