package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "livecast"

// TracerProvider wraps OpenTelemetry tracer provider
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config contains tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	SampleRate  float64
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "livecast",
		JaegerURL:   "http://localhost:14268/api/traces",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-backed global tracer provider. With tracing
// disabled the global no-op provider stays in place and spans cost nothing.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records err on the current span and marks it failed. A nil
// error is ignored.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// End records err (if any) on span and ends it. Meant for
// `defer func() { tracing.End(span, err) }()`.
func End(span trace.Span, err error) {
	if err != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Common span attributes
var (
	StreamIDKey      = attribute.Key("stream.id")
	ParticipantIDKey = attribute.Key("participant.id")
	RemoteIDKey      = attribute.Key("remote.id")
	RoleKey          = attribute.Key("negotiation.role")
	EventKey         = attribute.Key("signal.event")
)

// TraceNegotiation starts a span for one WebRTC negotiation step.
func TraceNegotiation(ctx context.Context, step, remoteID, role string) (context.Context, trace.Span) {
	return StartSpan(ctx, "webrtc."+step,
		trace.WithAttributes(
			RemoteIDKey.String(remoteID),
			RoleKey.String(role),
		),
	)
}

// TraceSignal starts a span for a signaling request/response round trip.
func TraceSignal(ctx context.Context, event string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+event,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(EventKey.String(event)),
	)
}

// TraceHTTPRequest starts a server span for one relay HTTP request.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// TraceStream starts a span for a stream lifecycle operation.
func TraceStream(ctx context.Context, operation, streamID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "stream."+operation,
		trace.WithAttributes(StreamIDKey.String(streamID)),
	)
}
