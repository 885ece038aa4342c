package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

func newResource(serviceName string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
}

const tracerName = "github.com/agentmesh/orchestrator-core"

// Tracer returns the package tracer; the engine opens one span with it,
// "workflow.execute", around each workflow run.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTracing wires a TracerProvider for serviceName. When otlpEndpoint is
// empty it exports to stdout (the teacher's local-dev default); otherwise
// it dials the given OTLP/gRPC collector. The returned shutdown func must
// be called on process exit.
func InitTracing(ctx context.Context, serviceName, otlpEndpoint string) (shutdown func(context.Context) error, err error) {
	var exporter sdktrace.SpanExporter
	if otlpEndpoint == "" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(otlpEndpoint), otlptracegrpc.WithInsecure())
	}
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(serviceName)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a span named op under the engine tracer.
func StartSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, op)
}

// SetSpanAttributes mirrors the teacher's telemetry.SetSpanAttributes:
// attach key/value pairs to the active span without the caller needing to
// know whether tracing is enabled.
func SetSpanAttributes(ctx context.Context, attrs map[string]string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	span.SetAttributes(kv...)
}

// AddSpanEvent mirrors the teacher's telemetry.AddSpanEvent.
func AddSpanEvent(ctx context.Context, name string, attrs map[string]string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	span.AddEvent(name, trace.WithAttributes(kv...), trace.WithTimestamp(time.Now()))
}

// RecordSpanError mirrors the teacher's telemetry.RecordSpanError.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SpanContextFromContext returns the active trace id as a string, or "" if
// there is no recording span — used to stitch trace ids into log lines.
func SpanContextFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
