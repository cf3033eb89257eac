// -------------------------------------------------------------------------------
// Tracing - OpenTelemetry Setup and Helpers
//
// Author: Alex Freidah
//
// Configures the global OpenTelemetry tracer provider with an OTLP gRPC exporter
// when tracing is enabled. When disabled, the global no-op provider stays in
// place so span helpers remain safe to call from every package.
// -------------------------------------------------------------------------------

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/afreidah/shortlinkd/internal/config"
)

const tracerName = "github.com/afreidah/shortlinkd"

// Common span attribute keys.
var (
	AttrShortCode = attribute.Key("shortlink.code")
	AttrPipeline  = attribute.Key("shortlink.pipeline")
	AttrOperation = attribute.Key("shortlink.operation")
	AttrBatchSize = attribute.Key("shortlink.batch_size")
	AttrCacheHit  = attribute.Key("shortlink.cache_hit")
	AttrRequestID = attribute.Key("shortlink.request_id")
)

// InitTracer installs a global tracer provider exporting to the configured
// OTLP endpoint. Returns a shutdown function that flushes pending spans.
func InitTracer(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "shortlinkd"),
		attribute.String("service.version", Version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StorageAttributes returns span attributes for a storage backend call.
func StorageAttributes(operation, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrOperation.String(operation)}
	if code != "" {
		attrs = append(attrs, AttrShortCode.String(code))
	}
	return attrs
}

// FlushAttributes returns span attributes for a pipeline flush.
func FlushAttributes(pipeline string, batchSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPipeline.String(pipeline),
		AttrBatchSize.Int(batchSize),
	}
}

// RequestAttributes returns span attributes for an HTTP request.
func RequestAttributes(method, path, remote, requestID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.target", path),
		attribute.String("net.peer.addr", remote),
		AttrRequestID.String(requestID),
	}
}
