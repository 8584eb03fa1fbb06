// internal/telemetry/tracer.go
// Package telemetry wires the process-global OpenTelemetry trace pipeline.
// Handlers pick tracers up through the otel globals, so the daemon calls
// InitTracer once at startup and ShutdownTracer on the way out; nothing else
// imports this package.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceVersion = "1.0.0"

// provider is retained only so ShutdownTracer can flush buffered spans.
var provider *sdktrace.TracerProvider

// InitTracer installs a tracer provider that batches spans to stdout and
// registers W3C trace context plus baggage propagation. Spans land on
// stdout; shipping them anywhere else is the collector's business.
func InitTracer(serviceName string) error {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to build trace resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create span exporter: %w", err)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

// ShutdownTracer flushes buffered spans. Safe to call when InitTracer never
// ran or failed.
func ShutdownTracer(ctx context.Context) {
	if provider == nil {
		return
	}
	if err := provider.Shutdown(ctx); err != nil {
		slog.Error("tracer provider shutdown failed", slog.String("error", err.Error()))
	}
}
