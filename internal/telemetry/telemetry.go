// Package telemetry wires OpenTelemetry trace and metric providers with
// stdout exporters. The providers are registered globally so instrumented
// code can pick them up through the otel API.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Providers bundles the configured providers for shutdown.
type Providers struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
}

// Setup installs stdout-exporting trace and metric providers as the global
// otel providers. interval controls metric export cadence; zero selects
// 30 seconds.
func Setup(serviceName, version string, interval time.Duration) (*Providers, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
		attribute.String("library.language", "go"),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tracer := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracer)
	otel.SetMeterProvider(meter)

	return &Providers{tracer: tracer, meter: meter}, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.tracer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutdown tracer provider: %w", err)
	}
	if err := p.meter.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown meter provider: %w", err)
	}
	return firstErr
}
