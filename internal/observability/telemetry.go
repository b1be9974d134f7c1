package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TelemetryConfig controls the OpenTelemetry bootstrap.
type TelemetryConfig struct {
	// Enabled turns the tracer and meter providers on. When false the
	// global no-op providers stay in place and Setup is free.
	Enabled bool
	// ServiceName tags exported telemetry. Default "toolgate".
	ServiceName string
	// ServiceVersion tags exported telemetry.
	ServiceVersion string
	// Writer receives the exported spans and metrics. Default os.Stdout.
	Writer io.Writer
	// MetricInterval is the periodic reader's export cadence.
	// Default 60s.
	MetricInterval time.Duration
}

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// SetupTelemetry installs global tracer and meter providers backed by the
// stdout exporters. Spans and metrics are recorded through the otel
// globals, so a disabled config leaves everything on the no-op path.
// The returned shutdown must be called before exit to flush.
func SetupTelemetry(cfg TelemetryConfig) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "toolgate"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.MetricInterval == 0 {
		cfg.MetricInterval = 60 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := stdoutmetric.New(
		stdoutmetric.WithEncoder(json.NewEncoder(cfg.Writer)),
	)
	if err != nil {
		shutdownErr := tracerProvider.Shutdown(context.Background())
		return nil, errors.Join(err, shutdownErr)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(cfg.MetricInterval),
		)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	return func(ctx context.Context) error {
		return errors.Join(
			tracerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
		)
	}, nil
}
