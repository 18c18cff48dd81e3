// Package telemetry wires OpenTelemetry metrics and tracing for kurodb
// binaries. Metrics are exported through Prometheus on an HTTP endpoint;
// the engine itself only bumps atomic counters, observable instruments
// registered by the binary pull from them.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the entire telemetry system on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName is the name of the service that will appear in traces and metrics.
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port on which to expose the /metrics endpoint.
	PrometheusPort int `yaml:"prometheus_port"`
	// TraceSampleRatio is the fraction of traces to sample (e.g., 0.01 for 1%).
	// Defaults to 1.0 (always sample) if not set or invalid.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry represents the active telemetry components.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// ShutdownFunc is a function that gracefully shuts down the telemetry providers.
type ShutdownFunc func(ctx context.Context) error

// New initializes the OpenTelemetry SDK for metrics and tracing. It sets up
// a Prometheus exporter for metrics and returns the active components plus a
// shutdown function. With Enabled=false it returns no-op providers so callers
// never need to branch.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{
			Tracer: nooptrace.NewTracerProvider().Tracer(""),
			Meter:  noop.NewMeterProvider().Meter(""),
		}, func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	// Expose the Prometheus metrics endpoint.
	go func() {
		addr := fmt.Sprintf(":%d", config.PrometheusPort)
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, nil); err != nil {
			otel.Handle(fmt.Errorf("prometheus http server failed: %w", err))
		}
	}()

	sampleRatio := config.TraceSampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1.0
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRatio)),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
	}

	// The shutdown function ensures all buffered telemetry is exported.
	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
		return nil
	}

	return tel, shutdown, nil
}
