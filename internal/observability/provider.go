package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/firstaid/assistant/internal/config"
)

const (
	serviceName      = "firstaid-api"
	cardinalityLimit = 2000
)

// Stage durations are dominated by model calls, so buckets reach well past the default generation timeout.
var stageDurationBounds = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// newResource returns a resource with service name "firstaid-api" merged with default.
func newResource() (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("merge resource: %w", err)
	}

	return res, nil
}

// NewMeterProvider creates a MeterProvider for cfg.OtelMetricsExporter ("otlp" push or "prometheus" pull).
// For "prometheus" it also returns the /metrics handler; for "otlp" the handler is nil.
// When the exporter is empty or unknown, returns (nil, nil, nil).
func NewMeterProvider(cfg *config.Config) (*sdkmetric.MeterProvider, http.Handler, error) {
	if cfg == nil {
		return nil, nil, nil
	}

	var (
		reader  sdkmetric.Reader
		handler http.Handler
	)

	switch cfg.OtelMetricsExporter {
	case "otlp":
		// SDK reads OTEL_EXPORTER_OTLP_ENDPOINT (and scheme/insecure) from env.
		exp, err := otlpmetrichttp.New(context.Background())
		if err != nil {
			return nil, nil, fmt.Errorf("create OTLP metric exporter: %w", err)
		}

		const metricExportInterval = 60 * time.Second

		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(metricExportInterval))
	case "prometheus":
		reg := prometheus.NewRegistry()

		exp, err := prometheusexporter.New(prometheusexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}

		reader = exp
		handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	default:
		return nil, nil, nil
	}

	res, err := newResource()
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	view := sdkmetric.NewView(
		sdkmetric.Instrument{Name: "firstaid_*_duration_seconds"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: stageDurationBounds}},
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(view),
		sdkmetric.WithCardinalityLimit(cardinalityLimit),
	)

	return provider, handler, nil
}

// ShutdownMeterProvider flushes and shuts down the MeterProvider. Safe to call with nil.
func ShutdownMeterProvider(ctx context.Context, provider *sdkmetric.MeterProvider) error {
	if provider == nil {
		return nil
	}

	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}

	return nil
}

// NewTracerProvider creates a TracerProvider when tracing is enabled.
// When cfg.OtelTracesExporter is empty or unknown, returns (nil, nil).
func NewTracerProvider(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if cfg == nil || cfg.OtelTracesExporter == "" {
		//nolint:nilnil // intentional: tracing disabled, caller checks for nil
		return nil, nil
	}

	var (
		exp sdktrace.SpanExporter
		err error
	)

	switch cfg.OtelTracesExporter {
	case "otlp":
		exp, err = newOTLPTraceExporter(context.Background())
	case "stdout":
		exp, err = newStdoutTraceExporter()
	default:
		//nolint:nilnil // unknown exporter value: treat as disabled, caller checks for nil
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	res, err := newResource()
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(newSampler()),
	), nil
}

// ShutdownTracerProvider flushes and shuts down the TracerProvider. Safe to call with nil.
func ShutdownTracerProvider(ctx context.Context, provider *sdktrace.TracerProvider) error {
	if provider == nil {
		return nil
	}

	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer provider shutdown: %w", err)
	}

	return nil
}
