package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerScope = "github.com/firstaid/assistant"

// StartSpan starts a span on the global tracer. With no tracer provider installed it is a no-op span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	//nolint:spancheck // caller ends the span
	return otel.Tracer(tracerScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// newOTLPTraceExporter creates an OTLP HTTP trace exporter. The SDK reads
// OTEL_EXPORTER_OTLP_ENDPOINT (and scheme/insecure) from the environment.
func newOTLPTraceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP HTTP trace exporter: %w", err)
	}

	return exp, nil
}

func newStdoutTraceExporter() (sdktrace.SpanExporter, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	return exp, nil
}

// newSampler honours the standard OTEL_TRACES_SAMPLER / OTEL_TRACES_SAMPLER_ARG variables.
// Empty or unknown values mean parentbased_always_on.
func newSampler() sdktrace.Sampler {
	ratio := parseTraceIDRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))

	switch os.Getenv("OTEL_TRACES_SAMPLER") {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

func parseTraceIDRatio(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f > 1 {
		return 1
	}

	return f
}
