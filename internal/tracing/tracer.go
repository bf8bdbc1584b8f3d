// Package tracing sets up OpenTelemetry for the relay and provides the spans
// used along a routed request: the server span, one span per upstream attempt,
// the upstream HTTP call, and active health probes.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "github.com/allaspectsdev/llmrelay"
	defaultServiceName = "llmrelay"
)

// Exporter names accepted by Options.Exporter.
const (
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Tracer returns the relay's tracer from the global provider. Before Init it
// is a no-op tracer, so instrumented code never has to check.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Options configures the exporter pipeline.
type Options struct {
	ServiceName string
	Version     string
	Exporter    string
	// Endpoint is host:port, or a full URL for otlp-http.
	Endpoint   string
	SampleRate float64
	Insecure   bool
}

// Init registers a global TracerProvider and the W3C propagators. The returned
// shutdown flushes pending spans.
func Init(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	name := opts.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}

	exp, err := newExporter(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("creating otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// sampler honours an upstream sampling decision and otherwise samples rate
// of new traces.
func sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func newExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Exporter {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var o []otlptracegrpc.Option
		if opts.Endpoint != "" {
			o = append(o, otlptracegrpc.WithEndpoint(opts.Endpoint))
		}
		if opts.Insecure {
			o = append(o, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, o...)
	case ExporterOTLPHTTP:
		var o []otlptracehttp.Option
		switch {
		case strings.Contains(opts.Endpoint, "://"):
			o = append(o, otlptracehttp.WithEndpointURL(opts.Endpoint))
		case opts.Endpoint != "":
			o = append(o, otlptracehttp.WithEndpoint(opts.Endpoint))
		}
		if opts.Insecure {
			o = append(o, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, o...)
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)",
			opts.Exporter, ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP)
	}
}
