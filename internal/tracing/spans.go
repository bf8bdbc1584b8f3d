package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartAttemptSpan creates a child span for one routing attempt against a
// single candidate.
func StartAttemptSpan(ctx context.Context, model, providerID, providerModel string, attempt int, stream bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "router.attempt",
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.String("llm.provider", providerID),
			attribute.String("llm.provider_model", providerModel),
			attribute.Int("router.attempt", attempt),
			attribute.Bool("llm.stream", stream),
		),
	)
}

// StartProbeSpan creates a root-or-child span for one active health probe.
func StartProbeSpan(ctx context.Context, providerID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "health.probe",
		trace.WithAttributes(attribute.String("llm.provider", providerID)),
	)
}

// StartUpstreamSpan creates a client span for an upstream HTTP call.
func StartUpstreamSpan(ctx context.Context, url, providerID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("llm.provider", providerID),
		),
	)
}

// InjectHeaders writes the current trace context (traceparent, tracestate)
// into req so the upstream can continue the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetUpstreamStatus records the upstream HTTP status on the current span.
func SetUpstreamStatus(ctx context.Context, status int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int("upstream.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// SetRequestAttributes adds request-level attributes to the current span.
func SetRequestAttributes(ctx context.Context, requestID, model string, stream bool) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("llm.model", model),
		attribute.Bool("llm.stream", stream),
	)
}

// SetOutcomeAttributes records the classified result of an attempt.
func SetOutcomeAttributes(ctx context.Context, statusClass string, statusCode int, totalTokens int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("outcome.class", statusClass),
		attribute.Int("outcome.status_code", statusCode),
	)
	if totalTokens > 0 {
		span.SetAttributes(attribute.Int("llm.usage.total_tokens", totalTokens))
	}
}

// RecordError records err on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
