package tracing

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracerWithPropagator(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})
	return exporter
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[string]interface{} {
	attrs := map[string]interface{}{}
	for _, attr := range s.Attributes() {
		attrs[string(attr.Key)] = attr.Value.AsInterface()
	}
	return attrs
}

func TestStartAttemptSpan(t *testing.T) {
	exporter := setupTestTracerWithPropagator(t)

	ctx, span := StartAttemptSpan(context.Background(), "gpt", "openai", "gpt-4o", 2, true)
	if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Error("expected valid span in context")
	}
	SetOutcomeAttributes(ctx, "ok", 200, 42)
	span.End()

	spans := exporter.GetSpans().Snapshots()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "router.attempt" {
		t.Errorf("expected span name 'router.attempt', got %q", spans[0].Name())
	}
	attrs := spanAttrs(spans[0])
	if attrs["llm.provider"] != "openai" {
		t.Errorf("llm.provider = %v, want openai", attrs["llm.provider"])
	}
	if attrs["router.attempt"] != int64(2) {
		t.Errorf("router.attempt = %v, want 2", attrs["router.attempt"])
	}
	if attrs["llm.usage.total_tokens"] != int64(42) {
		t.Errorf("llm.usage.total_tokens = %v, want 42", attrs["llm.usage.total_tokens"])
	}
}

func TestSetOutcomeAttributesOmitsZeroUsage(t *testing.T) {
	exporter := setupTestTracerWithPropagator(t)

	ctx, span := Tracer().Start(context.Background(), "test")
	SetOutcomeAttributes(ctx, "timeout", 0, 0)
	span.End()

	attrs := spanAttrs(exporter.GetSpans().Snapshots()[0])
	if _, ok := attrs["llm.usage.total_tokens"]; ok {
		t.Error("expected no usage attribute when total is zero")
	}
	if attrs["outcome.class"] != "timeout" {
		t.Errorf("outcome.class = %v, want timeout", attrs["outcome.class"])
	}
}

func TestStartUpstreamSpan(t *testing.T) {
	exporter := setupTestTracerWithPropagator(t)

	ctx, span := StartUpstreamSpan(context.Background(), "https://api.example.com/v1/chat/completions", "openai")
	SetUpstreamStatus(ctx, 503)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	if spans[0].Name != "upstream.call" {
		t.Errorf("expected span name 'upstream.call', got %q", spans[0].Name)
	}
	if spans[0].SpanKind != trace.SpanKindClient {
		t.Errorf("expected SpanKindClient, got %v", spans[0].SpanKind)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status for 503, got %v", spans[0].Status.Code)
	}
}

func TestStartProbeSpan(t *testing.T) {
	exporter := setupTestTracerWithPropagator(t)

	_, span := StartProbeSpan(context.Background(), "anthropic")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "health.probe" {
		t.Fatalf("expected one health.probe span, got %v", spans)
	}
}

func TestInjectHeaders(t *testing.T) {
	setupTestTracerWithPropagator(t)

	ctx, span := Tracer().Start(context.Background(), "test")
	defer span.End()

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	InjectHeaders(ctx, req)

	if req.Header.Get("traceparent") == "" {
		t.Error("expected traceparent header to be injected")
	}
}

func TestSetRequestAttributes(t *testing.T) {
	exporter := setupTestTracerWithPropagator(t)

	ctx, span := Tracer().Start(context.Background(), "test")
	SetRequestAttributes(ctx, "req-123", "glm", false)
	span.End()

	attrs := spanAttrs(exporter.GetSpans().Snapshots()[0])
	if attrs["request.id"] != "req-123" {
		t.Errorf("expected request.id 'req-123', got %v", attrs["request.id"])
	}
	if attrs["llm.model"] != "glm" {
		t.Errorf("expected llm.model 'glm', got %v", attrs["llm.model"])
	}
}

func TestRecordError(t *testing.T) {
	RecordError(context.Background(), nil)

	exporter := setupTestTracerWithPropagator(t)
	ctx, span := Tracer().Start(context.Background(), "test")
	RecordError(ctx, errors.New("boom"))
	span.End()

	spans := exporter.GetSpans()
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected an exception event")
	}
}
