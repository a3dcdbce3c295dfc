package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Should be a no-op shutdown
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartRunSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartRunSpan(ctx, "run-1", "fc-deploy", "api")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "flowchart.run" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "flowchart.run")
	}

	foundRun := false
	foundTrigger := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "llmctl.run_id" && a.Value.AsString() == "run-1" {
			foundRun = true
		}
		if string(a.Key) == "llmctl.trigger" && a.Value.AsString() == "api" {
			foundTrigger = true
		}
	}
	if !foundRun {
		t.Error("missing llmctl.run_id attribute")
	}
	if !foundTrigger {
		t.Error("missing llmctl.trigger attribute")
	}
}

func TestDispatchSpanCarriesTerminalStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartDispatchSpan(ctx, "rn-1", "llmctl-node-abc")
	EndDispatchSpan(span, "dispatch_confirmed", false)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "dispatch.k8s_job" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "dispatch.k8s_job")
	}

	foundStatus := false
	foundUncertain := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "llmctl.dispatch_status" && a.Value.AsString() == "dispatch_confirmed" {
			foundStatus = true
		}
		if string(a.Key) == "llmctl.dispatch_uncertain" && !a.Value.AsBool() {
			foundUncertain = true
		}
	}
	if !foundStatus {
		t.Error("missing llmctl.dispatch_status attribute")
	}
	if !foundUncertain {
		t.Error("missing llmctl.dispatch_uncertain attribute")
	}
}

func TestRecordNodeUsage(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartNodeSpan(context.Background(), "rn-1", "build", "task", 0)
	RecordNodeUsage(span, "claude-sonnet-4-5", "anthropic", 1000, 500)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	foundModel := false
	foundInput := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "gen_ai.request.model" && a.Value.AsString() == "claude-sonnet-4-5" {
			foundModel = true
		}
		if string(a.Key) == "gen_ai.usage.input_tokens" && a.Value.AsInt64() == 1000 {
			foundInput = true
		}
	}
	if !foundModel {
		t.Error("missing gen_ai.request.model")
	}
	if !foundInput {
		t.Error("missing gen_ai.usage.input_tokens")
	}
}

func TestEndSpanError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartNodeSpan(context.Background(), "rn-1", "build", "task", 0)
	EndSpanError(span, errors.New("dispatch timeout"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestNestedSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, runSpan := StartRunSpan(ctx, "run-1", "fc-deploy", "api")
	_, nodeSpan := StartNodeSpan(ctx, "rn-1", "build", "task", 0)
	nodeSpan.End()
	runSpan.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	// Node span ends first and must share the run span's trace.
	nodeStub := spans[0]
	runStub := spans[1]

	if nodeStub.Parent.TraceID() != runStub.SpanContext.TraceID() {
		t.Error("node span should share trace ID with run span")
	}
	if !nodeStub.Parent.SpanID().IsValid() {
		t.Error("node span should have a valid parent span ID")
	}
}
