// Package telemetry configures OpenTelemetry tracing for the orchestrator.
//
// A run produces one parent span with child spans per node dispatch and
// per executor handoff. Custom span attributes use the `llmctl.` prefix;
// token usage reported by executors follows the OTel GenAI conventions
// (gen_ai.usage.input_tokens / output_tokens).
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "llmctl.dev/orchestrator"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("llmctl-orchestrator"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for a flowchart run.
func StartRunSpan(ctx context.Context, runID, flowchartID, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flowchart.run",
		trace.WithAttributes(
			attribute.String("llmctl.run_id", runID),
			attribute.String("llmctl.flowchart_id", flowchartID),
			attribute.String("llmctl.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartNodeSpan creates a child span covering one node attempt from
// activation to terminal status.
func StartNodeSpan(ctx context.Context, runNodeID, nodeID, nodeType string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flowchart.node",
		trace.WithAttributes(
			attribute.String("llmctl.run_node_id", runNodeID),
			attribute.String("llmctl.node_id", nodeID),
			attribute.String("llmctl.node_type", nodeType),
			attribute.Int("llmctl.attempt", attempt),
		),
	)
}

// StartDispatchSpan creates a child span for the Kubernetes dispatch
// phase: job submission through startup confirmation.
func StartDispatchSpan(ctx context.Context, runNodeID, jobName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.k8s_job",
		trace.WithAttributes(
			attribute.String("llmctl.run_node_id", runNodeID),
			attribute.String("llmctl.k8s_job_name", jobName),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndDispatchSpan enriches the dispatch span with the terminal dispatch
// status before ending it.
func EndDispatchSpan(span trace.Span, dispatchStatus string, uncertain bool) {
	span.SetAttributes(
		attribute.String("llmctl.dispatch_status", dispatchStatus),
		attribute.Bool("llmctl.dispatch_uncertain", uncertain),
	)
	span.End()
}

// RecordNodeUsage attaches executor-reported token usage to a node span.
func RecordNodeUsage(span trace.Span, model, providerName string, inputTokens, outputTokens int64) {
	span.SetAttributes(
		attribute.String("gen_ai.system", providerName),
		attribute.String("gen_ai.request.model", model),
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
	)
}

// EndSpanError records err on the span, marks it failed, and ends it.
// A nil err ends the span with OK status.
func EndSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
