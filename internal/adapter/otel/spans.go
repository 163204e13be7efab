package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "crewflow"

// StartPhaseSpan starts a span for one phase execution.
func StartPhaseSpan(ctx context.Context, taskID, phase string, iteration int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase."+phase,
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("phase", phase),
			attribute.Int("iteration", iteration),
		),
	)
}

// StartStepSpan starts a span for one implementation step attempt.
func StartStepSpan(ctx context.Context, taskID string, step, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("step.number", step),
			attribute.Int("step.attempt", attempt),
		),
	)
}

// StartAgentSpan starts a span around an agent invocation.
func StartAgentSpan(ctx context.Context, phase, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("phase", phase),
			attribute.String("model", model),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
