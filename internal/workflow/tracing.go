package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rogers-f/goalflow/internal/domain"
)

const tracerName = "github.com/rogers-f/goalflow/internal/workflow"

func (e *Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer(tracerName)
}

// startPassSpan starts a span for a planning or execution pass.
func (e *Engine) startPassSpan(ctx context.Context, name string, wf *domain.Workflow) (context.Context, trace.Span) {
	ctx, span := e.tracer().Start(ctx, "workflow."+name)
	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.user_id", wf.UserID),
	)
	return ctx, span
}

// startStepSpan starts a span for one step.
func (e *Engine) startStepSpan(ctx context.Context, wf *domain.Workflow, step domain.Step) (context.Context, trace.Span) {
	ctx, span := e.tracer().Start(ctx, "step."+string(step.StepType))
	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.Int("step.number", step.Step),
		attribute.String("step.agent", step.Agent),
		attribute.String("step.action", step.Action),
	)
	return ctx, span
}

// endSpan ends a span, recording err when set.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
