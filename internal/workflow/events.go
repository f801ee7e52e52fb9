package workflow

import (
	"context"

	"github.com/rogers-f/goalflow/internal/domain"
)

// emit records a progress event and forwards it to the sink. Events are
// observational: failures are logged and never interrupt execution.
func (e *Engine) emit(ctx context.Context, workflowID, typ string, step int, msg string, data map[string]any) {
	ev := &domain.ProgressEvent{
		WorkflowID: workflowID,
		Type:       typ,
		Step:       step,
		Message:    msg,
		Data:       data,
		CreatedAt:  e.now().Unix(),
	}
	if err := e.Store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.Log.WithError(err).WithField("workflow_id", workflowID).Warn("append progress event")
	}
	if e.Sink != nil {
		e.Sink.Publish(*ev)
	}
}
