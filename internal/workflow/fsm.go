package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rogers-f/goalflow/internal/domain"
)

// validTransitions defines the legal status transitions.
// Each key is a source status, and the value is the set of valid target statuses.
// Any non-terminal status may additionally move to failed.
var validTransitions = map[domain.WorkflowStatus]map[domain.WorkflowStatus]bool{
	domain.StatusStarting: {domain.StatusPlanning: true},
	domain.StatusPlanning: {
		domain.StatusPlanned:         true,
		domain.StatusDiscovery:       true,
		domain.StatusWaitingForInput: true,
		domain.StatusCompleted:       true,
	},
	domain.StatusDiscovery:       {domain.StatusPlanning: true},
	domain.StatusWaitingForInput: {domain.StatusPlanning: true},
	domain.StatusPlanned:         {domain.StatusExecuting: true, domain.StatusPlanning: true}, // planned->planning is a re-plan
	domain.StatusExecuting:       {domain.StatusCompleted: true},
}

// IsValidTransition checks if a status transition is legal.
func IsValidTransition(from, to domain.WorkflowStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == domain.StatusFailed {
		return true
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// transition moves wf to the target status, persists it and emits a
// workflow_status event.
func (e *Engine) transition(ctx context.Context, wf *domain.Workflow, to domain.WorkflowStatus) error {
	from := wf.Status
	if from.IsTerminal() {
		return domain.ErrFlowAlreadyDone
	}
	if !IsValidTransition(from, to) {
		return domain.NewEngineError(
			domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal transition %s -> %s", from, to),
		)
	}

	wf.Status = to
	if to.IsTerminal() {
		wf.CompletedAt = e.now().Unix()
	}
	if err := e.persist(ctx, wf); err != nil {
		wf.Status = from
		return err
	}

	e.Log.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"from":        string(from),
		"to":          string(to),
	}).Info("workflow status changed")
	e.emit(ctx, wf.ID, domain.EventWorkflowStatus, 0, string(to), map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

// fail marks wf as failed with msg. Failure to persist is logged, not returned.
func (e *Engine) fail(ctx context.Context, wf *domain.Workflow, msg string) {
	if wf.Status.IsTerminal() || e.isCancelled(wf.ID) {
		return
	}
	wf.Error = msg
	if err := e.transition(ctx, wf, domain.StatusFailed); err != nil {
		e.Log.WithError(err).WithField("workflow_id", wf.ID).Warn("could not mark workflow failed")
	}
}
