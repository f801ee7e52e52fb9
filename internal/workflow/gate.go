package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rogers-f/goalflow/internal/domain"
)

// GateDecision is the result of evaluating the gates before a step.
type GateDecision struct {
	Allow    bool
	Blockers []string
}

// Gate evaluates whether a step may be dispatched.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, wf *domain.Workflow, step domain.Step) (GateDecision, error)
}

// BudgetGate blocks steps once the workflow has spent its budget.
type BudgetGate struct {
	Governor *BudgetGovernor
	Log      logrus.FieldLogger
}

// Name returns the gate name.
func (g *BudgetGate) Name() string {
	return "budget"
}

// Evaluate checks the workflow's accumulated cost against the cap.
func (g *BudgetGate) Evaluate(ctx context.Context, wf *domain.Workflow, step domain.Step) (GateDecision, error) {
	decision := GateDecision{Allow: true}

	action, used, err := g.Governor.Check(ctx, wf.ID)
	if err != nil {
		return decision, err
	}

	switch action {
	case CostHalt:
		decision.Allow = false
		decision.Blockers = append(decision.Blockers,
			fmt.Sprintf("budget limit exceeded ($%.2f of $%.2f)", used, g.Governor.CapUSD))
	case CostWarn:
		if g.Log != nil {
			g.Log.WithFields(logrus.Fields{
				"workflow_id": wf.ID,
				"step":        step.Step,
				"used_usd":    used,
				"cap_usd":     g.Governor.CapUSD,
			}).Warn("workflow approaching budget")
		}
	}
	return decision, nil
}

// evaluateGates runs every gate and merges their blockers.
func evaluateGates(ctx context.Context, gates []Gate, wf *domain.Workflow, step domain.Step) (GateDecision, error) {
	merged := GateDecision{Allow: true}
	for _, g := range gates {
		d, err := g.Evaluate(ctx, wf, step)
		if err != nil {
			return merged, fmt.Errorf("evaluate gate %s: %w", g.Name(), err)
		}
		if !d.Allow {
			merged.Allow = false
			merged.Blockers = append(merged.Blockers, d.Blockers...)
		}
	}
	return merged, nil
}
