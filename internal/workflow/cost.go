package workflow

import (
	"context"
)

// CostReader reports the accumulated worker cost of a workflow.
type CostReader interface {
	WorkflowCost(ctx context.Context, workflowID string) (float64, error)
}

// CostAction is the governor's verdict on a workflow's spend.
type CostAction int

const (
	CostContinue CostAction = iota
	CostWarn
	CostHalt
)

func (a CostAction) String() string {
	switch a {
	case CostWarn:
		return "warn"
	case CostHalt:
		return "halt"
	}
	return "continue"
}

// BudgetGovernor enforces a per-workflow spending cap.
type BudgetGovernor struct {
	Costs  CostReader
	CapUSD float64

	// WarnRatio is the fraction of budget at which a warning is issued (default 0.8).
	WarnRatio float64
	// HaltRatio is the fraction of budget at which execution is halted (default 1.0).
	HaltRatio float64
}

// NewBudgetGovernor creates a governor with standard thresholds. A cap of
// zero or less disables the check.
func NewBudgetGovernor(costs CostReader, capUSD float64) *BudgetGovernor {
	return &BudgetGovernor{
		Costs:     costs,
		CapUSD:    capUSD,
		WarnRatio: 0.8,
		HaltRatio: 1.0,
	}
}

// Check evaluates the workflow's spend so far and returns it with the action.
func (g *BudgetGovernor) Check(ctx context.Context, workflowID string) (CostAction, float64, error) {
	if g.CapUSD <= 0 || g.Costs == nil {
		return CostContinue, 0, nil
	}
	used, err := g.Costs.WorkflowCost(ctx, workflowID)
	if err != nil {
		return CostContinue, 0, err
	}
	return g.evaluate(used, g.CapUSD), used, nil
}

func (g *BudgetGovernor) evaluate(used, cap float64) CostAction {
	if cap <= 0 {
		return CostContinue
	}
	ratio := used / cap
	if ratio >= g.HaltRatio {
		return CostHalt
	}
	if ratio >= g.WarnRatio {
		return CostWarn
	}
	return CostContinue
}
