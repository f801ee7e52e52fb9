package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/goalflow/internal/domain"
)

// UsageRepo handles persistence for per-invocation cost records.
type UsageRepo struct{}

// Create inserts a usage record.
func (r *UsageRepo) Create(ctx context.Context, db *sql.DB, rec domain.UsageRecord) error {
	const q = `INSERT INTO usage_records (workflow_id, step, agent, profile, cost_usd, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		rec.WorkflowID,
		rec.Step,
		rec.Agent,
		rec.Profile,
		rec.CostUSD,
		rec.DurationMS,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create usage record: %w", err)
	}
	return nil
}

// ListByWorkflow returns all usage records of a workflow, ordered by creation time.
func (r *UsageRepo) ListByWorkflow(ctx context.Context, db *sql.DB, workflowID string) ([]domain.UsageRecord, error) {
	const q = `SELECT id, workflow_id, step, agent, profile, cost_usd, duration_ms, created_at
FROM usage_records
WHERE workflow_id = ?
ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageRecord
	for rows.Next() {
		var u domain.UsageRecord
		if err := rows.Scan(&u.ID, &u.WorkflowID, &u.Step, &u.Agent, &u.Profile, &u.CostUSD, &u.DurationMS, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// TotalCost sums the recorded cost of a workflow.
func (r *UsageRepo) TotalCost(ctx context.Context, db *sql.DB, workflowID string) (float64, error) {
	const q = `SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE workflow_id = ?`
	var total float64
	if err := db.QueryRowContext(ctx, q, workflowID).Scan(&total); err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total, nil
}
