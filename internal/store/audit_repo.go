package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/goalflow/internal/domain"
)

// AuditRepo handles persistence for AuditRecord entries.
type AuditRepo struct{}

// Record inserts an audit record.
func (r *AuditRepo) Record(ctx context.Context, db *sql.DB, rec domain.AuditRecord) error {
	const q = `INSERT INTO audit_records (id, workflow_id, category, actor, action, request_json, decision_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if rec.RequestJSON == "" {
		rec.RequestJSON = "{}"
	}
	if rec.DecisionJSON == "" {
		rec.DecisionJSON = "{}"
	}
	if rec.Severity == "" {
		rec.Severity = "info"
	}
	_, err := db.ExecContext(ctx, q,
		rec.ID,
		rec.WorkflowID,
		rec.Category,
		rec.Actor,
		rec.Action,
		rec.RequestJSON,
		rec.DecisionJSON,
		rec.Severity,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListByWorkflow returns all audit records for a workflow, ordered by creation time.
func (r *AuditRepo) ListByWorkflow(ctx context.Context, db *sql.DB, workflowID string) ([]domain.AuditRecord, error) {
	const q = `SELECT id, workflow_id, category, actor, action, request_json, decision_json, severity, created_at
FROM audit_records
WHERE workflow_id = ?
ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.Category, &a.Actor, &a.Action,
			&a.RequestJSON, &a.DecisionJSON, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, a)
	}
	return records, rows.Err()
}
