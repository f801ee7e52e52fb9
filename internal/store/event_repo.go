package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rogers-f/goalflow/internal/domain"
)

// EventRepo handles persistence for workflow progress events.
type EventRepo struct{}

// NextSeqTx returns the next sequence number for a workflow's event stream.
func (r *EventRepo) NextSeqTx(ctx context.Context, tx *sql.Tx, workflowID string) (int64, error) {
	const q = `SELECT COALESCE(MAX(seq_no), 0) FROM workflow_events WHERE workflow_id = ?`
	var last int64
	if err := tx.QueryRowContext(ctx, q, workflowID).Scan(&last); err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}
	return last + 1, nil
}

// AppendTx inserts a progress event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, ev domain.ProgressEvent) (int64, error) {
	const q = `INSERT INTO workflow_events (workflow_id, seq_no, event_type, step, message, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q,
		ev.WorkflowID,
		ev.SeqNo,
		ev.Type,
		ev.Step,
		ev.Message,
		mustJSON(ev.Data, "{}"),
		ev.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// ListByWorkflow returns events for a workflow with sequence numbers greater
// than sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByWorkflow(ctx context.Context, db *sql.DB, workflowID string, sinceSeq int64) ([]domain.ProgressEvent, error) {
	const q = `SELECT id, workflow_id, seq_no, event_type, step, message, payload_json, created_at
FROM workflow_events
WHERE workflow_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, workflowID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.ProgressEvent
	for rows.Next() {
		var e domain.ProgressEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SeqNo, &e.Type, &e.Step, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
