package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rogers-f/goalflow/internal/domain"
)

// StepRepo handles persistence for per-step records.
type StepRepo struct{}

// Upsert writes a step record, replacing any previous row for the same
// (workflow, step number).
func (r *StepRepo) Upsert(ctx context.Context, db *sql.DB, rec domain.StepRecord) error {
	var dataJSON, judgeJSON string
	if rec.Data != nil {
		dataJSON = mustJSON(rec.Data, "")
	}
	if rec.JudgeResult != nil {
		b, err := json.Marshal(rec.JudgeResult)
		if err != nil {
			return fmt.Errorf("marshal judge result: %w", err)
		}
		judgeJSON = string(b)
	}
	const q = `INSERT INTO workflow_steps (workflow_id, step_number, step_type, agent, action, task, status,
	input, output, data_json, judge_result_json, session_handle, started_at, completed_at, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workflow_id, step_number) DO UPDATE SET
	step_type = excluded.step_type,
	agent = excluded.agent,
	action = excluded.action,
	task = excluded.task,
	status = excluded.status,
	input = excluded.input,
	output = excluded.output,
	data_json = excluded.data_json,
	judge_result_json = excluded.judge_result_json,
	session_handle = excluded.session_handle,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	error = excluded.error`
	_, err := db.ExecContext(ctx, q,
		rec.WorkflowID, rec.StepNumber, string(rec.StepType), rec.Agent, rec.Action, rec.Task, string(rec.Status),
		rec.Input, rec.Output, dataJSON, judgeJSON, rec.SessionHandle, rec.StartedAt, rec.CompletedAt, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert step %d: %w", rec.StepNumber, err)
	}
	return nil
}

// ListByWorkflow returns the step records of a workflow in step order.
func (r *StepRepo) ListByWorkflow(ctx context.Context, db *sql.DB, workflowID string) ([]domain.StepRecord, error) {
	const q = `SELECT workflow_id, step_number, step_type, agent, action, task, status, input, output,
	data_json, judge_result_json, session_handle, started_at, completed_at, error
FROM workflow_steps
WHERE workflow_id = ?
ORDER BY step_number ASC`

	rows, err := db.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.StepRecord
	for rows.Next() {
		var s domain.StepRecord
		var stepType, status, dataJSON, judgeJSON string
		if err := rows.Scan(&s.WorkflowID, &s.StepNumber, &stepType, &s.Agent, &s.Action, &s.Task, &status,
			&s.Input, &s.Output, &dataJSON, &judgeJSON, &s.SessionHandle, &s.StartedAt, &s.CompletedAt, &s.Error); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.StepType = domain.StepType(stepType)
		s.Status = domain.StepStatus(status)
		if dataJSON != "" {
			if err := json.Unmarshal([]byte(dataJSON), &s.Data); err != nil {
				return nil, fmt.Errorf("decode step %d data: %w", s.StepNumber, err)
			}
		}
		if judgeJSON != "" {
			var v domain.Verdict
			if err := json.Unmarshal([]byte(judgeJSON), &v); err != nil {
				return nil, fmt.Errorf("decode step %d verdict: %w", s.StepNumber, err)
			}
			s.JudgeResult = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
