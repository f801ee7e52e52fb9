package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rogers-f/goalflow/internal/domain"
)

// WorkflowRepo handles persistence for Workflow records.
type WorkflowRepo struct{}

type workflowRow struct {
	plan, answers, questions, agents, configs, output string
}

func encodeWorkflow(wf *domain.Workflow) (workflowRow, error) {
	var row workflowRow
	if wf.Plan != nil {
		data, err := json.Marshal(wf.Plan)
		if err != nil {
			return row, fmt.Errorf("marshal plan: %w", err)
		}
		row.plan = string(data)
	}
	row.answers = mustJSON(wf.DiscoveryAnswers, "{}")
	row.questions = mustJSON(wf.PendingQuestions, "[]")
	row.agents = mustJSON(wf.CreatedAgents, "[]")
	row.configs = mustJSON(wf.StepConfigs, "{}")
	row.output = mustJSON(wf.Output, "{}")
	return row, nil
}

// Create inserts a new workflow.
func (r *WorkflowRepo) Create(ctx context.Context, db *sql.DB, wf *domain.Workflow) error {
	row, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	const q = `INSERT INTO workflows (id, user_id, goal, status, plan_json, current_step, orchestrator_session_id,
	discovery_answers_json, pending_questions_json, created_agents_json, step_configs_json, output_json,
	result, message, error, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		wf.ID, wf.UserID, wf.Goal, string(wf.Status), row.plan, wf.CurrentStep, wf.OrchestratorSessionID,
		row.answers, row.questions, row.agents, row.configs, row.output,
		wf.Result, wf.Message, wf.Error, wf.CreatedAt, wf.UpdatedAt, wf.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing workflow.
func (r *WorkflowRepo) Update(ctx context.Context, db *sql.DB, wf *domain.Workflow) error {
	row, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	const q = `UPDATE workflows SET
		status = ?,
		plan_json = ?,
		current_step = ?,
		orchestrator_session_id = ?,
		discovery_answers_json = ?,
		pending_questions_json = ?,
		created_agents_json = ?,
		step_configs_json = ?,
		output_json = ?,
		result = ?,
		message = ?,
		error = ?,
		updated_at = ?,
		completed_at = ?
	WHERE id = ?`
	res, err := db.ExecContext(ctx, q,
		string(wf.Status), row.plan, wf.CurrentStep, wf.OrchestratorSessionID,
		row.answers, row.questions, row.agents, row.configs, row.output,
		wf.Result, wf.Message, wf.Error, wf.UpdatedAt, wf.CompletedAt,
		wf.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrFlowNotFound
	}
	return nil
}

const workflowColumns = `id, user_id, goal, status, plan_json, current_step, orchestrator_session_id,
	discovery_answers_json, pending_questions_json, created_agents_json, step_configs_json, output_json,
	result, message, error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(s rowScanner) (*domain.Workflow, error) {
	var wf domain.Workflow
	var status string
	var row workflowRow
	err := s.Scan(&wf.ID, &wf.UserID, &wf.Goal, &status, &row.plan, &wf.CurrentStep, &wf.OrchestratorSessionID,
		&row.answers, &row.questions, &row.agents, &row.configs, &row.output,
		&wf.Result, &wf.Message, &wf.Error, &wf.CreatedAt, &wf.UpdatedAt, &wf.CompletedAt)
	if err != nil {
		return nil, err
	}
	wf.Status = domain.WorkflowStatus(status)
	if row.plan != "" {
		var p domain.Plan
		if err := json.Unmarshal([]byte(row.plan), &p); err != nil {
			return nil, fmt.Errorf("decode plan of %s: %w", wf.ID, err)
		}
		wf.Plan = &p
	}
	decode := []struct {
		raw string
		dst any
	}{
		{row.answers, &wf.DiscoveryAnswers},
		{row.questions, &wf.PendingQuestions},
		{row.agents, &wf.CreatedAgents},
		{row.configs, &wf.StepConfigs},
		{row.output, &wf.Output},
	}
	for _, d := range decode {
		if d.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(d.raw), d.dst); err != nil {
			return nil, fmt.Errorf("decode workflow %s: %w", wf.ID, err)
		}
	}
	return &wf, nil
}

// GetByID retrieves a workflow by its ID.
func (r *WorkflowRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`
	wf, err := scanWorkflow(db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFlowNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListByStatus returns all workflows in the given status, oldest first.
func (r *WorkflowRepo) ListByStatus(ctx context.Context, db *sql.DB, status domain.WorkflowStatus) ([]*domain.Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE status = ? ORDER BY created_at ASC`
	return r.list(ctx, db, q, string(status))
}

// ListByUser returns a user's workflows, newest first.
func (r *WorkflowRepo) ListByUser(ctx context.Context, db *sql.DB, userID string) ([]*domain.Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE user_id = ? ORDER BY created_at DESC`
	return r.list(ctx, db, q, userID)
}

func (r *WorkflowRepo) list(ctx context.Context, db *sql.DB, q string, arg any) ([]*domain.Workflow, error) {
	rows, err := db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// mustJSON marshals v, falling back to empty when v is nil or unmarshalable.
func mustJSON(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}
