package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rogers-f/goalflow/internal/domain"
)

// AgentRepo handles persistence for registered worker agents.
type AgentRepo struct{}

// Create inserts a new agent. Name collisions map to ErrAgentExists.
func (r *AgentRepo) Create(ctx context.Context, db *sql.DB, a domain.Agent) error {
	const q = `INSERT INTO agents (name, user_id, display_name, description, system_prompt, agent_type,
	capabilities_json, session_handle, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		a.Name, a.UserID, a.DisplayName, a.Description, a.SystemPrompt, a.AgentType,
		mustJSON(a.Capabilities, "[]"), a.SessionHandle, a.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrAgentExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

const agentColumns = `name, user_id, display_name, description, system_prompt, agent_type,
	capabilities_json, session_handle, created_at`

func scanAgent(s rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var caps string
	if err := s.Scan(&a.Name, &a.UserID, &a.DisplayName, &a.Description, &a.SystemPrompt, &a.AgentType,
		&caps, &a.SessionHandle, &a.CreatedAt); err != nil {
		return nil, err
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of %s: %w", a.Name, err)
		}
	}
	return &a, nil
}

// GetByName retrieves an agent by its unique name.
func (r *AgentRepo) GetByName(ctx context.Context, db *sql.DB, name string) (*domain.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE name = ?`
	a, err := scanAgent(db.QueryRowContext(ctx, q, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListByUser returns the agents owned by a user, oldest first.
func (r *AgentRepo) ListByUser(ctx context.Context, db *sql.DB, userID string) ([]domain.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE user_id = ? ORDER BY created_at ASC, name ASC`
	rows, err := db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateSession stores the latest resumable session handle for an agent.
func (r *AgentRepo) UpdateSession(ctx context.Context, db *sql.DB, name, handle string) error {
	const q = `UPDATE agents SET session_handle = ? WHERE name = ?`
	res, err := db.ExecContext(ctx, q, handle, name)
	if err != nil {
		return fmt.Errorf("update agent session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}
