// Package store provides SQLite-backed persistence for goalflow.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS workflows (
	id                      TEXT PRIMARY KEY,
	user_id                 TEXT NOT NULL,
	goal                    TEXT NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'starting',
	plan_json               TEXT NOT NULL DEFAULT '',
	current_step            INTEGER NOT NULL DEFAULT 0,
	orchestrator_session_id TEXT NOT NULL DEFAULT '',
	discovery_answers_json  TEXT NOT NULL DEFAULT '{}',
	pending_questions_json  TEXT NOT NULL DEFAULT '[]',
	created_agents_json     TEXT NOT NULL DEFAULT '[]',
	step_configs_json       TEXT NOT NULL DEFAULT '{}',
	output_json             TEXT NOT NULL DEFAULT '{}',
	result                  TEXT NOT NULL DEFAULT '',
	message                 TEXT NOT NULL DEFAULT '',
	error                   TEXT NOT NULL DEFAULT '',
	created_at              INTEGER NOT NULL DEFAULT 0,
	updated_at              INTEGER NOT NULL DEFAULT 0,
	completed_at            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
CREATE INDEX IF NOT EXISTS idx_workflows_user ON workflows(user_id);

CREATE TABLE IF NOT EXISTS workflow_steps (
	workflow_id       TEXT NOT NULL,
	step_number       INTEGER NOT NULL,
	step_type         TEXT NOT NULL,
	agent             TEXT NOT NULL DEFAULT '',
	action            TEXT NOT NULL DEFAULT '',
	task              TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	input             TEXT NOT NULL DEFAULT '',
	output            TEXT NOT NULL DEFAULT '',
	data_json         TEXT NOT NULL DEFAULT '',
	judge_result_json TEXT NOT NULL DEFAULT '',
	session_handle    TEXT NOT NULL DEFAULT '',
	started_at        INTEGER NOT NULL DEFAULT 0,
	completed_at      INTEGER NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workflow_id, step_number)
);

CREATE TABLE IF NOT EXISTS agents (
	name              TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	display_name      TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	system_prompt     TEXT NOT NULL,
	agent_type        TEXT NOT NULL DEFAULT '',
	capabilities_json TEXT NOT NULL DEFAULT '[]',
	session_handle    TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);

CREATE TABLE IF NOT EXISTS workflow_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id  TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	event_type   TEXT NOT NULL,
	step         INTEGER NOT NULL DEFAULT 0,
	message      TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(workflow_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_workflow_seq ON workflow_events(workflow_id, seq_no);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_workflow ON audit_records(workflow_id);

CREATE TABLE IF NOT EXISTS usage_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL DEFAULT '',
	step        INTEGER NOT NULL DEFAULT 0,
	agent       TEXT NOT NULL DEFAULT '',
	profile     TEXT NOT NULL DEFAULT '',
	cost_usd    REAL NOT NULL DEFAULT 0.0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_workflow ON usage_records(workflow_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
