package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rogers-f/goalflow/internal/domain"
)

// SQLiteStore bundles the repositories behind the interfaces the engine,
// the bridge and the API consume.
type SQLiteStore struct {
	DB        *sql.DB
	Workflows *WorkflowRepo
	Steps     *StepRepo
	Agents    *AgentRepo
	Events    *EventRepo
	Audit     *AuditRepo
	Usage     *UsageRepo
}

// NewSQLiteStore wraps an opened database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		DB:        db,
		Workflows: &WorkflowRepo{},
		Steps:     &StepRepo{},
		Agents:    &AgentRepo{},
		Events:    &EventRepo{},
		Audit:     &AuditRepo{},
		Usage:     &UsageRepo{},
	}
}

// Open opens (and migrates) the database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "open store", err)
	}
	return NewSQLiteStore(db), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.DB.Close() }

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	return s.Workflows.Create(ctx, s.DB, wf)
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *domain.Workflow) error {
	return s.Workflows.Update(ctx, s.DB, wf)
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	return s.Workflows.GetByID(ctx, s.DB, id)
}

func (s *SQLiteStore) ListWorkflowsByStatus(ctx context.Context, status domain.WorkflowStatus) ([]*domain.Workflow, error) {
	return s.Workflows.ListByStatus(ctx, s.DB, status)
}

func (s *SQLiteStore) ListWorkflowsByUser(ctx context.Context, userID string) ([]*domain.Workflow, error) {
	return s.Workflows.ListByUser(ctx, s.DB, userID)
}

func (s *SQLiteStore) SaveStep(ctx context.Context, rec domain.StepRecord) error {
	return s.Steps.Upsert(ctx, s.DB, rec)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, workflowID string) ([]domain.StepRecord, error) {
	return s.Steps.ListByWorkflow(ctx, s.DB, workflowID)
}

// AppendEvent assigns the next sequence number and persists the event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *domain.ProgressEvent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := s.Events.NextSeqTx(ctx, tx, ev.WorkflowID)
	if err != nil {
		return err
	}
	ev.SeqNo = seq
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	id, err := s.Events.AppendTx(ctx, tx, *ev)
	if err != nil {
		return err
	}
	ev.ID = id
	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, workflowID string, sinceSeq int64) ([]domain.ProgressEvent, error) {
	return s.Events.ListByWorkflow(ctx, s.DB, workflowID, sinceSeq)
}

// Create registers a new agent and returns the stored record.
func (s *SQLiteStore) Create(ctx context.Context, spec domain.AgentSpec) (*domain.Agent, error) {
	a := agentFromSpec(spec)
	if err := s.Agents.Create(ctx, s.DB, a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]domain.Agent, error) {
	return s.Agents.ListByUser(ctx, s.DB, userID)
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*domain.Agent, error) {
	return s.Agents.GetByName(ctx, s.DB, name)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, name, handle string) error {
	return s.Agents.UpdateSession(ctx, s.DB, name, handle)
}

// RecordAudit stores an audit record, generating an ID when empty.
func (s *SQLiteStore) RecordAudit(ctx context.Context, rec domain.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = "aud-" + uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	return s.Audit.Record(ctx, s.DB, rec)
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec domain.UsageRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	return s.Usage.Create(ctx, s.DB, rec)
}

func agentFromSpec(spec domain.AgentSpec) domain.Agent {
	display := spec.DisplayName
	if display == "" {
		display = spec.Name
	}
	return domain.Agent{
		Name:         spec.Name,
		UserID:       spec.UserID,
		DisplayName:  display,
		Description:  spec.Description,
		SystemPrompt: spec.SystemPrompt,
		AgentType:    spec.AgentType,
		Capabilities: spec.Capabilities,
		CreatedAt:    time.Now().Unix(),
	}
}

// ListAudit returns a workflow's audit trail, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, workflowID string) ([]domain.AuditRecord, error) {
	return s.Audit.ListByWorkflow(ctx, s.DB, workflowID)
}

// ListUsage returns a workflow's per-invocation costs, oldest first.
func (s *SQLiteStore) ListUsage(ctx context.Context, workflowID string) ([]domain.UsageRecord, error) {
	return s.Usage.ListByWorkflow(ctx, s.DB, workflowID)
}

// WorkflowCost sums the usage recorded against a workflow.
func (s *SQLiteStore) WorkflowCost(ctx context.Context, workflowID string) (float64, error) {
	return s.Usage.TotalCost(ctx, s.DB, workflowID)
}
