package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rogers-f/goalflow/internal/domain"
)

// MemoryStore is an in-process implementation of the same surface as
// SQLiteStore, used by tests and by the one-shot `run` command.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[string]*domain.Workflow
	steps     map[string]map[int]domain.StepRecord
	events    map[string][]domain.ProgressEvent
	agents    map[string]domain.Agent
	audit     []domain.AuditRecord
	usage     []domain.UsageRecord
	nextEvent int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*domain.Workflow),
		steps:     make(map[string]map[int]domain.StepRecord),
		events:    make(map[string][]domain.ProgressEvent),
		agents:    make(map[string]domain.Agent),
	}
}

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return domain.NewEngineError(domain.ErrStoreWrite.Code, "workflow "+wf.ID+" already exists")
	}
	m.workflows[wf.ID] = wf.Clone()
	return nil
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; !ok {
		return domain.ErrFlowNotFound
	}
	m.workflows[wf.ID] = wf.Clone()
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, domain.ErrFlowNotFound
	}
	return wf.Clone(), nil
}

func (m *MemoryStore) ListWorkflowsByStatus(_ context.Context, status domain.WorkflowStatus) ([]*domain.Workflow, error) {
	return m.filter(func(wf *domain.Workflow) bool { return wf.Status == status }, false), nil
}

func (m *MemoryStore) ListWorkflowsByUser(_ context.Context, userID string) ([]*domain.Workflow, error) {
	return m.filter(func(wf *domain.Workflow) bool { return wf.UserID == userID }, true), nil
}

func (m *MemoryStore) filter(keep func(*domain.Workflow) bool, newestFirst bool) []*domain.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Workflow
	for _, wf := range m.workflows {
		if keep(wf) {
			out = append(out, wf.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

func (m *MemoryStore) SaveStep(_ context.Context, rec domain.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[rec.WorkflowID] == nil {
		m.steps[rec.WorkflowID] = make(map[int]domain.StepRecord)
	}
	m.steps[rec.WorkflowID][rec.StepNumber] = rec
	return nil
}

func (m *MemoryStore) ListSteps(_ context.Context, workflowID string) ([]domain.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StepRecord, 0, len(m.steps[workflowID]))
	for _, rec := range m.steps[workflowID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *domain.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	ev.ID = m.nextEvent
	ev.SeqNo = int64(len(m.events[ev.WorkflowID]) + 1)
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	m.events[ev.WorkflowID] = append(m.events[ev.WorkflowID], *ev)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, workflowID string, sinceSeq int64) ([]domain.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProgressEvent
	for _, ev := range m.events[workflowID] {
		if ev.SeqNo > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, spec domain.AgentSpec) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[spec.Name]; ok {
		return nil, domain.ErrAgentExists
	}
	a := agentFromSpec(spec)
	m.agents[a.Name] = a
	return &a, nil
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Agent
	for _, a := range m.agents {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, name string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[name]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return &a, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, name, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[name]
	if !ok {
		return domain.ErrAgentNotFound
	}
	a.SessionHandle = handle
	m.agents[name] = a
	return nil
}

func (m *MemoryStore) RecordAudit(_ context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

func (m *MemoryStore) RecordUsage(_ context.Context, rec domain.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

// AuditRecords returns a copy of the recorded audit entries.
func (m *MemoryStore) AuditRecords() []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditRecord(nil), m.audit...)
}

// UsageRecords returns a copy of the recorded usage entries.
func (m *MemoryStore) UsageRecords() []domain.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.UsageRecord(nil), m.usage...)
}

func (m *MemoryStore) ListAudit(_ context.Context, workflowID string) ([]domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditRecord
	for _, a := range m.audit {
		if a.WorkflowID == workflowID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUsage(_ context.Context, workflowID string) ([]domain.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UsageRecord
	for _, u := range m.usage {
		if u.WorkflowID == workflowID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemoryStore) WorkflowCost(_ context.Context, workflowID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, u := range m.usage {
		if u.WorkflowID == workflowID {
			total += u.CostUSD
		}
	}
	return total, nil
}
