package workflow

import (
	"context"

	"github.com/rogers-f/goalflow/internal/domain"
)

// Store is the durable record of workflows, steps and progress events.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	SaveWorkflow(ctx context.Context, wf *domain.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	ListWorkflowsByStatus(ctx context.Context, status domain.WorkflowStatus) ([]*domain.Workflow, error)
	SaveStep(ctx context.Context, rec domain.StepRecord) error
	ListSteps(ctx context.Context, workflowID string) ([]domain.StepRecord, error)
	AppendEvent(ctx context.Context, ev *domain.ProgressEvent) error
}

// AgentRegistry registers and looks up worker identities.
type AgentRegistry interface {
	Create(ctx context.Context, spec domain.AgentSpec) (*domain.Agent, error)
	List(ctx context.Context, userID string) ([]domain.Agent, error)
	Get(ctx context.Context, name string) (*domain.Agent, error)
	UpdateSession(ctx context.Context, name, handle string) error
}

// Invoker runs one worker turn.
type Invoker interface {
	Invoke(ctx context.Context, req domain.InvokeRequest) (*domain.InvokeResult, error)
}

// ActionDispatcher runs deterministic action steps.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, name string, params map[string]any) (*domain.ActionResult, error)
	Catalog() []domain.ActionInfo
}

// ImageFetcher loads an image reference (URL or local path) as an attachment.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) (*domain.Attachment, error)
}

// EventSink receives progress events after they are stored.
type EventSink interface {
	Publish(ev domain.ProgressEvent)
}
