// Package domain defines the core types for the goalflow workflow engine.
package domain

import "encoding/json"

// WorkflowStatus represents the lifecycle status of a workflow.
type WorkflowStatus string

const (
	StatusStarting        WorkflowStatus = "starting"
	StatusPlanning        WorkflowStatus = "planning"
	StatusPlanned         WorkflowStatus = "planned"
	StatusDiscovery       WorkflowStatus = "discovery"
	StatusWaitingForInput WorkflowStatus = "waiting_for_input"
	StatusExecuting       WorkflowStatus = "executing"
	StatusCompleted       WorkflowStatus = "completed"
	StatusFailed          WorkflowStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepType discriminates the kind of work a plan step performs.
type StepType string

const (
	StepCreate   StepType = "create"
	StepDelegate StepType = "delegate"
	StepAction   StepType = "action"
)

// Valid reports whether t is one of the enumerated step kinds.
func (t StepType) Valid() bool {
	switch t {
	case StepCreate, StepDelegate, StepAction:
		return true
	}
	return false
}

// AgentConfig describes a worker agent a create step brings into existence.
type AgentConfig struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	SystemPrompt string   `json:"system_prompt"`
	AgentType    string   `json:"agent_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Step is one unit of work in a Plan.
type Step struct {
	Step        int            `json:"step"`
	StepType    StepType       `json:"step_type"`
	DependsOn   []int          `json:"depends_on"`
	Agent       string         `json:"agent,omitempty"`
	AgentConfig *AgentConfig   `json:"agent_config,omitempty"`
	Task        string         `json:"task,omitempty"`
	Action      string         `json:"action,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// Plan is the planner's decomposition of a goal.
type Plan struct {
	Goal    string `json:"goal"`
	Steps   []Step `json:"steps"`
	Message string `json:"message"`
}

// StepConfig holds user overrides for a single step, keyed by step number on the workflow.
type StepConfig struct {
	Task       string         `json:"task,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
}

// CreatedAgent maps a plan's agent hint to the unique identity registered for it.
type CreatedAgent struct {
	Step int    `json:"step"`
	Hint string `json:"hint"`
	Name string `json:"name"`
}

// Question is a planner question awaiting a user answer.
type Question struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// Workflow is the engine's record of one user goal.
type Workflow struct {
	ID                    string             `json:"id"`
	UserID                string             `json:"user_id"`
	Goal                  string             `json:"goal"`
	Status                WorkflowStatus     `json:"status"`
	Plan                  *Plan              `json:"plan,omitempty"`
	CurrentStep           int                `json:"current_step"`
	OrchestratorSessionID string             `json:"orchestrator_session_id,omitempty"`
	DiscoveryAnswers      map[string]string  `json:"discovery_answers,omitempty"`
	PendingQuestions      []Question         `json:"pending_questions,omitempty"`
	CreatedAgents         []CreatedAgent     `json:"created_agents,omitempty"`
	StepConfigs           map[int]StepConfig `json:"step_configs,omitempty"`
	Output                map[int]string     `json:"output,omitempty"`
	Result                string             `json:"result,omitempty"`
	Message               string             `json:"message,omitempty"`
	Error                 string             `json:"error,omitempty"`
	CreatedAt             int64              `json:"created_at"`
	UpdatedAt             int64              `json:"updated_at"`
	CompletedAt           int64              `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		cp := *w
		return &cp
	}
	var cp Workflow
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *w
	}
	return &cp
}

// Verdict is the structured result a judge/evaluator step emits in its RESULT block.
type Verdict struct {
	Winner           string         `json:"winner,omitempty"`
	WinnerAssetURL   string         `json:"winner_asset_url,omitempty"`
	Ranking          []any          `json:"ranking,omitempty"`
	ReasoningSummary string         `json:"reasoning_summary,omitempty"`
	Fields           map[string]any `json:"-"`
}

type verdictAlias Verdict

// MarshalJSON merges the extra fields with the well-known ones.
func (v Verdict) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v.Fields)+4)
	for k, val := range v.Fields {
		out[k] = val
	}
	known, err := json.Marshal(verdictAlias(v))
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(known, &m); err != nil {
		return nil, err
	}
	for k, val := range m {
		out[k] = val
	}
	return json.Marshal(out)
}

// UnmarshalJSON keeps every key of the object in Fields.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var a verdictAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*v = Verdict(a)
	v.Fields = fields
	return nil
}

// Field returns the named verdict field as raw JSON-compatible value.
func (v *Verdict) Field(name string) (any, bool) {
	if v == nil {
		return nil, false
	}
	if val, ok := v.Fields[name]; ok {
		return val, true
	}
	switch name {
	case "winner":
		return v.Winner, v.Winner != ""
	case "winner_asset_url":
		return v.WinnerAssetURL, v.WinnerAssetURL != ""
	case "ranking":
		return v.Ranking, v.Ranking != nil
	case "reasoning_summary":
		return v.ReasoningSummary, v.ReasoningSummary != ""
	}
	return nil, false
}

// StepResult is the in-memory outcome of one executed step.
type StepResult struct {
	Success     bool           `json:"success"`
	Type        StepType       `json:"type"`
	Output      string         `json:"output"`
	Data        map[string]any `json:"data,omitempty"`
	JudgeResult *Verdict       `json:"judge_result,omitempty"`
	ImagePaths  []string       `json:"image_paths,omitempty"`
}

// StepStatus is the persisted status of a step record.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepRecord is the durable row for one step of a workflow.
type StepRecord struct {
	WorkflowID    string         `json:"workflow_id"`
	StepNumber    int            `json:"step_number"`
	StepType      StepType       `json:"step_type"`
	Agent         string         `json:"agent,omitempty"`
	Action        string         `json:"action,omitempty"`
	Task          string         `json:"task,omitempty"`
	Status        StepStatus     `json:"status"`
	Input         string         `json:"input,omitempty"`
	Output        string         `json:"output,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	JudgeResult   *Verdict       `json:"judge_result,omitempty"`
	SessionHandle string         `json:"session_handle,omitempty"`
	StartedAt     int64          `json:"started_at,omitempty"`
	CompletedAt   int64          `json:"completed_at,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// AgentSpec is the input for registering a new worker agent.
type AgentSpec struct {
	Name         string
	UserID       string
	DisplayName  string
	Description  string
	SystemPrompt string
	AgentType    string
	Capabilities []string
}

// Agent is a registered worker identity.
type Agent struct {
	Name          string   `json:"name"`
	UserID        string   `json:"user_id"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description,omitempty"`
	SystemPrompt  string   `json:"system_prompt"`
	AgentType     string   `json:"agent_type,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	SessionHandle string   `json:"session_handle,omitempty"`
	CreatedAt     int64    `json:"created_at"`
}

// ProgressEvent is an observational notification emitted during execution.
type ProgressEvent struct {
	ID         int64          `json:"id,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	SeqNo      int64          `json:"seq_no,omitempty"`
	Type       string         `json:"type"`
	Step       int            `json:"step,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  int64          `json:"created_at"`
}

// Progress event types.
const (
	EventWorkflowStatus     = "workflow_status"
	EventStepStart          = "step_start"
	EventStepComplete       = "step_complete"
	EventActionStart        = "action_start"
	EventActionComplete     = "action_complete"
	EventAgentCreated       = "agent_created"
	EventTemplateUnresolved = "template_unresolved"
)

// Attachment is binary content sent alongside a worker message.
type Attachment struct {
	MediaType string
	Data      []byte
	Source    string
}

// InvokeRequest is a single worker invocation as seen by the engine.
type InvokeRequest struct {
	WorkflowID   string
	Step         int
	Agent        string
	Profile      string
	Message      string
	SystemPrompt string
	ResumeHandle string
	Attachments  []Attachment
	TimeoutSec   int
	Callback     map[string]string
}

// InvokeResult is what a worker returned.
type InvokeResult struct {
	Text          string
	SessionHandle string
	ImagePath     string
	AudioPath     string
	CostUSD       float64
	DurationMS    int64
}

// AuditRecord logs security and lifecycle events.
type AuditRecord struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	Category     string `json:"category"`
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	RequestJSON  string `json:"request_json"`
	DecisionJSON string `json:"decision_json"`
	Severity     string `json:"severity"`
	CreatedAt    int64  `json:"created_at"`
}

// UsageRecord captures the cost reported by one worker invocation.
type UsageRecord struct {
	ID         int64   `json:"id,omitempty"`
	WorkflowID string  `json:"workflow_id"`
	Step       int     `json:"step"`
	Agent      string  `json:"agent"`
	Profile    string  `json:"profile"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	CreatedAt  int64   `json:"created_at"`
}

// ActionResult is what a deterministic action step returned.
type ActionResult struct {
	Output string         `json:"output"`
	Data   map[string]any `json:"data,omitempty"`
}

// ActionInfo describes one catalog entry for the planner.
type ActionInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params,omitempty"`
	Enabled     bool     `json:"enabled"`
}
