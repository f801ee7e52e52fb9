// Package workflow drives goals from planning through deterministic,
// step-by-step execution.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/rogers-f/goalflow/internal/command"
	"github.com/rogers-f/goalflow/internal/domain"
)

// Config tunes the engine.
type Config struct {
	PlannerProfile string
	WorkerProfile  string
	// ParseRetries is the number of corrective planner turns after an
	// unparseable reply. Zero means the default of one; negative disables.
	ParseRetries   int
	MaxAttachments int
	// MaxCostUSD caps the worker spend of one workflow. Zero disables it.
	MaxCostUSD     float64
}

func (c *Config) applyDefaults() {
	if c.PlannerProfile == "" {
		c.PlannerProfile = "planner"
	}
	if c.WorkerProfile == "" {
		c.WorkerProfile = "worker"
	}
	switch {
	case c.ParseRetries == 0:
		c.ParseRetries = 1
	case c.ParseRetries < 0:
		c.ParseRetries = 0
	}
	if c.MaxAttachments <= 0 {
		c.MaxAttachments = 4
	}
}

// Engine owns the lifecycle of workflows. Workflows run concurrently; each
// workflow has at most one active pass at a time.
type Engine struct {
	Store   Store
	Agents  AgentRegistry
	Invoker Invoker
	Actions ActionDispatcher
	Fetcher ImageFetcher
	Sink    EventSink
	Gates   []Gate
	Log     logrus.FieldLogger
	Tracer  trace.Tracer
	Config  Config
	Now     func() time.Time

	mu        sync.Mutex
	owners    map[string]struct{}
	live      map[string]*domain.Workflow
	cancelled map[string]bool
}

// NewEngine creates an engine. When the store can report workflow cost and
// a budget is configured, a BudgetGate is installed.
func NewEngine(st Store, agents AgentRegistry, inv Invoker, actions ActionDispatcher, cfg Config, log logrus.FieldLogger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		Store:   st,
		Agents:  agents,
		Invoker: inv,
		Actions: actions,
		Log:     log.WithField("component", "workflow"),
		Config:  cfg,
	}
	if costs, ok := st.(CostReader); ok && cfg.MaxCostUSD > 0 {
		e.Gates = append(e.Gates, &BudgetGate{Governor: NewBudgetGovernor(costs, cfg.MaxCostUSD), Log: e.Log})
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// acquire claims the single execution slot of a workflow.
func (e *Engine) acquire(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owners == nil {
		e.owners = make(map[string]struct{})
		e.live = make(map[string]*domain.Workflow)
		e.cancelled = make(map[string]bool)
	}
	if _, busy := e.owners[id]; busy {
		return domain.ErrWorkflowBusy
	}
	e.owners[id] = struct{}{}
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.owners, id)
	delete(e.live, id)
	delete(e.cancelled, id)
}

func (e *Engine) isCancelled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[id]
}

// persist saves wf unless it was cancelled while this pass was running.
func (e *Engine) persist(ctx context.Context, wf *domain.Workflow) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled[wf.ID] {
		return domain.ErrWorkflowCancelled
	}
	wf.UpdatedAt = e.now().Unix()
	if err := e.Store.SaveWorkflow(context.WithoutCancel(ctx), wf); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	if _, owned := e.owners[wf.ID]; owned {
		e.live[wf.ID] = wf.Clone()
	}
	return nil
}

// saveStep records a step unless the workflow was cancelled.
func (e *Engine) saveStep(ctx context.Context, rec domain.StepRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled[rec.WorkflowID] {
		return domain.ErrWorkflowCancelled
	}
	if err := e.Store.SaveStep(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("save step %d: %w", rec.StepNumber, err)
	}
	return nil
}

// load returns the in-memory snapshot of a workflow, falling back to the store.
func (e *Engine) load(ctx context.Context, id string) (*domain.Workflow, error) {
	e.mu.Lock()
	wf, ok := e.live[id]
	e.mu.Unlock()
	if ok {
		return wf.Clone(), nil
	}
	return e.Store.GetWorkflow(ctx, id)
}

// GetWorkflow returns a snapshot of the workflow.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	return e.load(ctx, id)
}

// StartWorkflow creates a workflow for goal and runs the first planning turn.
// The returned workflow reflects the recorded state even when err is set.
func (e *Engine) StartWorkflow(ctx context.Context, userID, goal string) (*domain.Workflow, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "goal is required")
	}
	now := e.now().Unix()
	wf := &domain.Workflow{
		ID:        "wf-" + uuid.NewString(),
		UserID:    userID,
		Goal:      goal,
		Status:    domain.StatusStarting,
		Output:    make(map[int]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.acquire(wf.ID); err != nil {
		return nil, err
	}
	defer e.release(wf.ID)

	if err := e.Store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	e.Log.WithFields(logrus.Fields{"workflow_id": wf.ID, "user_id": userID}).Info("workflow started")

	ctx, span := e.startPassSpan(ctx, "plan", wf)
	err := e.startPlanning(ctx, wf, goalMessage(goal))
	endSpan(span, err)
	return wf.Clone(), err
}

// AnswerQuestions records the user's answers and resumes the planner session.
func (e *Engine) AnswerQuestions(ctx context.Context, id string, answers map[string]string) (*domain.Workflow, error) {
	if len(answers) == 0 {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "answers are required")
	}
	if err := e.acquire(id); err != nil {
		return nil, err
	}
	defer e.release(id)

	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case wf.Status.IsTerminal():
		return wf, domain.ErrFlowAlreadyDone
	case wf.Status != domain.StatusDiscovery && wf.Status != domain.StatusWaitingForInput && wf.Status != domain.StatusPlanned:
		return wf, domain.NewEngineError(domain.ErrInvalidStatus.Code,
			fmt.Sprintf("cannot answer questions while %s", wf.Status))
	}

	if wf.DiscoveryAnswers == nil {
		wf.DiscoveryAnswers = make(map[string]string, len(answers))
	}
	for k, v := range answers {
		wf.DiscoveryAnswers[k] = v
	}
	questions := wf.PendingQuestions
	wf.PendingQuestions = nil

	ctx, span := e.startPassSpan(ctx, "plan", wf)
	err = e.startPlanning(ctx, wf, answersMessage(questions, answers))
	endSpan(span, err)
	return wf.Clone(), err
}

// ApprovePlan applies the user's step overrides and executes the plan.
func (e *Engine) ApprovePlan(ctx context.Context, id string, stepConfigs map[int]domain.StepConfig) (*domain.Workflow, error) {
	if err := e.acquire(id); err != nil {
		return nil, err
	}
	defer e.release(id)

	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkApprovable(wf, stepConfigs); err != nil {
		return wf, err
	}
	if len(stepConfigs) > 0 {
		if wf.StepConfigs == nil {
			wf.StepConfigs = make(map[int]domain.StepConfig, len(stepConfigs))
		}
		for n, c := range stepConfigs {
			wf.StepConfigs[n] = c
		}
	}
	if err := e.transition(ctx, wf, domain.StatusExecuting); err != nil {
		return wf.Clone(), err
	}
	err = e.execute(ctx, wf)
	return wf.Clone(), err
}

// CheckApprovable reports whether ApprovePlan would accept the workflow now.
func (e *Engine) CheckApprovable(ctx context.Context, id string, stepConfigs map[int]domain.StepConfig) error {
	e.mu.Lock()
	_, busy := e.owners[id]
	e.mu.Unlock()
	if busy {
		return domain.ErrWorkflowBusy
	}
	wf, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return checkApprovable(wf, stepConfigs)
}

func checkApprovable(wf *domain.Workflow, stepConfigs map[int]domain.StepConfig) error {
	if wf.Status.IsTerminal() {
		return domain.ErrFlowAlreadyDone
	}
	if wf.Status != domain.StatusPlanned {
		return domain.NewEngineError(domain.ErrInvalidStatus.Code,
			fmt.Sprintf("cannot approve a plan while %s", wf.Status))
	}
	if wf.Plan == nil || len(wf.Plan.Steps) == 0 {
		return domain.ErrNoPlan
	}
	for n := range stepConfigs {
		if !planHasStep(wf.Plan, n) {
			return domain.NewEngineError(domain.ErrInvalidInput.Code,
				fmt.Sprintf("step_configs: step %d is not in the plan", n))
		}
	}
	return nil
}

func planHasStep(p *domain.Plan, n int) bool {
	for _, s := range p.Steps {
		if s.Step == n {
			return true
		}
	}
	return false
}

// ExecutePlanDeterministically runs wf's plan in array order. A planned
// workflow is moved to executing first. wf is updated in place.
func (e *Engine) ExecutePlanDeterministically(ctx context.Context, wf *domain.Workflow) error {
	if err := e.acquire(wf.ID); err != nil {
		return err
	}
	defer e.release(wf.ID)

	if wf.Status == domain.StatusPlanned {
		if err := e.transition(ctx, wf, domain.StatusExecuting); err != nil {
			return err
		}
	}
	if wf.Status != domain.StatusExecuting {
		return domain.NewEngineError(domain.ErrInvalidStatus.Code,
			fmt.Sprintf("cannot execute while %s", wf.Status))
	}
	return e.execute(ctx, wf)
}

// CancelWorkflow marks a workflow failed. An in-flight worker is left to
// finish; its result is discarded.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	e.mu.Lock()
	wf, ok := e.live[id]
	if ok {
		wf = wf.Clone()
	} else {
		var err error
		wf, err = e.Store.GetWorkflow(ctx, id)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	if wf.Status.IsTerminal() {
		e.mu.Unlock()
		return wf, domain.ErrFlowAlreadyDone
	}

	from := wf.Status
	now := e.now().Unix()
	wf.Status = domain.StatusFailed
	wf.Error = domain.ErrWorkflowCancelled.Message
	wf.UpdatedAt = now
	wf.CompletedAt = now
	if err := e.Store.SaveWorkflow(ctx, wf); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	if _, owned := e.owners[id]; owned {
		e.cancelled[id] = true
		e.live[id] = wf.Clone()
	}
	e.mu.Unlock()

	e.Log.WithFields(logrus.Fields{"workflow_id": id, "from": string(from)}).Info("workflow cancelled")
	e.emit(ctx, id, domain.EventWorkflowStatus, 0, string(domain.StatusFailed), map[string]any{
		"from":      string(from),
		"to":        string(domain.StatusFailed),
		"cancelled": true,
	})
	return wf, nil
}

// RecoverInterrupted fails every workflow left executing by a previous
// process. It returns the number of workflows recovered.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := e.Store.ListWorkflowsByStatus(ctx, domain.StatusExecuting)
	if err != nil {
		return 0, fmt.Errorf("list executing workflows: %w", err)
	}
	recovered := 0
	for _, wf := range stuck {
		e.mu.Lock()
		_, owned := e.owners[wf.ID]
		e.mu.Unlock()
		if owned {
			continue
		}
		wf.Error = fmt.Sprintf("interrupted by restart during step %d", wf.CurrentStep)
		if err := e.transition(ctx, wf, domain.StatusFailed); err != nil {
			e.Log.WithError(err).WithField("workflow_id", wf.ID).Warn("recover interrupted workflow")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		e.Log.WithField("count", recovered).Info("recovered interrupted workflows")
	}
	return recovered, nil
}

// startPlanning moves wf to planning and runs one planner exchange.
func (e *Engine) startPlanning(ctx context.Context, wf *domain.Workflow, message string) error {
	if err := e.transition(ctx, wf, domain.StatusPlanning); err != nil {
		return err
	}
	cmd, err := e.invokePlanner(ctx, wf, message)
	if e.isCancelled(wf.ID) {
		return domain.ErrWorkflowCancelled
	}
	if err != nil {
		e.fail(ctx, wf, "planning failed: "+causeMessage(err))
		return err
	}
	if err := e.applyCommand(ctx, wf, cmd); err != nil {
		if !errors.Is(err, domain.ErrWorkflowCancelled) {
			e.fail(ctx, wf, causeMessage(err))
		}
		return err
	}
	return nil
}

// invokePlanner sends message to the planner and parses its reply, resuming
// the same session with the parser's complaint when the reply is unusable.
func (e *Engine) invokePlanner(ctx context.Context, wf *domain.Workflow, message string) (*domain.Command, error) {
	req := domain.InvokeRequest{
		WorkflowID:   wf.ID,
		Profile:      e.Config.PlannerProfile,
		Message:      message,
		ResumeHandle: wf.OrchestratorSessionID,
	}
	if req.ResumeHandle == "" {
		req.SystemPrompt = e.plannerPrompt(ctx, wf.UserID)
	}

	log := e.Log.WithField("workflow_id", wf.ID)
	for attempt := 0; ; attempt++ {
		res, err := e.Invoker.Invoke(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("invoke planner: %w", err)
		}
		if res.SessionHandle != "" {
			wf.OrchestratorSessionID = res.SessionHandle
		}

		parsed := command.Parse(res.Text)
		if parsed.Success {
			log.WithField("command", string(parsed.Command.Type)).Debug("planner command")
			return parsed.Command, nil
		}
		log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"error":   parsed.Error,
			"preview": parsed.RawTextPreview,
		}).Warn("planner reply could not be parsed")

		if attempt >= e.Config.ParseRetries || wf.OrchestratorSessionID == "" {
			return nil, domain.WrapEngineError(domain.ErrParse.Code, "planner reply could not be parsed", errors.New(parsed.Error))
		}
		req.ResumeHandle = wf.OrchestratorSessionID
		req.SystemPrompt = ""
		req.Message = correctionMessage(parsed.Error, parsed.RawTextPreview)
	}
}

func (e *Engine) plannerPrompt(ctx context.Context, userID string) string {
	agents, err := e.Agents.List(ctx, userID)
	if err != nil {
		e.Log.WithError(err).Warn("list agents for planner")
	}
	var catalog []domain.ActionInfo
	if e.Actions != nil {
		catalog = e.Actions.Catalog()
	}
	return plannerSystemPrompt(agents, catalog)
}

// applyCommand branches on the planner's command.
func (e *Engine) applyCommand(ctx context.Context, wf *domain.Workflow, cmd *domain.Command) error {
	switch cmd.Type {
	case domain.CmdDiscovery, domain.CmdClarify:
		wf.PendingQuestions = cmd.Questions()
		wf.Message = cmd.Message()
		to := domain.StatusDiscovery
		if cmd.Type == domain.CmdClarify {
			to = domain.StatusWaitingForInput
		}
		return e.transition(ctx, wf, to)

	case domain.CmdComplete:
		wf.Result = cmd.String("summary")
		wf.Message = cmd.Message()
		if wf.Message == "" {
			wf.Message = wf.Result
		}
		return e.transition(ctx, wf, domain.StatusCompleted)

	case domain.CmdPlan:
		plan, err := cmd.Plan()
		if err != nil {
			return domain.WrapEngineError(domain.ErrParse.Code, "invalid plan", err)
		}
		if plan.Goal == "" {
			plan.Goal = wf.Goal
		}
		wf.Plan = plan
		wf.Message = plan.Message
		return e.transition(ctx, wf, domain.StatusPlanned)

	case domain.CmdCreateAgent, domain.CmdDelegate:
		plan, err := singleStepPlan(wf.Goal, cmd)
		if err != nil {
			return domain.WrapEngineError(domain.ErrParse.Code, "invalid command", err)
		}
		wf.Plan = plan
		wf.Message = cmd.Message()
		if err := e.transition(ctx, wf, domain.StatusPlanned); err != nil {
			return err
		}
		if err := e.transition(ctx, wf, domain.StatusExecuting); err != nil {
			return err
		}
		return e.execute(ctx, wf)
	}
	return domain.NewEngineError(domain.ErrUnexpectedOutput.Code,
		fmt.Sprintf("unexpected command %q", cmd.Type))
}

// singleStepPlan wraps a bare create_agent or delegate command.
func singleStepPlan(goal string, cmd *domain.Command) (*domain.Plan, error) {
	plan := &domain.Plan{Goal: goal, Message: cmd.Message()}
	switch cmd.Type {
	case domain.CmdCreateAgent:
		cfg, err := cmd.AgentConfig()
		if err != nil {
			return nil, err
		}
		task := cmd.String("task")
		if task == "" {
			task = cfg.Description
		}
		plan.Steps = []domain.Step{{
			Step:        1,
			StepType:    domain.StepCreate,
			Agent:       cfg.Name,
			AgentConfig: cfg,
			Task:        task,
		}}
	case domain.CmdDelegate:
		step := 1
		if n, ok := cmd.Fields["step"].(float64); ok && n >= 1 {
			step = int(n)
		}
		plan.Steps = []domain.Step{{
			Step:     step,
			StepType: domain.StepDelegate,
			Agent:    cmd.String("agent"),
			Task:     cmd.String("input"),
		}}
	default:
		return nil, fmt.Errorf("command %q cannot run as a single step", cmd.Type)
	}
	return plan, nil
}

// causeMessage is the user-facing text of err.
func causeMessage(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Error()
	}
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}
