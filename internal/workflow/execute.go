package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rogers-f/goalflow/internal/domain"
	"github.com/rogers-f/goalflow/internal/review"
)

// StepError reports the failure of one plan step.
type StepError struct {
	Step int
	Type domain.StepType
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %s", e.Step, e.Type, causeMessage(e.Err))
}

func (e *StepError) Unwrap() error { return e.Err }

// outcome is what a dispatcher hands back to the step loop.
type outcome struct {
	result  *domain.StepResult
	session string
}

// execute runs the plan of an executing workflow, one step at a time in
// array order.
func (e *Engine) execute(ctx context.Context, wf *domain.Workflow) (err error) {
	ctx, span := e.startPassSpan(ctx, "execute", wf)
	defer func() { endSpan(span, err) }()

	if wf.Plan == nil || len(wf.Plan.Steps) == 0 {
		e.fail(ctx, wf, domain.ErrNoPlan.Message)
		return domain.ErrNoPlan
	}
	if wf.Output == nil {
		wf.Output = make(map[int]string, len(wf.Plan.Steps))
	}
	log := e.Log.WithField("workflow_id", wf.ID)
	log.WithField("steps", len(wf.Plan.Steps)).Info("executing plan")

	res := NewResolver()
	for _, step := range wf.Plan.Steps {
		if e.isCancelled(wf.ID) {
			return domain.ErrWorkflowCancelled
		}
		if err := e.runStep(ctx, wf, step, res); err != nil {
			if errors.Is(err, domain.ErrWorkflowCancelled) {
				log.WithField("step", step.Step).Info("workflow cancelled, discarding step result")
				return err
			}
			log.WithError(err).WithField("step", step.Step).Warn("step failed")
			e.fail(ctx, wf, causeMessage(err))
			return err
		}
	}

	last := wf.Plan.Steps[len(wf.Plan.Steps)-1].Step
	wf.Result = wf.Output[last]
	return e.transition(ctx, wf, domain.StatusCompleted)
}

// runStep checks dependencies, resolves templates, dispatches the step and
// records its outcome durably before returning.
func (e *Engine) runStep(ctx context.Context, wf *domain.Workflow, step domain.Step, res *Resolver) (err error) {
	ctx, span := e.startStepSpan(ctx, wf, step)
	defer func() { endSpan(span, err) }()

	stepErr := func(cause error) error {
		return &StepError{Step: step.Step, Type: step.StepType, Err: cause}
	}

	for _, dep := range step.DependsOn {
		if r, ok := res.Result(dep); !ok || !r.Success {
			return stepErr(domain.NewEngineError(domain.ErrDependency.Code,
				fmt.Sprintf("depends on step %d, which has not completed", dep)))
		}
	}

	decision, err := evaluateGates(ctx, e.Gates, wf, step)
	if err != nil {
		return stepErr(err)
	}
	if !decision.Allow {
		return stepErr(domain.NewEngineError(domain.ErrBudgetExceeded.Code, strings.Join(decision.Blockers, "; ")))
	}

	if step.Step > wf.CurrentStep {
		wf.CurrentStep = step.Step
	}
	if err := e.persist(ctx, wf); err != nil {
		return err
	}

	eff := effectiveStep(step, wf.StepConfigs[step.Step])
	var unresolved []string
	eff.Task, unresolved = res.ResolveString(eff.Task)
	var missing []string
	eff.Params, missing = res.ResolveParams(eff.Params)
	unresolved = append(unresolved, missing...)
	if len(unresolved) > 0 {
		e.Log.WithFields(logrus.Fields{
			"workflow_id":  wf.ID,
			"step":         step.Step,
			"placeholders": unresolved,
		}).Warn("unresolved template placeholders")
		e.emit(ctx, wf.ID, domain.EventTemplateUnresolved, step.Step,
			fmt.Sprintf("unresolved placeholders: %s", strings.Join(unresolved, ", ")),
			map[string]any{"placeholders": unresolved})
	}

	rec := domain.StepRecord{
		WorkflowID: wf.ID,
		StepNumber: step.Step,
		StepType:   step.StepType,
		Agent:      step.Agent,
		Action:     step.Action,
		Task:       eff.Task,
		Status:     domain.StepRunning,
		Input:      stepInput(eff),
		StartedAt:  e.now().Unix(),
	}
	if err := e.saveStep(ctx, rec); err != nil {
		return err
	}
	e.emit(ctx, wf.ID, domain.EventStepStart, step.Step, eff.Task, map[string]any{
		"step_type": string(step.StepType),
		"agent":     step.Agent,
		"action":    step.Action,
	})

	out, err := e.dispatch(ctx, wf, eff, res)
	if e.isCancelled(wf.ID) {
		return domain.ErrWorkflowCancelled
	}
	rec.CompletedAt = e.now().Unix()
	if err != nil {
		rec.Status = domain.StepFailed
		rec.Error = causeMessage(err)
		if serr := e.saveStep(ctx, rec); serr != nil {
			e.Log.WithError(serr).WithField("workflow_id", wf.ID).Warn("record failed step")
		}
		return stepErr(err)
	}

	result := out.result
	res.Record(step.Step, result)
	wf.Output[step.Step] = result.Output

	rec.Status = domain.StepCompleted
	rec.Agent = agentOf(step, result)
	rec.Output = result.Output
	rec.Data = result.Data
	rec.JudgeResult = result.JudgeResult
	rec.SessionHandle = out.session
	if err := e.saveStep(ctx, rec); err != nil {
		return err
	}
	if err := e.persist(ctx, wf); err != nil {
		return err
	}
	e.emit(ctx, wf.ID, domain.EventStepComplete, step.Step, preview(result.Output, 200), map[string]any{
		"step_type": string(step.StepType),
		"success":   result.Success,
		"judge":     result.JudgeResult != nil,
	})
	return nil
}

func (e *Engine) dispatch(ctx context.Context, wf *domain.Workflow, step domain.Step, res *Resolver) (*outcome, error) {
	switch step.StepType {
	case domain.StepCreate:
		return e.dispatchCreate(ctx, wf, step)
	case domain.StepDelegate:
		return e.dispatchDelegate(ctx, wf, step, res)
	case domain.StepAction:
		return e.dispatchAction(ctx, wf, step)
	}
	return nil, domain.NewEngineError(domain.ErrInvalidInput.Code,
		fmt.Sprintf("unknown step type %q", step.StepType))
}

// dispatchCreate registers a new worker identity for the step's agent config.
func (e *Engine) dispatchCreate(ctx context.Context, wf *domain.Workflow, step domain.Step) (*outcome, error) {
	cfg := step.AgentConfig
	if cfg == nil || strings.TrimSpace(cfg.Name) == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "create step requires agent_config.name")
	}

	judge := review.IsJudgeAgent(*cfg)
	prompt := cfg.SystemPrompt
	if judge {
		prompt = review.WithResultRequirement(prompt)
	}

	agent, err := e.Agents.Create(ctx, domain.AgentSpec{
		Name:         agentSlug(cfg.Name),
		UserID:       wf.UserID,
		DisplayName:  cfg.Name,
		Description:  cfg.Description,
		SystemPrompt: prompt,
		AgentType:    cfg.AgentType,
		Capabilities: cfg.Capabilities,
	})
	if err != nil {
		return nil, fmt.Errorf("register agent %q: %w", cfg.Name, err)
	}

	hint := step.Agent
	if hint == "" {
		hint = cfg.Name
	}
	wf.CreatedAgents = append(wf.CreatedAgents, domain.CreatedAgent{Step: step.Step, Hint: hint, Name: agent.Name})

	e.Log.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"step":        step.Step,
		"agent":       agent.Name,
		"judge":       judge,
	}).Info("agent created")
	e.emit(ctx, wf.ID, domain.EventAgentCreated, step.Step, agent.Name, map[string]any{
		"agent":        agent.Name,
		"display_name": cfg.Name,
		"judge":        judge,
	})

	return &outcome{result: &domain.StepResult{
		Success: true,
		Type:    domain.StepCreate,
		Output:  fmt.Sprintf("Created agent %q as %s", cfg.Name, agent.Name),
		Data:    map[string]any{"agent": agent.Name, "judge": judge},
	}}, nil
}

// dispatchDelegate hands the task, with its dependency context, to a worker.
func (e *Engine) dispatchDelegate(ctx context.Context, wf *domain.Workflow, step domain.Step, res *Resolver) (*outcome, error) {
	agent, err := e.resolveAgent(ctx, wf, step.Agent)
	if err != nil {
		return nil, err
	}

	deps := make([]depContext, 0, len(step.DependsOn))
	for _, n := range step.DependsOn {
		if r, ok := res.Result(n); ok {
			deps = append(deps, depContext{Step: n, Output: r.Output})
		}
	}

	req := domain.InvokeRequest{
		WorkflowID:   wf.ID,
		Step:         step.Step,
		Agent:        agent.Name,
		Profile:      e.Config.WorkerProfile,
		Message:      delegateMessage(wf.Goal, deps, step.Task),
		SystemPrompt: agent.SystemPrompt,
		Attachments:  e.collectAttachments(ctx, wf, step, res),
		TimeoutSec:   wf.StepConfigs[step.Step].TimeoutSec,
	}
	ir, err := e.Invoker.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if ir.SessionHandle != "" {
		if err := e.Agents.UpdateSession(ctx, agent.Name, ir.SessionHandle); err != nil {
			e.Log.WithError(err).WithField("agent", agent.Name).Warn("update agent session")
		}
	}

	result := &domain.StepResult{
		Success: true,
		Type:    domain.StepDelegate,
		Output:  ir.Text,
		Data:    map[string]any{"agent": agent.Name},
	}
	if ir.ImagePath != "" {
		result.ImagePaths = []string{ir.ImagePath}
	}
	result.JudgeResult = e.verdict(wf, step, ir.Text)
	return &outcome{result: result, session: ir.SessionHandle}, nil
}

// dispatchAction runs a catalog action.
func (e *Engine) dispatchAction(ctx context.Context, wf *domain.Workflow, step domain.Step) (*outcome, error) {
	if e.Actions == nil {
		return nil, domain.NewEngineError(domain.ErrUnknownAction.Code,
			fmt.Sprintf("unknown action %q", step.Action))
	}
	e.emit(ctx, wf.ID, domain.EventActionStart, step.Step, step.Action, map[string]any{
		"action": step.Action,
		"params": step.Params,
	})
	ar, err := e.Actions.Dispatch(ctx, step.Action, step.Params)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, wf.ID, domain.EventActionComplete, step.Step, step.Action, map[string]any{
		"action": step.Action,
		"data":   ar.Data,
	})

	result := &domain.StepResult{
		Success: true,
		Type:    domain.StepAction,
		Output:  ar.Output,
		Data:    ar.Data,
	}
	if p := imageFromData(ar.Data); p != "" {
		result.ImagePaths = []string{p}
	}
	result.JudgeResult = e.verdict(wf, step, ar.Output)
	return &outcome{result: result}, nil
}

// verdict parses a trailing RESULT: block. Its absence is not an error.
func (e *Engine) verdict(wf *domain.Workflow, step domain.Step, output string) *domain.Verdict {
	log := e.Log.WithFields(logrus.Fields{"workflow_id": wf.ID, "step": step.Step})
	v, ok := review.ParseVerdict(output)
	if !ok {
		if review.IsJudgeText(step.Task) {
			log.Debug("judge step produced no RESULT block")
		}
		return nil
	}
	if err := (review.VerdictValidator{}).Validate(v); err != nil {
		log.WithError(err).Warn("judge verdict has defects")
	}
	return v
}

// resolveAgent maps a plan hint to a registered agent: agents created in this
// workflow first, then the registry by name, then the user's agents by
// display name.
func (e *Engine) resolveAgent(ctx context.Context, wf *domain.Workflow, hint string) (*domain.Agent, error) {
	hint = strings.TrimSpace(hint)
	want := slugify(hint)
	for i := len(wf.CreatedAgents) - 1; i >= 0; i-- {
		ca := wf.CreatedAgents[i]
		if ca.Hint == hint || ca.Name == hint || slugify(ca.Hint) == want {
			return e.Agents.Get(ctx, ca.Name)
		}
	}
	if a, err := e.Agents.Get(ctx, hint); err == nil {
		return a, nil
	}
	agents, err := e.Agents.List(ctx, wf.UserID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	for i := range agents {
		if strings.EqualFold(agents[i].DisplayName, hint) || slugify(agents[i].DisplayName) == want {
			return &agents[i], nil
		}
	}
	return nil, domain.NewEngineError(domain.ErrAgentNotFound.Code, fmt.Sprintf("agent %q not found", hint))
}

// collectAttachments fetches images produced by the step's dependencies.
func (e *Engine) collectAttachments(ctx context.Context, wf *domain.Workflow, step domain.Step, res *Resolver) []domain.Attachment {
	if e.Fetcher == nil {
		return nil
	}
	var out []domain.Attachment
	for _, ref := range dependencyImages(step.DependsOn, res) {
		if len(out) >= e.Config.MaxAttachments {
			break
		}
		att, err := e.Fetcher.Fetch(ctx, ref)
		if err != nil {
			e.Log.WithError(err).WithFields(logrus.Fields{
				"workflow_id": wf.ID,
				"step":        step.Step,
				"ref":         ref,
			}).Warn("skip attachment")
			continue
		}
		out = append(out, *att)
	}
	return out
}

func dependencyImages(deps []int, res *Resolver) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		ref = strings.TrimRight(strings.TrimSpace(ref), ".,;:!?")
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, n := range deps {
		r, ok := res.Result(n)
		if !ok {
			continue
		}
		for _, p := range r.ImagePaths {
			add(p)
		}
		if r.JudgeResult != nil && isImageRef(r.JudgeResult.WinnerAssetURL) {
			add(r.JudgeResult.WinnerAssetURL)
		}
		for _, u := range imageURLRe.FindAllString(r.Output, -1) {
			add(u)
		}
	}
	return refs
}

func imageFromData(data map[string]any) string {
	ct, _ := data["content_type"].(string)
	if !strings.HasPrefix(ct, "image/") {
		return ""
	}
	if p, _ := data["path"].(string); p != "" {
		return p
	}
	u, _ := data["blob_url"].(string)
	return u
}

func isImageRef(s string) bool {
	switch strings.ToLower(filepath.Ext(s)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return true
	}
	return false
}

// effectiveStep applies the user's overrides for a step.
func effectiveStep(step domain.Step, cfg domain.StepConfig) domain.Step {
	if cfg.Task != "" {
		step.Task = cfg.Task
	}
	if len(cfg.Params) > 0 {
		merged := make(map[string]any, len(step.Params)+len(cfg.Params))
		for k, v := range step.Params {
			merged[k] = v
		}
		for k, v := range cfg.Params {
			merged[k] = v
		}
		step.Params = merged
	}
	return step
}

func stepInput(step domain.Step) string {
	if step.StepType == domain.StepAction {
		return stringValue(step.Params)
	}
	return step.Task
}

func agentOf(step domain.Step, result *domain.StepResult) string {
	if name, ok := result.Data["agent"].(string); ok && name != "" {
		return name
	}
	return step.Agent
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases s and collapses every run of other characters to '-'.
func slugify(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}

// agentSlug builds a unique registry name for a display name.
func agentSlug(name string) string {
	slug := slugify(name)
	if slug == "" {
		slug = "agent"
	}
	return slug + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n] + "..."
}
