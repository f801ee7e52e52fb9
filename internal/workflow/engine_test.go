package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/goalflow/internal/domain"
	"github.com/rogers-f/goalflow/internal/store"
)

// fakeInvoker answers planner turns from a queue and worker turns from a
// handler.
type fakeInvoker struct {
	mu      sync.Mutex
	planner []string
	worker  func(req domain.InvokeRequest) (*domain.InvokeResult, error)
	calls   []domain.InvokeRequest
}

func (f *fakeInvoker) Invoke(_ context.Context, req domain.InvokeRequest) (*domain.InvokeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if req.Profile == "planner" {
		defer f.mu.Unlock()
		if len(f.planner) == 0 {
			return nil, errors.New("no planner reply scripted")
		}
		reply := f.planner[0]
		f.planner = f.planner[1:]
		return &domain.InvokeResult{Text: reply, SessionHandle: "planner-session"}, nil
	}
	handler := f.worker
	f.mu.Unlock()
	if handler == nil {
		return &domain.InvokeResult{Text: "done by " + req.Agent, SessionHandle: "worker-session"}, nil
	}
	return handler(req)
}

func (f *fakeInvoker) callsFor(profile string) []domain.InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.InvokeRequest
	for _, c := range f.calls {
		if c.Profile == profile {
			out = append(out, c)
		}
	}
	return out
}

// fakeActions knows store_url only.
type fakeActions struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (a *fakeActions) Dispatch(_ context.Context, name string, params map[string]any) (*domain.ActionResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, params)
	a.mu.Unlock()
	if name != "store_url" {
		return nil, domain.NewEngineError(domain.ErrUnknownAction.Code, fmt.Sprintf("unknown action %q", name))
	}
	u, _ := params["url"].(string)
	if !strings.HasPrefix(u, "http") {
		return nil, domain.NewEngineError(domain.ErrActionFailed.Code, fmt.Sprintf("invalid url %q", u))
	}
	return &domain.ActionResult{
		Output: "Stored " + u,
		Data: map[string]any{
			"url":          u,
			"blob_url":     "file:///blobs/1.png",
			"path":         "/blobs/1.png",
			"content_type": "image/png",
		},
	}, nil
}

func (a *fakeActions) Catalog() []domain.ActionInfo {
	return []domain.ActionInfo{{Name: "store_url", Description: "store a URL", Params: []string{"url"}, Enabled: true}}
}

type fixture struct {
	eng     *Engine
	store   *store.MemoryStore
	inv     *fakeInvoker
	actions *fakeActions
}

func newFixture(t *testing.T, plannerReplies ...string) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	inv := &fakeInvoker{planner: plannerReplies}
	actions := &fakeActions{}
	eng := NewEngine(st, st, inv, actions, Config{}, log)
	return &fixture{eng: eng, store: st, inv: inv, actions: actions}
}

func (f *fixture) steps(t *testing.T, id string) map[int]domain.StepRecord {
	t.Helper()
	recs, err := f.store.ListSteps(context.Background(), id)
	require.NoError(t, err)
	out := make(map[int]domain.StepRecord, len(recs))
	for _, r := range recs {
		out[r.StepNumber] = r
	}
	return out
}

func (f *fixture) eventTypes(t *testing.T, id string) []string {
	t.Helper()
	evs, err := f.store.ListEvents(context.Background(), id, 0)
	require.NoError(t, err)
	var out []string
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

const pirateGoal = "Create a pirate-translator agent, then use it to translate 'hello'"

const piratePlan = "Here is my plan:\n```json\n" + `{
  "type": "plan",
  "goal": "Translate hello into pirate speak",
  "message": "I'll create a translator and use it.",
  "steps": [
    {"step": 1, "step_type": "create", "agent": "pirate-translator", "task": "Translate text into pirate speak",
     "agent_config": {"name": "Pirate Translator", "system_prompt": "You rewrite any text the way a pirate would say it."}},
    {"step": 2, "step_type": "delegate", "agent": "pirate-translator", "task": "Translate 'hello'", "depends_on": [1]}
  ]
}` + "\n```"

func TestEngine_PirateTranslatorScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, piratePlan)
	f.inv.worker = func(req domain.InvokeRequest) (*domain.InvokeResult, error) {
		return &domain.InvokeResult{Text: "Ahoy, matey!", SessionHandle: "sess-pirate"}, nil
	}

	wf, err := f.eng.StartWorkflow(ctx, "user-1", pirateGoal)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanned, wf.Status)
	require.NotNil(t, wf.Plan)
	assert.Len(t, wf.Plan.Steps, 2)
	assert.Equal(t, "planner-session", wf.OrchestratorSessionID)

	planner := f.inv.callsFor("planner")
	require.Len(t, planner, 1)
	assert.Contains(t, planner[0].SystemPrompt, "store_url")
	assert.Contains(t, planner[0].Message, pirateGoal)

	wf, err = f.eng.ApprovePlan(ctx, wf.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wf.Status)
	assert.Equal(t, "Ahoy, matey!", wf.Result)
	assert.Equal(t, "Ahoy, matey!", wf.Output[2])
	assert.Equal(t, 2, wf.CurrentStep)
	assert.NotZero(t, wf.CompletedAt)

	require.Len(t, wf.CreatedAgents, 1)
	slug := wf.CreatedAgents[0].Name
	assert.Regexp(t, `^pirate-translator-[0-9a-f]{8}$`, slug)

	workers := f.inv.callsFor("worker")
	require.Len(t, workers, 1)
	assert.Equal(t, slug, workers[0].Agent)
	assert.Equal(t, "You rewrite any text the way a pirate would say it.", workers[0].SystemPrompt)
	assert.Contains(t, workers[0].Message, "Overall goal: "+pirateGoal)
	assert.Contains(t, workers[0].Message, "--- step 1 ---")
	assert.True(t, strings.HasSuffix(workers[0].Message, "Your task: Translate 'hello'"))

	agent, err := f.store.Get(ctx, slug)
	require.NoError(t, err)
	assert.Equal(t, "Pirate Translator", agent.DisplayName)
	assert.Equal(t, "sess-pirate", agent.SessionHandle)

	steps := f.steps(t, wf.ID)
	require.Len(t, steps, 2)
	assert.Equal(t, domain.StepCompleted, steps[1].Status)
	assert.Equal(t, domain.StepCompleted, steps[2].Status)
	assert.Equal(t, slug, steps[2].Agent)
	assert.Equal(t, "sess-pirate", steps[2].SessionHandle)

	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	types := f.eventTypes(t, wf.ID)
	assert.Contains(t, types, domain.EventAgentCreated)
	assert.Contains(t, types, domain.EventStepStart)
	assert.Contains(t, types, domain.EventStepComplete)
}

func TestEngine_JudgeWithoutResultBlock(t *testing.T) {
	ctx := context.Background()
	plan := `{"type":"plan","goal":"pick a logo","message":"m","steps":[
		{"step":1,"step_type":"delegate","agent":"Image Judge","task":"Compare the logos and pick the best"},
		{"step":2,"step_type":"action","action":"store_url","params":{"url":"{{winner_url}}"},"depends_on":[1]}
	]}`
	f := newFixture(t, plan)
	_, err := f.store.Create(ctx, domain.AgentSpec{Name: "image-judge-1a2b3c4d", UserID: "user-1", DisplayName: "Image Judge", SystemPrompt: "You judge images."})
	require.NoError(t, err)
	f.inv.worker = func(req domain.InvokeRequest) (*domain.InvokeResult, error) {
		return &domain.InvokeResult{Text: "Logo B is clearly the best."}, nil
	}

	wf, err := f.eng.StartWorkflow(ctx, "user-1", "pick a logo")
	require.NoError(t, err)
	wf, err = f.eng.ApprovePlan(ctx, wf.ID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrActionFailed))
	assert.Equal(t, domain.StatusFailed, wf.Status)
	assert.Contains(t, wf.Error, "step 2 (action) failed")
	assert.Contains(t, wf.Error, "{{winner_url}}")

	steps := f.steps(t, wf.ID)
	assert.Nil(t, steps[1].JudgeResult)
	assert.Equal(t, "image-judge-1a2b3c4d", steps[1].Agent)

	require.Len(t, f.actions.calls, 1)
	assert.Equal(t, "{{winner_url}}", f.actions.calls[0]["url"])

	evs, err := f.store.ListEvents(ctx, wf.ID, 0)
	require.NoError(t, err)
	var reported bool
	for _, ev := range evs {
		if ev.Type == domain.EventTemplateUnresolved {
			reported = true
			assert.Equal(t, 2, ev.Step)
			assert.Contains(t, ev.Message, "{{winner_url}}")
		}
	}
	assert.True(t, reported, "unresolved placeholder must be reported")
}

func TestEngine_WinnerAssetURLFlowsIntoAction(t *testing.T) {
	ctx := context.Background()
	plan := `{"type":"plan","goal":"g","message":"m","steps":[
		{"step":1,"step_type":"create","agent":"judge","task":"Judge logos","agent_config":{"name":"Logo Judge","system_prompt":"You evaluate logo candidates carefully."}},
		{"step":2,"step_type":"delegate","agent":"judge","task":"Rank the logos","depends_on":[1]},
		{"step":3,"step_type":"action","action":"store_url","params":{"url":"{{step_2.winner_asset_url}}"},"depends_on":[2]}
	]}`
	f := newFixture(t, plan)
	f.inv.worker = func(req domain.InvokeRequest) (*domain.InvokeResult, error) {
		return &domain.InvokeResult{Text: judgeOutput}, nil
	}

	wf, err := f.eng.StartWorkflow(ctx, "user-1", "g")
	require.NoError(t, err)
	wf, err = f.eng.ApprovePlan(ctx, wf.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wf.Status)

	require.Len(t, f.actions.calls, 1)
	assert.Equal(t, "https://cdn.example.com/b.png", f.actions.calls[0]["url"])

	workers := f.inv.callsFor("worker")
	require.Len(t, workers, 1)
	assert.Contains(t, workers[0].SystemPrompt, "RESULT:", "judge prompt gains the RESULT requirement")

	steps := f.steps(t, wf.ID)
	require.NotNil(t, steps[2].JudgeResult)
	assert.Equal(t, "B", steps[2].JudgeResult.Winner)
	assert.Equal(t, "/blobs/1.png", steps[3].Data["path"])
	assert.Equal(t, "Stored https://cdn.example.com/b.png", wf.Result)
}

func TestEngine_UnknownActionStopsWorkflow(t *testing.T) {
	ctx := context.Background()
	plan := `{"type":"plan","goal":"g","message":"m","steps":[
		{"step":1,"step_type":"action","action":"teleport","params":{}},
		{"step":2,"step_type":"delegate","agent":"anyone","task":"never runs"}
	]}`
	f := newFixture(t, plan)

	wf, err := f.eng.StartWorkflow(ctx, "user-1", "g")
	require.NoError(t, err)
	wf, err = f.eng.ApprovePlan(ctx, wf.ID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownAction))
	assert.Equal(t, domain.StatusFailed, wf.Status)
	assert.Contains(t, wf.Error, `unknown action "teleport"`)
	assert.Contains(t, wf.Error, "step 1 (action) failed")

	assert.Empty(t, f.inv.callsFor("worker"))
	steps := f.steps(t, wf.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepFailed, steps[1].Status)
}

func TestEngine_DependencyNotSatisfied(t *testing.T) {
	ctx := context.Background()
	plan := `{"type":"plan","goal":"g","message":"m","steps":[
		{"step":2,"step_type":"action","action":"store_url","params":{"url":"https://x.example/a.png"},"depends_on":[1]},
		{"step":1,"step_type":"action","action":"store_url","params":{"url":"https://x.example/b.png"}}
	]}`
	f := newFixture(t, plan)

	wf, err := f.eng.StartWorkflow(ctx, "user-1", "g")
	require.NoError(t, err)
	wf, err = f.eng.ApprovePlan(ctx, wf.ID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDependency))

	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Step)
	assert.Equal(t, domain.StatusFailed, wf.Status)
	assert.Contains(t, wf.Error, "depends on step 1")
	assert.Empty(t, f.actions.calls, "array order is honored, nothing runs before the failing step")
}

func TestEngine_StepConfigOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, piratePlan)

	wf, err := f.eng.StartWorkflow(ctx, "user-1", pirateGoal)
	require.NoError(t, err)
	_, err = f.eng.ApprovePlan(ctx, wf.ID, map[int]domain.StepConfig{2: {Task: "Translate 'goodbye'", TimeoutSec: 90}})
	require.NoError(t, err)

	workers := f.inv.callsFor("worker")
	require.Len(t, workers, 1)
	assert.True(t, strings.HasSuffix(workers[0].Message, "Your task: Translate 'goodbye'"))
	assert.Equal(t, 90, workers[0].TimeoutSec)

	_, err = f.eng.ApprovePlan(ctx, wf.ID, nil)
	assert.True(t, errors.Is(err, domain.ErrFlowAlreadyDone))
}

func TestEngine_ApprovePlanRejectsUnknownStepConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, piratePlan)
	wf, err := f.eng.StartWorkflow(ctx, "user-1", pirateGoal)
	require.NoError(t, err)

	err = f.eng.CheckApprovable(ctx, wf.ID, map[int]domain.StepConfig{7: {Task: "x"}})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	_, err = f.eng.ApprovePlan(ctx, wf.ID, map[int]domain.StepConfig{7: {Task: "x"}})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	got, err := f.eng.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanned, got.Status)
}

func TestEngine_DiscoveryThenAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		`{"type":"discovery","message":"A few questions first.","questions":["Which language?",{"id":"tone","question":"What tone?","options":["formal","silly"]}]}`,
		piratePlan,
	)

	wf, err := f.eng.StartWorkflow(ctx, "user-1", "translate something")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiscovery, wf.Status)
	require.Len(t, wf.PendingQuestions, 2)
	assert.Equal(t, "q1", wf.PendingQuestions[0].ID)
	assert.Equal(t, "tone", wf.PendingQuestions[1].ID)

	wf, err = f.eng.AnswerQuestions(ctx, wf.ID, map[string]string{"q1": "Pirate", "tone": "silly"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanned, wf.Status)
	assert.Empty(t, wf.PendingQuestions)
	assert.Equal(t, "silly", wf.DiscoveryAnswers["tone"])

	planner := f.inv.callsFor("planner")
	require.Len(t, planner, 2)
	assert.Equal(t, "planner-session", planner[1].ResumeHandle)
	assert.Empty(t, planner[1].SystemPrompt)
	assert.Contains(t, planner[1].Message, "Q: What tone?\nA: silly")
}

func TestEngine_ClarifyWaitsForInput(t *testing.T) {
	f := newFixture(t, `{"type":"clarify","message":"Which file?","questions":["Path?"]}`)
	wf, err := f.eng.StartWorkflow(context.Background(), "user-1", "fix the file")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingForInput, wf.Status)
	assert.Equal(t, "Which file?", wf.Message)

	_, err = f.eng.AnswerQuestions(context.Background(), wf.ID, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestEngine_CompleteCommand(t *testing.T) {
	f := newFixture(t, `{"type":"complete","summary":"Hello to you too!"}`)
	wf, err := f.eng.StartWorkflow(context.Background(), "user-1", "say hi")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wf.Status)
	assert.Equal(t, "Hello to you too!", wf.Result)
	assert.Empty(t, f.inv.callsFor("worker"))
}

func TestEngine_CreateAgentRunsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `{"type":"create_agent","message":"Made you a poet.","agent_config":{"name":"Sea Poet","description":"Writes sea poems","system_prompt":"You write short poems about the sea."}}`)

	wf, err := f.eng.StartWorkflow(ctx, "user-1", "make me a poet")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wf.Status)
	require.Len(t, wf.CreatedAgents, 1)
	assert.Contains(t, wf.Result, wf.CreatedAgents[0].Name)

	agents, err := f.store.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Sea Poet", agents[0].DisplayName)
}

func TestEngine_DelegateToExistingAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `{"type":"delegate","step":1,"agent":"Sea Poet","input":"A haiku about gulls","message":"On it."}`)
	_, err := f.store.Create(ctx, domain.AgentSpec{Name: "sea-poet-0badf00d", UserID: "user-1", DisplayName: "Sea Poet", SystemPrompt: "poems"})
	require.NoError(t, err)
	f.inv.worker = func(req domain.InvokeRequest) (*domain.InvokeResult, error) {
		return &domain.InvokeResult{Text: "Gulls wheel and cry"}, nil
	}

	wf, err := f.eng.StartWorkflow(ctx, "user-1", "haiku about gulls")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wf.Status)
	assert.Equal(t, "Gulls wheel and cry", wf.Result)
	assert.Equal(t, "sea-poet-0badf00d", f.inv.callsFor("worker")[0].Agent)
}

func TestEngine_DelegateToMissingAgentFails(t *testing.T) {
	f := newFixture(t, `{"type":"delegate","step":1,"agent":"ghost","input":"boo","message":"ok"}`)
	wf, err := f.eng.StartWorkflow(context.Background(), "user-1", "scare me")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAgentNotFound))
	assert.Equal(t, domain.StatusFailed, wf.Status)
	assert.Contains(t, wf.Error, `agent "ghost" not found`)
}

func TestEngine_ParseRetryResumesPlannerSession(t *testing.T) {
	f := newFixture(t, "I think we should make a plan!", `{"type":"complete","summary":"ok"}`)
	wf, err := f.eng.StartWorkflow(context.Background(), "user-1", "g")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wf.Status)

	planner := f.inv.callsFor("planner")
	require.Len(t, planner, 2)
	assert.Equal(t, "planner-session", planner[1].ResumeHandle)
	assert.Contains(t, planner[1].Message, "could not be used")
	assert.Contains(t, planner[1].Message, "no JSON object found")
}

func TestEngine_ParseRetryExhausted(t *testing.T) {
	f := newFixture(t, "nope", "still nope")
	wf, err := f.eng.StartWorkflow(context.Background(), "user-1", "g")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrParse))
	assert.Equal(t, domain.StatusFailed, wf.Status)
	assert.Contains(t, wf.Error, "planning failed")
	assert.Len(t, f.inv.callsFor("planner"), 2)
}

func TestEngine_WorkerFailureFailsWorkflow(t *testing.T) {
	f := newFixture(t, piratePlan)
	f.inv.worker = func(req domain.InvokeRequest) (*domain.InvokeResult, error) {
		return nil, domain.WrapEngineError(domain.ErrWorkerTimeout.Code, domain.ErrWorkerTimeout.Message, errors.New("no output for 30s"))
	}
	ctx := context.Background()
	wf, err := f.eng.StartWorkflow(ctx, "user-1", pirateGoal)
	require.NoError(t, err)

	wf, err = f.eng.ApprovePlan(ctx, wf.ID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWorkerTimeout))
	assert.Contains(t, wf.Error, "step 2 (delegate) failed: the worker is taking too long, please retry")

	steps := f.steps(t, wf.ID)
	assert.Equal(t, domain.StepCompleted, steps[1].Status)
	assert.Equal(t, domain.StepFailed, steps[2].Status)
}

func TestEngine_CancelDiscardsLateResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, piratePlan)
	started := make(chan struct{})
	unblock := make(chan struct{})
	f.inv.worker = func(req domain.InvokeRequest) (*domain.InvokeResult, error) {
		close(started)
		<-unblock
		return &domain.InvokeResult{Text: "late ahoy"}, nil
	}

	wf, err := f.eng.StartWorkflow(ctx, "user-1", pirateGoal)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.ApprovePlan(ctx, wf.ID, nil)
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was never invoked")
	}

	_, err = f.eng.ApprovePlan(ctx, wf.ID, nil)
	assert.True(t, errors.Is(err, domain.ErrWorkflowBusy))

	cancelled, err := f.eng.CancelWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, cancelled.Status)
	assert.Equal(t, "workflow cancelled", cancelled.Error)

	close(unblock)
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not return")
	}
	assert.True(t, errors.Is(err, domain.ErrWorkflowCancelled))

	stored, err := f.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "workflow cancelled", stored.Error)
	assert.NotContains(t, stored.Output, 2)

	steps := f.steps(t, wf.ID)
	assert.Equal(t, domain.StepRunning, steps[2].Status, "late result is not recorded")

	_, err = f.eng.CancelWorkflow(ctx, wf.ID)
	assert.True(t, errors.Is(err, domain.ErrFlowAlreadyDone))
}

func TestEngine_ExecutePlanDeterministically(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, piratePlan)
	wf, err := f.eng.StartWorkflow(ctx, "user-1", pirateGoal)
	require.NoError(t, err)

	require.NoError(t, f.eng.ExecutePlanDeterministically(ctx, wf))
	assert.Equal(t, domain.StatusCompleted, wf.Status)
	assert.Equal(t, "done by "+wf.CreatedAgents[0].Name, wf.Result)

	err = f.eng.ExecutePlanDeterministically(ctx, wf)
	assert.True(t, errors.Is(err, domain.ErrInvalidStatus))
}

func TestEngine_RecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i, status := range []domain.WorkflowStatus{domain.StatusExecuting, domain.StatusExecuting, domain.StatusPlanned} {
		require.NoError(t, f.store.CreateWorkflow(ctx, &domain.Workflow{
			ID:          fmt.Sprintf("wf-%d", i),
			UserID:      "user-1",
			Status:      status,
			CurrentStep: 2,
		}))
	}

	n, err := f.eng.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"wf-0", "wf-1"} {
		wf, err := f.store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, wf.Status)
		assert.Contains(t, wf.Error, "interrupted")
	}
	wf, err := f.store.GetWorkflow(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanned, wf.Status)
}

func TestEngine_BudgetGateStopsExecution(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	inv := &fakeInvoker{planner: []string{piratePlan}}
	inv.worker = func(req domain.InvokeRequest) (*domain.InvokeResult, error) {
		return &domain.InvokeResult{Text: "ok"}, nil
	}
	eng := NewEngine(st, st, inv, &fakeActions{}, Config{MaxCostUSD: 1}, log)
	require.Len(t, eng.Gates, 1)

	wf, err := eng.StartWorkflow(ctx, "user-1", pirateGoal)
	require.NoError(t, err)
	require.NoError(t, st.RecordUsage(ctx, domain.UsageRecord{WorkflowID: wf.ID, CostUSD: 1.5}))

	wf, err = eng.ApprovePlan(ctx, wf.ID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBudgetExceeded))
	assert.Contains(t, wf.Error, "budget limit exceeded")
	assert.Empty(t, inv.callsFor("worker"))
}

func TestEngine_GetWorkflowNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.GetWorkflow(context.Background(), "wf-missing")
	assert.True(t, errors.Is(err, domain.ErrFlowNotFound))

	_, err = f.eng.StartWorkflow(context.Background(), "user-1", "   ")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "pirate-translator", slugify("  Pirate Translator! "))
	assert.Equal(t, "", slugify("***"))
	assert.Regexp(t, `^agent-[0-9a-f]{8}$`, agentSlug("!!!"))
	assert.LessOrEqual(t, len(slugify(strings.Repeat("abc ", 30))), 40)
}
