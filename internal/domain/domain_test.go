package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineErrorIsByCode(t *testing.T) {
	wrapped := WrapEngineError(ErrDependency.Code, "step 3 depends on step 2", errors.New("no result"))
	assert.True(t, errors.Is(wrapped, ErrDependency))
	assert.False(t, errors.Is(wrapped, ErrParse))

	outer := fmt.Errorf("execute: %w", wrapped)
	assert.True(t, errors.Is(outer, ErrDependency))
	assert.Equal(t, ErrDependency.Code, CodeOf(outer))
	assert.Equal(t, 0, CodeOf(errors.New("plain")))
}

func TestWrapEngineErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapEngineError(ErrStoreWrite.Code, "save workflow", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "save workflow: disk full")
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []WorkflowStatus{StatusCompleted, StatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []WorkflowStatus{StatusStarting, StatusPlanning, StatusPlanned, StatusDiscovery, StatusWaitingForInput, StatusExecuting} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestWorkflowCloneIsDeep(t *testing.T) {
	wf := &Workflow{
		ID:     "wf-1",
		Output: map[int]string{1: "a"},
		Plan:   &Plan{Goal: "g", Steps: []Step{{Step: 1, StepType: StepDelegate}}},
	}
	cp := wf.Clone()
	cp.Output[1] = "b"
	cp.Plan.Steps[0].Task = "changed"
	assert.Equal(t, "a", wf.Output[1])
	assert.Empty(t, wf.Plan.Steps[0].Task)
}

func TestCommandAccessors(t *testing.T) {
	raw := `{"type":"clarify","message":"need info","questions":["Which language?",{"id":"tone","question":"Tone?","options":["formal","casual"]}]}`
	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &fields))
	cmd := Command{Type: CmdClarify, Fields: fields}

	qs := cmd.Questions()
	require.Len(t, qs, 2)
	assert.Equal(t, "q1", qs[0].ID)
	assert.Equal(t, "tone", qs[1].ID)
	assert.Equal(t, []string{"formal", "casual"}, qs[1].Options)
	assert.Equal(t, "need info", cmd.Message())

	_, err := cmd.Plan()
	assert.Error(t, err)
}

func TestVerdictField(t *testing.T) {
	v := &Verdict{Winner: "b", WinnerAssetURL: "https://x/y.png", Fields: map[string]any{"score": 9.0}}
	got, ok := v.Field("winner_asset_url")
	require.True(t, ok)
	assert.Equal(t, "https://x/y.png", got)
	got, ok = v.Field("score")
	require.True(t, ok)
	assert.Equal(t, 9.0, got)
	_, ok = v.Field("missing")
	assert.False(t, ok)
}
