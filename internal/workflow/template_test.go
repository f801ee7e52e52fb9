package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/goalflow/internal/domain"
	"github.com/rogers-f/goalflow/internal/review"
)

func judgeResult(t *testing.T, output string) *domain.StepResult {
	t.Helper()
	v, ok := review.ParseVerdict(output)
	require.True(t, ok)
	return &domain.StepResult{Success: true, Type: domain.StepDelegate, Output: output, JudgeResult: v}
}

const judgeOutput = "B is clearly stronger.\nRESULT:\n" +
	`{"winner":"B","winner_asset_url":"https://cdn.example.com/b.png","ranking":["B","A"],"reasoning_summary":"Sharper"}`

func TestResolver_WinnerAssetURLFromVerdict(t *testing.T) {
	r := NewResolver()
	r.Record(1, &domain.StepResult{Success: true, Output: "Three logos drafted."})
	r.Record(2, judgeResult(t, judgeOutput))

	got, unresolved := r.ResolveString("Upscale {{step_2.winner_asset_url}} now")
	assert.Equal(t, "Upscale https://cdn.example.com/b.png now", got)
	assert.Empty(t, unresolved)
}

func TestResolver_MissingFieldStaysVerbatim(t *testing.T) {
	r := NewResolver()
	r.Record(2, &domain.StepResult{Success: true, Output: "B is the best, no structured block."})

	got, unresolved := r.ResolveString("Upscale {{step_2.winner_asset_url}}")
	assert.Equal(t, "Upscale {{step_2.winner_asset_url}}", got)
	assert.Equal(t, []string{"{{step_2.winner_asset_url}}"}, unresolved)
}

func TestResolver_FieldPrecedence(t *testing.T) {
	res := judgeResult(t, judgeOutput)
	res.Data = map[string]any{"winner": "from-data", "blob_url": "file:///blobs/1.png"}
	r := NewResolver()
	r.Record(1, res)

	got, _ := r.ResolveString("{{step_1.winner}}")
	assert.Equal(t, "B", got, "verdict beats data")

	got, _ = r.ResolveString("{{step_1.blob_url}}")
	assert.Equal(t, "file:///blobs/1.png", got, "data used when verdict lacks the field")

	r.Record(2, &domain.StepResult{Success: true, Output: `{"title":"Sea Shanty","meta":{"bars":16}}`})
	got, _ = r.ResolveString("{{step_2.title}}")
	assert.Equal(t, "Sea Shanty", got)
	got, _ = r.ResolveString("{{step_2.meta}}")
	assert.Equal(t, `{"bars":16}`, got)

	r.Record(3, &domain.StepResult{Success: true, Output: "Saved it to https://files.example.com/a.mp3."})
	got, _ = r.ResolveString("{{step_3.audio_url}}")
	assert.Equal(t, "https://files.example.com/a.mp3", got)
	got, unresolved := r.ResolveString("{{step_3.audio}}")
	assert.Equal(t, "{{step_3.audio}}", got, "regex fallback only applies to *_url fields")
	assert.Len(t, unresolved, 1)
}

func TestResolver_WholeOutputAndUnknownStep(t *testing.T) {
	r := NewResolver()
	r.Record(1, &domain.StepResult{Success: true, Output: "Ahoy, matey!"})
	r.Record(2, &domain.StepResult{Success: false, Output: "boom"})

	got, unresolved := r.ResolveString("Say {{ step_1 }} then {{step_2}} and {{step_9}}")
	assert.Equal(t, "Say Ahoy, matey! then {{step_2}} and {{step_9}}", got)
	assert.Equal(t, []string{"{{step_2}}", "{{step_9}}"}, unresolved)
}

func TestResolver_WinnerURLNewestFirst(t *testing.T) {
	r := NewResolver()
	r.Record(1, judgeResult(t, "RESULT:\n"+`{"winner":"A","winner_asset_url":"https://x.example/a.png"}`))
	r.Record(2, &domain.StepResult{Success: true, Output: "no verdict"})
	r.Record(3, judgeResult(t, "RESULT:\n"+`{"winner":"C","winner_asset_url":"https://x.example/c.png"}`))
	r.Record(4, judgeResult(t, "RESULT:\n"+`{"winner":"D"}`))

	got, unresolved := r.ResolveString("{{winner_url}}")
	assert.Equal(t, "https://x.example/c.png", got)
	assert.Empty(t, unresolved)

	empty := NewResolver()
	got, unresolved = empty.ResolveString("{{winner_url}}")
	assert.Equal(t, "{{winner_url}}", got)
	assert.Equal(t, []string{"{{winner_url}}"}, unresolved)
}

func TestResolver_ResolveParams(t *testing.T) {
	r := NewResolver()
	r.Record(2, judgeResult(t, judgeOutput))

	params := map[string]any{
		"url":     "{{step_2.winner_asset_url}}",
		"ranking": "{{step_2.ranking}}",
		"note":    "winner is {{step_2.winner}}",
		"nested":  map[string]any{"list": []any{"{{winner_url}}", 3.0}},
		"missing": "{{step_7.path}}",
		"count":   2.0,
	}
	got, unresolved := r.ResolveParams(params)

	assert.Equal(t, "https://cdn.example.com/b.png", got["url"])
	assert.Equal(t, []any{"B", "A"}, got["ranking"], "whole-string placeholder keeps its JSON type")
	assert.Equal(t, "winner is B", got["note"])
	assert.Equal(t, map[string]any{"list": []any{"https://cdn.example.com/b.png", 3.0}}, got["nested"])
	assert.Equal(t, "{{step_7.path}}", got["missing"])
	assert.Equal(t, 2.0, got["count"])
	assert.Equal(t, []string{"{{step_7.path}}"}, unresolved)

	assert.Equal(t, "{{step_2.winner_asset_url}}", params["url"], "input is not modified")
}
