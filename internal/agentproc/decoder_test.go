package agentproc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(t *testing.T, d *Decoder, line string) []Event {
	t.Helper()
	events, err := d.Feed([]byte(line))
	require.NoError(t, err, line)
	return events
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestDecoder_TextAndSession(t *testing.T) {
	d := NewDecoder()
	feed(t, d, `{"type":"system","subtype":"init","session_id":"sess-1"}`)
	assert.Equal(t, "sess-1", d.SessionID())

	evs := feed(t, d, `{"type":"assistant","message":{"content":[{"type":"text","text":"Ahoy "},{"type":"text","text":"matey"}]}}`)
	assert.Equal(t, []EventKind{EventActivity, EventText, EventText}, kinds(evs))
	assert.Equal(t, "Ahoy matey", d.Text())
	assert.False(t, d.Done())

	evs = feed(t, d, `{"type":"result","subtype":"success","result":"Ahoy matey!","session_id":"sess-2","total_cost_usd":0.02,"duration_ms":1200,"num_turns":1}`)
	assert.Equal(t, []EventKind{EventResult}, kinds(evs))
	require.True(t, d.Done())
	out := d.Outcome()
	assert.False(t, out.IsError)
	assert.Equal(t, "Ahoy matey!", out.Text)
	assert.Equal(t, "sess-2", out.SessionID)
	assert.InDelta(t, 0.02, out.CostUSD, 1e-9)
	assert.Equal(t, int64(1200), out.DurationMS)
}

func TestDecoder_ToolResultNamesFromUserEcho(t *testing.T) {
	d := NewDecoder()
	feed(t, d, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_1","name":"mcp__media__generate_image","input":{}}]}}`)
	evs := feed(t, d, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"{\"success\":true,\"path\":\"/tmp/a.png\"}"}]}}`)

	require.Equal(t, []EventKind{EventActivity, EventToolResult}, kinds(evs))
	assert.Equal(t, "mcp__media__generate_image", evs[1].ToolName)
	assert.Equal(t, `{"success":true,"path":"/tmp/a.png"}`, ToolResultText(evs[1].Raw))
	assert.Equal(t, []string{"mcp__media__generate_image"}, d.ToolsUsed())
}

func TestDecoder_TopLevelToolResult(t *testing.T) {
	d := NewDecoder()
	feed(t, d, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_9","name":"Read"}]}}`)
	evs := feed(t, d, `{"type":"tool_result","tool_use_id":"tu_9","content":[{"type":"text","text":"file body"}]}`)
	require.Len(t, evs, 1)
	assert.Equal(t, EventToolResult, evs[0].Kind)
	assert.Equal(t, "Read", evs[0].ToolName)
	assert.Equal(t, "file body", ToolResultText(evs[0].Raw))
}

func TestDecoder_ControlRequestSubtypes(t *testing.T) {
	for _, subtype := range []string{"can_use_tool", "can-use-tool"} {
		d := NewDecoder()
		evs := feed(t, d, `{"type":"control_request","request_id":"req-7","request":{"subtype":"`+subtype+`","tool_name":"Bash","input":{"command":"ls"}}}`)
		require.Len(t, evs, 1)
		cr := evs[0].Control
		require.NotNil(t, cr)
		assert.True(t, cr.IsCanUseTool(), subtype)
		assert.Equal(t, "req-7", cr.RequestID)
		assert.Equal(t, "Bash", cr.ToolName)
		assert.Equal(t, "ls", cr.Input["command"])
	}
}

func TestDecoder_ErrorResult(t *testing.T) {
	cases := []string{
		`{"type":"result","is_error":true,"result":"quota exceeded"}`,
		`{"type":"result","subtype":"error_max_turns"}`,
	}
	for _, line := range cases {
		d := NewDecoder()
		feed(t, d, line)
		assert.True(t, d.Outcome().IsError, line)
	}
}

func TestDecoder_MalformedAndBlank(t *testing.T) {
	d := NewDecoder()
	evs, err := d.Feed([]byte("   "))
	assert.NoError(t, err)
	assert.Nil(t, evs)

	_, err = d.Feed([]byte("not json"))
	assert.Error(t, err)
	_, err = d.Feed([]byte(`{"no":"type"}`))
	assert.Error(t, err)

	evs, err = d.Feed([]byte(`{"type":"stream_event"}`))
	assert.NoError(t, err)
	assert.Empty(t, evs)
}

func TestControlResponseWireShape(t *testing.T) {
	line, err := controlResponse("req-1", PermissionDecision{Allow: true, UpdatedInput: map[string]any{"command": "ls"}})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"control_response","response":{"subtype":"success","request_id":"req-1","response":{"behavior":"allow","updatedInput":{"command":"ls"}}}}`,
		string(line))
	assert.Equal(t, byte('\n'), line[len(line)-1])

	line, err = controlResponse("req-2", PermissionDecision{Message: "not allowed"})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"control_response","response":{"subtype":"success","request_id":"req-2","response":{"behavior":"deny","message":"not allowed"}}}`,
		string(line))
}

func TestParseMediaResult(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		ok      bool
		success bool
		path    string
	}{
		{"json string", `"{\"success\":true,\"path\":\"/out/img.png\"}"`, true, true, "/out/img.png"},
		{"object", `{"success":false,"error":"nsfw"}`, true, false, ""},
		{"text blocks", `[{"type":"text","text":"{\"success\":true,\"file_path\":\"/out/a.mp3\"}"}]`, true, true, "/out/a.mp3"},
		{"prose path", `"Saved image to /tmp/media/image-1.png successfully"`, true, true, "/tmp/media/image-1.png"},
		{"unrelated", `"done"`, false, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, ok := ParseMediaResult(json.RawMessage(tc.raw))
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.success, out.Success)
			assert.Equal(t, tc.path, out.Path)
		})
	}
}
