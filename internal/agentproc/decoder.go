package agentproc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind is what the I/O loop must act on after feeding a line.
type EventKind int

const (
	// EventActivity is any recognized message; it only rearms the watchdog.
	EventActivity EventKind = iota + 1
	EventText
	EventToolResult
	EventControlRequest
	EventResult
)

// ControlRequest is a permission prompt sent by the worker.
type ControlRequest struct {
	RequestID string
	Subtype   string
	ToolName  string
	Input     map[string]any
}

// IsCanUseTool reports whether the request asks for tool permission.
func (c *ControlRequest) IsCanUseTool() bool {
	return c.Subtype == "can_use_tool" || c.Subtype == "can-use-tool"
}

// Event is one actionable outcome of Decoder.Feed.
type Event struct {
	Kind     EventKind
	Text     string
	ToolName string
	Raw      json.RawMessage
	Control  *ControlRequest
}

// Outcome is the terminal result message.
type Outcome struct {
	IsError    bool
	Subtype    string
	Text       string
	SessionID  string
	CostUSD    float64
	DurationMS int64
	NumTurns   int
	Raw        json.RawMessage
}

// Decoder is the transport-independent state machine for the worker's
// output stream. It is not safe for concurrent use.
type Decoder struct {
	text      strings.Builder
	sessionID string
	toolNames map[string]string
	toolsUsed []string
	outcome   *Outcome
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{toolNames: make(map[string]string)}
}

// SessionID is the most recent session handle announced by the worker.
func (d *Decoder) SessionID() string { return d.sessionID }

// Text is the concatenation of every assistant text block seen so far.
func (d *Decoder) Text() string { return d.text.String() }

// ToolsUsed lists tool names in first-use order.
func (d *Decoder) ToolsUsed() []string { return append([]string(nil), d.toolsUsed...) }

// Outcome returns the terminal result, or nil before one arrives.
func (d *Decoder) Outcome() *Outcome { return d.outcome }

// Done reports whether a result message has been decoded.
func (d *Decoder) Done() bool { return d.outcome != nil }

type wireMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`

	// tool_result
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	ToolName  string          `json:"tool_name"`
	Content   json.RawMessage `json:"content"`

	// control_request
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`

	// result
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type messageBody struct {
	Content json.RawMessage `json:"content"`
}

// Feed decodes one output line. Blank lines yield no events. A line that is
// not a JSON object with a type yields an error and no events; callers skip it.
func (d *Decoder) Feed(line []byte) ([]Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode line: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("line has no type field")
	}
	if msg.SessionID != "" {
		d.sessionID = msg.SessionID
	}
	raw := append(json.RawMessage(nil), line...)

	switch msg.Type {
	case "system":
		return []Event{{Kind: EventActivity}}, nil
	case "assistant":
		return d.feedAssistant(msg.Message), nil
	case "tool_result":
		name := msg.Name
		if name == "" {
			name = msg.ToolName
		}
		if name == "" {
			name = d.toolNames[msg.ToolUseID]
		}
		payload := msg.Content
		if len(payload) == 0 {
			payload = raw
		}
		return []Event{{Kind: EventToolResult, ToolName: name, Raw: payload}}, nil
	case "user":
		return d.feedUser(msg.Message), nil
	case "control_request":
		return []Event{{Kind: EventControlRequest, Control: decodeControl(msg), Raw: raw}}, nil
	case "result":
		d.outcome = &Outcome{
			IsError:    msg.IsError || strings.HasPrefix(msg.Subtype, "error"),
			Subtype:    msg.Subtype,
			Text:       msg.Result,
			SessionID:  msg.SessionID,
			CostUSD:    msg.TotalCostUSD,
			DurationMS: msg.DurationMS,
			NumTurns:   msg.NumTurns,
			Raw:        raw,
		}
		if d.outcome.SessionID == "" {
			d.outcome.SessionID = d.sessionID
		}
		return []Event{{Kind: EventResult, Raw: raw}}, nil
	}
	return nil, nil
}

func (d *Decoder) feedAssistant(body json.RawMessage) []Event {
	events := []Event{{Kind: EventActivity}}
	for _, b := range decodeBlocks(body) {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			d.text.WriteString(b.Text)
			events = append(events, Event{Kind: EventText, Text: b.Text})
		case "tool_use":
			if b.ID != "" {
				d.toolNames[b.ID] = b.Name
			}
			d.noteTool(b.Name)
		}
	}
	return events
}

func (d *Decoder) feedUser(body json.RawMessage) []Event {
	events := []Event{{Kind: EventActivity}}
	for _, b := range decodeBlocks(body) {
		if b.Type != "tool_result" {
			continue
		}
		events = append(events, Event{
			Kind:     EventToolResult,
			ToolName: d.toolNames[b.ToolUseID],
			Raw:      b.Content,
		})
	}
	return events
}

func (d *Decoder) noteTool(name string) {
	if name == "" {
		return
	}
	for _, n := range d.toolsUsed {
		if n == name {
			return
		}
	}
	d.toolsUsed = append(d.toolsUsed, name)
}

func decodeBlocks(body json.RawMessage) []contentBlock {
	if len(body) == 0 {
		return nil
	}
	var mb messageBody
	if err := json.Unmarshal(body, &mb); err != nil || len(mb.Content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(mb.Content, &blocks); err != nil {
		// Content may be a bare string.
		var s string
		if json.Unmarshal(mb.Content, &s) == nil && s != "" {
			return []contentBlock{{Type: "text", Text: s}}
		}
		return nil
	}
	return blocks
}

func decodeControl(msg wireMessage) *ControlRequest {
	cr := &ControlRequest{RequestID: msg.RequestID}
	var req struct {
		Subtype  string         `json:"subtype"`
		ToolName string         `json:"tool_name"`
		Input    map[string]any `json:"input"`
	}
	if len(msg.Request) > 0 && json.Unmarshal(msg.Request, &req) == nil {
		cr.Subtype = req.Subtype
		cr.ToolName = req.ToolName
		cr.Input = req.Input
	}
	return cr
}

// ToolResultText flattens a tool result payload into text. Payloads may be a
// JSON string, an array of text blocks, or an arbitrary object.
func ToolResultText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" || b.Text != "" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

// controlResponse builds the control_response line for a permission decision.
func controlResponse(requestID string, dec PermissionDecision) ([]byte, error) {
	inner := map[string]any{}
	if dec.Allow {
		inner["behavior"] = "allow"
		input := dec.UpdatedInput
		if input == nil {
			input = map[string]any{}
		}
		inner["updatedInput"] = input
	} else {
		inner["behavior"] = "deny"
		inner["message"] = dec.Message
	}
	line, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// controlError builds the control_response for an unsupported request.
func controlError(requestID, message string) ([]byte, error) {
	line, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      message,
		},
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
