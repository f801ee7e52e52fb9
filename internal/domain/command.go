package domain

import (
	"encoding/json"
	"fmt"
)

// CommandType discriminates orchestrator commands.
type CommandType string

const (
	CmdPlan        CommandType = "plan"
	CmdDelegate    CommandType = "delegate"
	CmdComplete    CommandType = "complete"
	CmdClarify     CommandType = "clarify"
	CmdDiscovery   CommandType = "discovery"
	CmdCreateAgent CommandType = "create_agent"
)

// RequiredCommandFields lists the keys each command type must carry.
var RequiredCommandFields = map[CommandType][]string{
	CmdPlan:        {"goal", "steps", "message"},
	CmdDelegate:    {"step", "agent", "input", "message"},
	CmdComplete:    {"summary"},
	CmdClarify:     {"questions", "message"},
	CmdDiscovery:   {"questions", "message"},
	CmdCreateAgent: {"agent_config", "message"},
}

// Command is a validated orchestrator instruction. Fields keeps the decoded
// object verbatim so re-serialization yields the same shape.
type Command struct {
	Type   CommandType
	Fields map[string]any
}

// MarshalJSON emits the original object.
func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Fields)+1)
	for k, v := range c.Fields {
		out[k] = v
	}
	out["type"] = string(c.Type)
	return json.Marshal(out)
}

// String returns the field as a string, or "" when absent or not a string.
func (c *Command) String(key string) string {
	if v, ok := c.Fields[key].(string); ok {
		return v
	}
	return ""
}

// Message is the user-facing message carried by most command types.
func (c *Command) Message() string { return c.String("message") }

// decodeInto round-trips the command through JSON into dst.
func (c *Command) decodeInto(dst any) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Plan decodes a plan command.
func (c *Command) Plan() (*Plan, error) {
	if c.Type != CmdPlan {
		return nil, fmt.Errorf("command %q is not a plan", c.Type)
	}
	var p Plan
	if err := c.decodeInto(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// Questions decodes the questions of a clarify or discovery command. Plain
// string entries are accepted and numbered.
func (c *Command) Questions() []Question {
	raw, _ := c.Fields["questions"].([]any)
	out := make([]Question, 0, len(raw))
	for i, item := range raw {
		switch q := item.(type) {
		case string:
			out = append(out, Question{ID: fmt.Sprintf("q%d", i+1), Question: q})
		case map[string]any:
			data, _ := json.Marshal(q)
			var parsed Question
			if err := json.Unmarshal(data, &parsed); err != nil {
				continue
			}
			if parsed.ID == "" {
				parsed.ID = fmt.Sprintf("q%d", i+1)
			}
			out = append(out, parsed)
		}
	}
	return out
}

// AgentConfig decodes the agent_config of a create_agent command.
func (c *Command) AgentConfig() (*AgentConfig, error) {
	raw, ok := c.Fields["agent_config"]
	if !ok {
		return nil, fmt.Errorf("command %q has no agent_config", c.Type)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var ac AgentConfig
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, fmt.Errorf("decode agent_config: %w", err)
	}
	return &ac, nil
}
