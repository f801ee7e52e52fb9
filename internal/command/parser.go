// Package command extracts and validates orchestrator commands from free-form
// planner output.
package command

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/rogers-f/goalflow/internal/domain"
)

// MinSystemPromptLen is the shortest system prompt a created agent may carry.
const MinSystemPromptLen = 20

const previewLen = 200

// ParseResult is the outcome of Parse. Exactly one of Command or Error is set.
type ParseResult struct {
	Success        bool
	Command        *domain.Command
	Error          string
	RawTextPreview string
}

var (
	jsonFence    = regexp.MustCompile("(?s)```json\\s*\\n?(.*?)```")
	genericFence = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")
)

// Parse finds the first JSON command object in raw and validates it. It
// never panics.
func Parse(raw string) (res ParseResult) {
	res.RawTextPreview = preview(raw)
	defer func() {
		if r := recover(); r != nil {
			res = ParseResult{Error: fmt.Sprintf("parser failure: %v", r), RawTextPreview: preview(raw)}
		}
	}()

	if strings.TrimSpace(raw) == "" {
		res.Error = "empty output"
		return res
	}

	var decodeErr error
	for _, cand := range candidates(raw) {
		obj, err := decodeObject(cand)
		if err != nil {
			decodeErr = err
			continue
		}
		cmd, err := Validate(obj)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Success = true
		res.Command = cmd
		return res
	}
	if decodeErr != nil {
		res.Error = "no valid JSON object found: " + decodeErr.Error()
	} else {
		res.Error = "no JSON object found in output"
	}
	return res
}

// candidates lists the texts to try, in priority order.
func candidates(raw string) []string {
	var out []string
	for _, m := range jsonFence.FindAllStringSubmatch(raw, -1) {
		out = append(out, m[1])
	}
	for _, m := range genericFence.FindAllStringSubmatch(raw, -1) {
		out = append(out, m[1])
	}
	if obj, ok := firstBalanced(raw); ok {
		out = append(out, obj)
	}
	if obj, ok := firstBalanced(normalizeQuotes(raw)); ok {
		out = append(out, obj)
	}
	return out
}

func decodeObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		obj, ok := firstBalanced(text)
		if !ok {
			return nil, fmt.Errorf("no object in candidate")
		}
		text = obj
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// FirstObject returns the first balanced JSON-looking object in s.
func FirstObject(s string) (string, bool) { return firstBalanced(s) }

// firstBalanced returns the first {...} span with balanced braces, ignoring
// braces inside double-quoted strings.
func firstBalanced(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inStr, esc := false, false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inStr {
				switch {
				case esc:
					esc = false
				case c == '\\':
					esc = true
				case c == '"':
					inStr = false
				}
				continue
			}
			switch c {
			case '"':
				inStr = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// normalizeQuotes rewrites single-quoted strings as double-quoted ones.
// Apostrophes inside double-quoted strings are left alone.
func normalizeQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inDouble, inSingle, esc := false, false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
			if inSingle && c == '\'' {
				// \' inside single quotes is a bare apostrophe
				b.WriteByte('\'')
				continue
			}
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\\' && (inDouble || inSingle):
			esc = true
		case inDouble:
			if c == '"' {
				inDouble = false
			}
			b.WriteByte(c)
		case inSingle:
			switch c {
			case '\'':
				inSingle = false
				b.WriteByte('"')
			case '"':
				b.WriteString(`\"`)
			default:
				b.WriteByte(c)
			}
		case c == '"':
			inDouble = true
			b.WriteByte(c)
		case c == '\'':
			inSingle = true
			b.WriteByte('"')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Validate checks a decoded object against the command table.
func Validate(obj map[string]any) (*domain.Command, error) {
	typ, _ := obj["type"].(string)
	if typ == "" {
		return nil, fmt.Errorf(`missing required field "type"`)
	}
	ct := domain.CommandType(typ)
	required, known := domain.RequiredCommandFields[ct]
	if !known {
		return nil, fmt.Errorf("unknown command type %q", typ)
	}
	for _, field := range required {
		if v, ok := obj[field]; !ok || v == nil {
			return nil, fmt.Errorf("command %q missing required field %q", typ, field)
		}
	}

	switch ct {
	case domain.CmdPlan:
		if err := validateSteps(obj["steps"]); err != nil {
			return nil, err
		}
	case domain.CmdCreateAgent:
		if err := validateAgentConfig("", obj["agent_config"]); err != nil {
			return nil, err
		}
	case domain.CmdClarify, domain.CmdDiscovery:
		if _, ok := obj["questions"].([]any); !ok {
			return nil, fmt.Errorf("command %q field \"questions\" must be an array", typ)
		}
	}
	return &domain.Command{Type: ct, Fields: obj}, nil
}

func validateSteps(raw any) error {
	steps, ok := raw.([]any)
	if !ok {
		return fmt.Errorf(`plan field "steps" must be an array`)
	}
	if len(steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[int]bool, len(steps))
	for i, s := range steps {
		step, ok := s.(map[string]any)
		if !ok {
			return fmt.Errorf("step at index %d is not an object", i)
		}
		num, ok := intField(step["step"])
		if !ok || num < 1 {
			return fmt.Errorf(`step at index %d: "step" must be a positive integer`, i)
		}
		if seen[num] {
			return fmt.Errorf("step %d: duplicate step number", num)
		}
		seen[num] = true
		label := fmt.Sprintf("step %d", num)

		if deps, present := step["depends_on"]; present && deps != nil {
			list, ok := deps.([]any)
			if !ok {
				return fmt.Errorf(`%s: "depends_on" must be an array`, label)
			}
			for _, d := range list {
				if _, ok := intField(d); !ok {
					return fmt.Errorf(`%s: "depends_on" entries must be integers`, label)
				}
			}
		}

		st, _ := step["step_type"].(string)
		switch domain.StepType(st) {
		case domain.StepCreate:
			if err := validateAgentConfig(label, step["agent_config"]); err != nil {
				return err
			}
			if err := requireStrings(label, step, "agent", "task"); err != nil {
				return err
			}
		case domain.StepDelegate:
			if err := requireStrings(label, step, "agent", "task"); err != nil {
				return err
			}
		case domain.StepAction:
			if err := requireStrings(label, step, "action"); err != nil {
				return err
			}
			if p, present := step["params"]; present && p != nil {
				if _, ok := p.(map[string]any); !ok {
					return fmt.Errorf(`%s: "params" must be an object`, label)
				}
			}
		default:
			return fmt.Errorf(`%s: invalid "step_type" %q (want create, delegate or action)`, label, st)
		}
	}
	return nil
}

func validateAgentConfig(label string, raw any) error {
	prefix := ""
	if label != "" {
		prefix = label + ": "
	}
	cfg, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf(`%s"agent_config" must be an object`, prefix)
	}
	if name, _ := cfg["name"].(string); strings.TrimSpace(name) == "" {
		return fmt.Errorf(`%smissing "agent_config.name"`, prefix)
	}
	sp, _ := cfg["system_prompt"].(string)
	if len(strings.TrimSpace(sp)) < MinSystemPromptLen {
		return fmt.Errorf(`%s"agent_config.system_prompt" must be at least %d characters`, prefix, MinSystemPromptLen)
	}
	return nil
}

func requireStrings(label string, step map[string]any, fields ...string) error {
	for _, f := range fields {
		if v, _ := step[f].(string); strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s: missing %q", label, f)
		}
	}
	return nil
}

func intField(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func preview(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= previewLen {
		return raw
	}
	cut := previewLen
	for cut > 0 && !utf8Start(raw[cut]) {
		cut--
	}
	return raw[:cut] + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
