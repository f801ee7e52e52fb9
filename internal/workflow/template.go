package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rogers-f/goalflow/internal/command"
	"github.com/rogers-f/goalflow/internal/domain"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*(winner_url|step_(\d+)(?:\.([A-Za-z0-9_]+))?)\s*\}\}`)
	urlRe         = regexp.MustCompile(`https?://[^\s"'<>()\[\]{}]+`)
	imageURLRe    = regexp.MustCompile(`(?i)https?://[^\s"'<>()\[\]{}]+\.(?:png|jpe?g|gif|webp)\b`)
)

// Resolver substitutes {{step_N}}, {{step_N.field}} and {{winner_url}}
// placeholders from the results of steps executed so far.
type Resolver struct {
	results map[int]*domain.StepResult
	order   []int
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{results: make(map[int]*domain.StepResult)}
}

// Record stores the result of a step. Later records are considered newer.
func (r *Resolver) Record(step int, res *domain.StepResult) {
	if _, seen := r.results[step]; !seen {
		r.order = append(r.order, step)
	}
	r.results[step] = res
}

// Result returns the recorded result of a step.
func (r *Resolver) Result(step int) (*domain.StepResult, bool) {
	res, ok := r.results[step]
	return res, ok
}

// ResolveString replaces every resolvable placeholder in s and returns the
// placeholders left verbatim.
func (r *Resolver) ResolveString(s string) (string, []string) {
	var unresolved []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := r.lookup(m)
		if !ok {
			unresolved = append(unresolved, m)
			return m
		}
		return stringValue(v)
	})
	return out, unresolved
}

// ResolveParams resolves placeholders in every string of params, descending
// into nested objects and arrays. A string that is exactly one placeholder
// takes the referenced value with its JSON type.
func (r *Resolver) ResolveParams(params map[string]any) (map[string]any, []string) {
	if params == nil {
		return nil, nil
	}
	var unresolved []string
	out := make(map[string]any, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, miss := r.resolveValue(params[k])
		out[k] = v
		unresolved = append(unresolved, miss...)
	}
	return out, unresolved
}

func (r *Resolver) resolveValue(v any) (any, []string) {
	switch t := v.(type) {
	case string:
		trimmed := strings.TrimSpace(t)
		if loc := placeholderRe.FindStringIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
			if val, ok := r.lookup(trimmed); ok {
				return val, nil
			}
			return t, []string{trimmed}
		}
		return r.ResolveString(t)
	case map[string]any:
		return r.ResolveParams(t)
	case []any:
		var unresolved []string
		out := make([]any, len(t))
		for i, item := range t {
			val, miss := r.resolveValue(item)
			out[i] = val
			unresolved = append(unresolved, miss...)
		}
		return out, unresolved
	default:
		return v, nil
	}
}

// lookup resolves one placeholder token.
func (r *Resolver) lookup(token string) (any, bool) {
	m := placeholderRe.FindStringSubmatch(token)
	if m == nil {
		return nil, false
	}
	if m[1] == "winner_url" {
		return r.winnerURL()
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	res, ok := r.results[n]
	if !ok || res == nil || !res.Success {
		return nil, false
	}
	if m[3] == "" {
		return res.Output, true
	}
	return lookupField(res, m[3])
}

// winnerURL scans results newest-first for a verdict with an asset URL.
func (r *Resolver) winnerURL() (any, bool) {
	for i := len(r.order) - 1; i >= 0; i-- {
		res := r.results[r.order[i]]
		if res == nil || res.JudgeResult == nil {
			continue
		}
		if u := res.JudgeResult.WinnerAssetURL; u != "" {
			return u, true
		}
		if v, ok := res.JudgeResult.Field("winner_asset_url"); ok && !isEmpty(v) {
			return v, true
		}
	}
	return nil, false
}

// lookupField applies the precedence verdict field, action data field,
// JSON object in the output, and finally a URL scraped from the output for
// *_url fields.
func lookupField(res *domain.StepResult, field string) (any, bool) {
	if v, ok := res.JudgeResult.Field(field); ok && !isEmpty(v) {
		return v, true
	}
	if v, ok := res.Data[field]; ok && !isEmpty(v) {
		return v, true
	}
	if obj := outputObject(res.Output); obj != nil {
		if v, ok := obj[field]; ok && !isEmpty(v) {
			return v, true
		}
	}
	if strings.HasSuffix(field, "_url") {
		if u := urlRe.FindString(res.Output); u != "" {
			return strings.TrimRight(u, ".,;:!?"), true
		}
	}
	return nil, false
}

func outputObject(output string) map[string]any {
	text := strings.TrimSpace(output)
	if text == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj
	}
	raw, ok := command.FirstObject(text)
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
