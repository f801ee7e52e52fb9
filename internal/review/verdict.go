package review

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/rogers-f/goalflow/internal/command"
	"github.com/rogers-f/goalflow/internal/domain"
)

// ParseVerdict looks for the last RESULT: block in output and decodes the
// JSON object after it. Absence yields (nil, false).
func ParseVerdict(output string) (*domain.Verdict, bool) {
	idx := strings.LastIndex(output, ResultMarker)
	for idx >= 0 {
		if v, ok := decodeVerdict(output[idx+len(ResultMarker):]); ok {
			return v, true
		}
		idx = strings.LastIndex(output[:idx], ResultMarker)
	}
	return nil, false
}

func decodeVerdict(tail string) (*domain.Verdict, bool) {
	obj, ok := command.FirstObject(tail)
	if !ok {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return nil, false
	}
	v := &domain.Verdict{Fields: fields}
	v.Winner = stringify(fields["winner"])
	v.WinnerAssetURL = stringify(fields["winner_asset_url"])
	v.ReasoningSummary = stringify(fields["reasoning_summary"])
	if ranking, ok := fields["ranking"].([]any); ok {
		v.Ranking = ranking
	}
	return v, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

// VerdictValidator checks verdict fields for obvious defects.
type VerdictValidator struct{}

// Validate returns an error listing all violations if any are found.
func (VerdictValidator) Validate(v *domain.Verdict) error {
	if v == nil {
		return domain.NewEngineError(domain.ErrVerdictInvalid.Code, "verdict is nil")
	}
	var violations []string

	if strings.TrimSpace(v.Winner) == "" {
		violations = append(violations, "winner must be non-empty")
	}
	if v.WinnerAssetURL != "" && !isAssetRef(v.WinnerAssetURL) {
		violations = append(violations, fmt.Sprintf("winner_asset_url %q is neither an http(s) URL nor an absolute path", v.WinnerAssetURL))
	}
	if raw, ok := v.Fields["ranking"]; ok && raw != nil {
		if _, isList := raw.([]any); !isList {
			violations = append(violations, "ranking must be an array")
		}
	}
	for i, r := range v.Ranking {
		if stringify(r) == "" {
			violations = append(violations, fmt.Sprintf("ranking[%d] is empty", i))
		}
	}

	if len(violations) > 0 {
		return domain.NewEngineError(domain.ErrVerdictInvalid.Code, strings.Join(violations, "; "))
	}
	return nil
}

func isAssetRef(s string) bool {
	if filepath.IsAbs(s) {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "file") && (u.Host != "" || u.Scheme == "file")
}
