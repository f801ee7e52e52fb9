package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rogers-f/goalflow/internal/agentproc"
)

// ToolPolicy decides whether an interactive worker may run a tool.
type ToolPolicy struct {
	// AllowedTools, when non-empty, is the exhaustive list of usable tools.
	AllowedTools []string
	DeniedTools  []string
	// AllowedPaths restricts file arguments to these prefixes when non-empty.
	AllowedPaths []string
	// DeniedPatterns reject file arguments by exact, base-name or glob match.
	DeniedPatterns []string
	// DeniedCommands reject shell commands containing any of these strings.
	DeniedCommands []string
}

var (
	defaultDeniedPatterns = []string{".env", ".env.*", "*.key", "*.pem", ".git/*", "id_rsa*"}
	defaultDeniedCommands = []string{"rm -rf /", "sudo ", "mkfs", "shutdown", "reboot", ":(){"}
)

// pathKeys are the input fields that carry a file path.
var pathKeys = []string{"file_path", "path", "notebook_path"}

// DefaultToolPolicy allows every tool but protects secrets and refuses
// destructive shell commands.
func DefaultToolPolicy() *ToolPolicy {
	return &ToolPolicy{
		DeniedPatterns: defaultDeniedPatterns,
		DeniedCommands: defaultDeniedCommands,
	}
}

// Check returns ("", nil) when the call is allowed, or the denial reason.
func (p *ToolPolicy) Check(tool string, input map[string]any) (string, error) {
	for _, denied := range p.DeniedTools {
		if strings.EqualFold(tool, denied) {
			return fmt.Sprintf("tool %s is denied", tool), nil
		}
	}
	if len(p.AllowedTools) > 0 && !containsFold(p.AllowedTools, tool) {
		return fmt.Sprintf("tool %s is not in the allowed list", tool), nil
	}

	for _, key := range pathKeys {
		path, _ := input[key].(string)
		if path == "" {
			continue
		}
		for _, pattern := range p.DeniedPatterns {
			matched, err := matchPattern(pattern, path)
			if err != nil {
				return "", fmt.Errorf("match denied pattern %q: %w", pattern, err)
			}
			if matched {
				return "denied by pattern: " + pattern, nil
			}
		}
		if len(p.AllowedPaths) > 0 && !hasPathPrefix(p.AllowedPaths, path) {
			return "path not in allowed list", nil
		}
	}

	if cmd, _ := input["command"].(string); cmd != "" {
		for _, denied := range p.DeniedCommands {
			if strings.Contains(cmd, denied) {
				return fmt.Sprintf("command contains %q", strings.TrimSpace(denied)), nil
			}
		}
	}
	return "", nil
}

// PermissionFunc adapts the policy to the worker permission sub-protocol.
// Denials are audited against workflowID.
func (g *Guard) PermissionFunc(workflowID string) agentproc.PermissionFunc {
	return func(ctx context.Context, tool string, input map[string]any) (agentproc.PermissionDecision, error) {
		reason, err := g.Policy.Check(tool, input)
		if err != nil {
			return agentproc.PermissionDecision{}, err
		}
		if reason != "" {
			g.Log.WithFields(logrus.Fields{"workflow_id": workflowID, "tool": tool, "reason": reason}).Info("tool use denied")
			g.audit(ctx, workflowID, "permission_denied", map[string]string{"tool": tool, "reason": reason})
			return agentproc.PermissionDecision{Allow: false, Message: reason}, nil
		}
		return agentproc.PermissionDecision{Allow: true, UpdatedInput: input}, nil
	}
}

// matchPattern checks a path against a denied pattern by exact match, base
// name match, or glob on either.
func matchPattern(pattern, path string) (bool, error) {
	if path == pattern {
		return true, nil
	}
	base := filepath.Base(path)
	if base == pattern {
		return true, nil
	}
	matched, err := filepath.Match(pattern, path)
	if err != nil {
		return false, err
	}
	if matched {
		return true, nil
	}
	if matched, err = filepath.Match(pattern, base); err != nil || matched {
		return matched, err
	}
	// Directory patterns such as ".git/*" also cover nested paths.
	if dir, ok := strings.CutSuffix(pattern, "/*"); ok {
		sep := string(filepath.Separator)
		clean := filepath.Clean(path)
		return strings.HasPrefix(clean, dir+sep) || strings.Contains(clean, sep+dir+sep), nil
	}
	return false, nil
}

func hasPathPrefix(prefixes []string, path string) bool {
	clean := filepath.Clean(path)
	for _, p := range prefixes {
		p = filepath.Clean(p)
		if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
