package agentproc

import (
	"sort"
	"sync"
	"time"

	"github.com/rogers-f/goalflow/internal/domain"
)

// Well-known profile names.
const (
	ProfilePlanner = "planner"
	ProfileWorker  = "worker"
	ProfileMedia   = "media"
)

// Profile describes how to launch one class of worker.
type Profile struct {
	Name            string
	Command         string
	Args            []string
	Env             map[string]string
	Model           string
	Timeout         time.Duration
	AllowedTools    []string
	DisallowedTools []string
	// MediaTools maps a media kind ("image", "speech") to the tool name the
	// worker exposes for it.
	MediaTools map[string]string
}

// ProfileRegistry is a thread-safe registry of worker profiles.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewProfileRegistry creates an empty registry.
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{profiles: make(map[string]Profile)}
}

// Register adds a profile. Registering a name twice is an error.
func (r *ProfileRegistry) Register(p Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[p.Name]; exists {
		return domain.NewEngineError(domain.ErrProfileUnavailable.Code, "profile already registered: "+p.Name)
	}
	r.profiles[p.Name] = p
	return nil
}

// Get returns the named profile, or ErrProfileUnavailable.
func (r *ProfileRegistry) Get(name string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, domain.ErrProfileUnavailable
	}
	return p, nil
}

// List returns all registered profile names in sorted order.
func (r *ProfileRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildArgs assembles the worker command line for a request.
func buildArgs(p Profile, req *Request) []string {
	args := append([]string(nil), p.Args...)
	args = append(args, "-p", "--output-format", "stream-json", "--verbose")
	if req.structured() {
		args = append(args, "--input-format", "stream-json")
	}
	if req.Mode == ModeInteractive {
		args = append(args, "--permission-prompt-tool", "stdio")
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if req.ResumeHandle != "" {
		args = append(args, "--resume", req.ResumeHandle)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	allowed := append(append([]string(nil), p.AllowedTools...), req.AllowedTools...)
	if len(allowed) > 0 {
		args = append(args, "--allowedTools", joinTools(allowed))
	}
	disallowed := append(append([]string(nil), p.DisallowedTools...), req.DisallowedTools...)
	if len(disallowed) > 0 {
		args = append(args, "--disallowedTools", joinTools(disallowed))
	}
	return args
}

func joinTools(tools []string) string {
	seen := make(map[string]bool, len(tools))
	out := ""
	for _, t := range tools {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		if out != "" {
			out += ","
		}
		out += t
	}
	return out
}
