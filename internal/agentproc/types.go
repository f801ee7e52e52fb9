// Package agentproc drives external agent worker processes that speak a
// line-delimited JSON protocol on stdin/stdout.
package agentproc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rogers-f/goalflow/internal/domain"
)

// Mode selects how the worker is driven.
type Mode string

const (
	// ModeBatch writes one message and closes stdin.
	ModeBatch Mode = "batch"
	// ModeInteractive keeps stdin open and answers permission requests.
	ModeInteractive Mode = "interactive"
)

// PermissionDecision is the answer to a can_use_tool request.
type PermissionDecision struct {
	Allow        bool
	UpdatedInput map[string]any
	Message      string
}

// PermissionFunc decides whether the worker may use a tool.
type PermissionFunc func(ctx context.Context, tool string, input map[string]any) (PermissionDecision, error)

// Request describes a single worker invocation.
type Request struct {
	Message         string
	ResumeHandle    string
	Profile         string
	SystemPrompt    string
	Attachments     []domain.Attachment
	Mode            Mode
	Timeout         time.Duration
	AllowedTools    []string
	DisallowedTools []string
	WorkDir         string

	OnText       func(text string)
	OnToolResult func(name string, raw json.RawMessage)
	OnStart      func(pid int)
	Permission   PermissionFunc
}

// structured reports whether the message must be sent as a JSON user line.
func (r *Request) structured() bool {
	return len(r.Attachments) > 0 || r.Mode == ModeInteractive
}

// Metadata carries what the worker reported about the run.
type Metadata struct {
	SessionID  string   `json:"session_id"`
	CostUSD    float64  `json:"cost_usd"`
	DurationMS int64    `json:"duration_ms"`
	NumTurns   int      `json:"num_turns"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
}

// Result is a successful invocation outcome.
type Result struct {
	Success   bool
	Text      string
	Audio     string
	ImagePath string
	Metadata  Metadata
}

// ErrorKind classifies invocation failures.
type ErrorKind string

const (
	KindSpawnFailed  ErrorKind = "spawn_failed"
	KindTimeout      ErrorKind = "timeout"
	KindProcessError ErrorKind = "process_error"
	KindWorkerError  ErrorKind = "worker_error"
)

// InvokeError is returned for every failed invocation.
type InvokeError struct {
	Kind    ErrorKind
	Message string
	Payload json.RawMessage
	cause   error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *InvokeError) Unwrap() error { return e.cause }

// Retryable is true only for inactivity timeouts.
func (e *InvokeError) Retryable() bool { return e.Kind == KindTimeout }

// Is maps invocation kinds onto the engine error taxonomy.
func (e *InvokeError) Is(target error) bool {
	switch e.Kind {
	case KindSpawnFailed:
		return target == domain.ErrSpawnFailed
	case KindTimeout:
		return target == domain.ErrWorkerTimeout
	case KindProcessError:
		return target == domain.ErrProcess
	case KindWorkerError:
		return target == domain.ErrWorkerReported
	}
	return false
}

func invokeErr(kind ErrorKind, cause error, format string, args ...any) *InvokeError {
	return &InvokeError{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}
