// Package bridge connects the workflow engine and the API to worker
// processes, applying the timeout retry policy, tracking in-flight requests
// for crash recovery, and recording usage and audit trails.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rogers-f/goalflow/internal/agentproc"
	"github.com/rogers-f/goalflow/internal/domain"
	"github.com/rogers-f/goalflow/internal/guard"
	"github.com/rogers-f/goalflow/internal/recovery"
)

// Worker is the part of agentproc.Client the bridge drives.
type Worker interface {
	Invoke(ctx context.Context, req agentproc.Request) (*agentproc.Result, error)
	GenerateMedia(ctx context.Context, mr agentproc.MediaRequest) (*agentproc.Result, error)
}

// Recorder persists usage and audit records.
type Recorder interface {
	RecordUsage(ctx context.Context, rec domain.UsageRecord) error
	RecordAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Agents resolves chat targets and stores their resumable sessions.
type Agents interface {
	Get(ctx context.Context, name string) (*domain.Agent, error)
	UpdateSession(ctx context.Context, name, handle string) error
}

// Config controls how requests are handed to workers.
type Config struct {
	// TimeoutRetries is how many times an inactivity timeout is retried.
	TimeoutRetries int
	// Interactive routes tool permission requests through the guard.
	Interactive   bool
	WorkDir       string
	WorkerProfile string
	MediaProfile  string
	MediaDir      string
}

// Bridge is the integration layer between callers and worker processes.
type Bridge struct {
	Worker   Worker
	Tracker  *recovery.Tracker
	Guard    *guard.Guard
	Recorder Recorder
	Agents   Agents
	Config   Config
	Log      logrus.FieldLogger
}

// NewBridge creates a Bridge. Tracker, Guard and Agents may be set on the
// returned value when needed.
func NewBridge(w Worker, rec Recorder, cfg Config, log logrus.FieldLogger) *Bridge {
	if cfg.WorkerProfile == "" {
		cfg.WorkerProfile = agentproc.ProfileWorker
	}
	if cfg.MediaProfile == "" {
		cfg.MediaProfile = agentproc.ProfileMedia
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{
		Worker:   w,
		Recorder: rec,
		Config:   cfg,
		Log:      log.WithField("component", "bridge"),
	}
}

// call describes one tracked worker request.
type call struct {
	workflowID string
	step       int
	agent      string
	profile    string
	action     string
	callback   map[string]string
}

func (c call) fields() logrus.Fields {
	f := logrus.Fields{"profile": c.profile, "action": c.action}
	if c.workflowID != "" {
		f["workflow_id"] = c.workflowID
		f["step"] = c.step
	}
	if c.agent != "" {
		f["agent"] = c.agent
	}
	return f
}

// Invoke implements the engine's Invoker.
func (b *Bridge) Invoke(ctx context.Context, req domain.InvokeRequest) (*domain.InvokeResult, error) {
	c := call{
		workflowID: req.WorkflowID,
		step:       req.Step,
		agent:      req.Agent,
		profile:    req.Profile,
		action:     "invoke",
		callback:   req.Callback,
	}
	res, err := b.withRetry(ctx, c, func(onStart func(int)) (*agentproc.Result, error) {
		return b.Worker.Invoke(ctx, agentproc.Request{
			Message:      req.Message,
			ResumeHandle: req.ResumeHandle,
			Profile:      req.Profile,
			SystemPrompt: req.SystemPrompt,
			Attachments:  req.Attachments,
			Timeout:      time.Duration(req.TimeoutSec) * time.Second,
			WorkDir:      b.Config.WorkDir,
			OnStart:      onStart,
			Mode:         b.mode(),
			Permission:   b.permission(req.WorkflowID),
		})
	})
	if err != nil {
		return nil, err
	}
	return toInvokeResult(res), nil
}

func (b *Bridge) mode() agentproc.Mode {
	if b.Config.Interactive && b.Guard != nil {
		return agentproc.ModeInteractive
	}
	return agentproc.ModeBatch
}

func (b *Bridge) permission(workflowID string) agentproc.PermissionFunc {
	if b.Guard == nil {
		return nil
	}
	return b.Guard.PermissionFunc(workflowID)
}

// withRetry runs fn, retrying inactivity timeouts up to TimeoutRetries
// times. Each attempt gets its own active-request record.
func (b *Bridge) withRetry(ctx context.Context, c call, fn func(onStart func(int)) (*agentproc.Result, error)) (*agentproc.Result, error) {
	log := b.Log.WithFields(c.fields())
	attempts := 1 + max(b.Config.TimeoutRetries, 0)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := b.tracked(c, fn)
		if err == nil {
			b.recordUsage(ctx, c, res)
			b.audit(ctx, c, "info", map[string]any{"result": "ok", "attempts": attempt, "session_id": res.Metadata.SessionID})
			return res, nil
		}
		lastErr = err

		var ie *agentproc.InvokeError
		if !errors.As(err, &ie) || !ie.Retryable() || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			log.WithField("attempt", attempt).Warn("worker timed out, retrying")
		}
	}

	log.WithError(lastErr).WithField("elapsed", time.Since(start).Round(time.Millisecond).String()).Warn("worker request failed")
	b.audit(ctx, c, "warning", map[string]any{"result": "failed", "error": lastErr.Error()})
	return nil, mapError(lastErr)
}

// tracked writes the active-request record around one attempt.
func (b *Bridge) tracked(c call, fn func(onStart func(int)) (*agentproc.Result, error)) (*agentproc.Result, error) {
	if b.Tracker == nil {
		return fn(nil)
	}
	id := "req-" + uuid.NewString()
	err := b.Tracker.Begin(recovery.ActiveRequest{
		ID:         id,
		WorkflowID: c.workflowID,
		Step:       c.step,
		Profile:    c.profile,
		Callback:   c.callback,
	})
	if err != nil {
		b.Log.WithError(err).Warn("write active request record")
		return fn(nil)
	}
	defer func() {
		if err := b.Tracker.End(id); err != nil {
			b.Log.WithError(err).WithField("request_id", id).Warn("remove active request record")
		}
	}()
	return fn(func(pid int) {
		if err := b.Tracker.Update(id, pid); err != nil {
			b.Log.WithError(err).WithField("request_id", id).Warn("update active request record")
		}
	})
}

func (b *Bridge) recordUsage(ctx context.Context, c call, res *agentproc.Result) {
	if b.Recorder == nil || c.workflowID == "" {
		return
	}
	err := b.Recorder.RecordUsage(context.WithoutCancel(ctx), domain.UsageRecord{
		WorkflowID: c.workflowID,
		Step:       c.step,
		Agent:      c.agent,
		Profile:    c.profile,
		CostUSD:    res.Metadata.CostUSD,
		DurationMS: res.Metadata.DurationMS,
		CreatedAt:  time.Now().Unix(),
	})
	if err != nil {
		b.Log.WithError(err).Warn("record usage")
	}
}

func (b *Bridge) audit(ctx context.Context, c call, severity string, decision map[string]any) {
	if b.Recorder == nil {
		return
	}
	err := b.Recorder.RecordAudit(context.WithoutCancel(ctx), domain.AuditRecord{
		WorkflowID: c.workflowID,
		Category:   "worker",
		Actor:      "bridge",
		Action:     c.action,
		RequestJSON: mustJSON(map[string]any{
			"profile": c.profile,
			"agent":   c.agent,
			"step":    c.step,
		}),
		DecisionJSON: mustJSON(decision),
		Severity:     severity,
		CreatedAt:    time.Now().Unix(),
	})
	if err != nil {
		b.Log.WithError(err).Warn("record audit")
	}
}

// mapError converts worker failures into engine errors. Timeouts carry the
// user-facing retry message.
func mapError(err error) error {
	var ie *agentproc.InvokeError
	if !errors.As(err, &ie) {
		return err
	}
	switch ie.Kind {
	case agentproc.KindTimeout:
		return domain.WrapEngineError(domain.ErrWorkerTimeout.Code, domain.ErrWorkerTimeout.Message, err)
	case agentproc.KindSpawnFailed:
		return domain.WrapEngineError(domain.ErrSpawnFailed.Code, domain.ErrSpawnFailed.Message, err)
	case agentproc.KindWorkerError:
		return domain.WrapEngineError(domain.ErrWorkerReported.Code, domain.ErrWorkerReported.Message, err)
	}
	return domain.WrapEngineError(domain.ErrProcess.Code, domain.ErrProcess.Message, err)
}

func toInvokeResult(res *agentproc.Result) *domain.InvokeResult {
	return &domain.InvokeResult{
		Text:          res.Text,
		SessionHandle: res.Metadata.SessionID,
		ImagePath:     res.ImagePath,
		AudioPath:     res.Audio,
		CostUSD:       res.Metadata.CostUSD,
		DurationMS:    res.Metadata.DurationMS,
	}
}

// mustJSON marshals v to a JSON string, returning "{}" on error.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func requireText(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return domain.NewEngineError(domain.ErrInvalidInput.Code, fmt.Sprintf("%s is required", field))
	}
	return nil
}
