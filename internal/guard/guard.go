// Package guard enforces submission limits and the tool permission policy
// applied to interactive worker sessions.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rogers-f/goalflow/internal/domain"
)

// Config holds per-user submission limits.
type Config struct {
	// SubmissionsPerMinute is the sustained rate; zero disables rate limiting.
	SubmissionsPerMinute int
	Burst                int
	// MaxActivePerUser caps non-terminal workflows; zero disables the cap.
	MaxActivePerUser int
}

// WorkflowLister is the slice of the store the guard reads.
type WorkflowLister interface {
	ListWorkflowsByUser(ctx context.Context, userID string) ([]*domain.Workflow, error)
}

// Auditor records guard decisions.
type Auditor interface {
	RecordAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Guard coordinates rate, concurrency, and tool permission checks.
type Guard struct {
	Config    Config
	Policy    *ToolPolicy
	Workflows WorkflowLister
	Audit     Auditor
	Log       logrus.FieldLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGuard creates a Guard. A nil policy uses DefaultToolPolicy.
func NewGuard(cfg Config, policy *ToolPolicy, workflows WorkflowLister, audit Auditor, log logrus.FieldLogger) *Guard {
	if policy == nil {
		policy = DefaultToolPolicy()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Guard{
		Config:    cfg,
		Policy:    policy,
		Workflows: workflows,
		Audit:     audit,
		Log:       log.WithField("component", "guard"),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// CheckSubmission runs the rate limit and then the active-workflow ceiling
// for userID. It short-circuits on the first error.
func (g *Guard) CheckSubmission(ctx context.Context, userID string) error {
	if err := g.CheckRateLimit(userID); err != nil {
		g.audit(ctx, "", "rate_limited", map[string]string{"user_id": userID})
		return err
	}
	if err := g.CheckActive(ctx, userID); err != nil {
		g.audit(ctx, "", "too_many_active", map[string]string{"user_id": userID})
		return err
	}
	return nil
}

// CheckRateLimit enforces a per-user token bucket.
func (g *Guard) CheckRateLimit(userID string) error {
	if g.Config.SubmissionsPerMinute <= 0 {
		return nil
	}
	if !g.limiter(userID).Allow() {
		return domain.ErrRateLimitExceeded
	}
	return nil
}

func (g *Guard) limiter(userID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limiters == nil {
		g.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := g.limiters[userID]
	if !ok {
		burst := g.Config.Burst
		if burst <= 0 {
			burst = g.Config.SubmissionsPerMinute
		}
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.Config.SubmissionsPerMinute)), burst)
		g.limiters[userID] = l
	}
	return l
}

// CheckActive returns ErrTooManyActive when the user already owns
// MaxActivePerUser workflows that have not finished.
func (g *Guard) CheckActive(ctx context.Context, userID string) error {
	if g.Config.MaxActivePerUser <= 0 || g.Workflows == nil {
		return nil
	}
	wfs, err := g.Workflows.ListWorkflowsByUser(ctx, userID)
	if err != nil {
		return err
	}
	active := 0
	for _, wf := range wfs {
		if !wf.Status.IsTerminal() {
			active++
		}
	}
	if active >= g.Config.MaxActivePerUser {
		return domain.ErrTooManyActive
	}
	return nil
}

func (g *Guard) audit(ctx context.Context, workflowID, action string, req map[string]string) {
	if g.Audit == nil {
		return
	}
	err := g.Audit.RecordAudit(context.WithoutCancel(ctx), domain.AuditRecord{
		WorkflowID:   workflowID,
		Category:     "guard",
		Actor:        "system",
		Action:       action,
		RequestJSON:  mustJSON(req),
		DecisionJSON: mustJSON(map[string]string{"result": "denied"}),
		Severity:     "warning",
		CreatedAt:    time.Now().Unix(),
	})
	if err != nil {
		g.Log.WithError(err).Warn("record guard audit")
	}
}
