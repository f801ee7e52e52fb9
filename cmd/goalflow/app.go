package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/rogers-f/goalflow/internal/action"
	"github.com/rogers-f/goalflow/internal/agentproc"
	"github.com/rogers-f/goalflow/internal/bridge"
	"github.com/rogers-f/goalflow/internal/config"
	"github.com/rogers-f/goalflow/internal/domain"
	"github.com/rogers-f/goalflow/internal/guard"
	"github.com/rogers-f/goalflow/internal/ipc"
	"github.com/rogers-f/goalflow/internal/logging"
	"github.com/rogers-f/goalflow/internal/recovery"
	"github.com/rogers-f/goalflow/internal/store"
	"github.com/rogers-f/goalflow/internal/workflow"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	lock    *flock.Flock
	store   *store.SQLiteStore
	tracker *recovery.Tracker
	guard   *guard.Guard
	bridge  *bridge.Bridge
	client  *agentproc.Client
	engine  *workflow.Engine
	hub     *ipc.Hub
	reaper  agentproc.Reaper
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	return newApp(cfg, log)
}

// newApp locks the data directory and wires the engine. Only one process may
// own a data directory at a time.
func newApp(cfg *config.Config, log *logrus.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "goalflow.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data dir %s is in use by another goalflow process", cfg.DataDir)
	}

	a := &app{cfg: cfg, log: log, lock: lock, reaper: agentproc.ProcessReaper{Log: log}}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = st

	profiles, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("register profiles: %w", err)
	}
	a.client = agentproc.NewClient(profiles, a.log)
	a.client.DefaultTimeout = config.Duration(cfg.Worker.DefaultTimeoutSec)

	a.tracker, err = recovery.NewTracker(cfg.Recovery.Dir, config.Duration(cfg.Recovery.MaxAgeSec), a.log)
	if err != nil {
		return fmt.Errorf("open recovery dir: %w", err)
	}

	policy := guard.DefaultToolPolicy()
	policy.AllowedTools = cfg.Guard.AllowedTools
	policy.DeniedTools = append(policy.DeniedTools, cfg.Guard.DeniedTools...)
	policy.AllowedPaths = cfg.Guard.AllowedPaths
	a.guard = guard.NewGuard(guard.Config{
		SubmissionsPerMinute: cfg.Guard.SubmissionsPerMinute,
		Burst:                cfg.Guard.Burst,
		MaxActivePerUser:     cfg.Guard.MaxActivePerUser,
	}, policy, st, st, a.log)

	a.bridge = bridge.NewBridge(a.client, st, bridge.Config{
		TimeoutRetries: cfg.Worker.TimeoutRetries,
		Interactive:    cfg.Worker.Interactive,
		WorkDir:        cfg.Worker.WorkDir,
		WorkerProfile:  agentproc.ProfileWorker,
		MediaProfile:   agentproc.ProfileMedia,
		MediaDir:       cfg.Worker.MediaDir,
	}, a.log)
	a.bridge.Tracker = a.tracker
	a.bridge.Guard = a.guard
	a.bridge.Agents = st

	fetcher := action.NewFetcher(config.Duration(cfg.Blobs.FetchTimeoutSec), cfg.Blobs.MaxBytes, cfg.Blobs.AllowLocal)
	blobs := &action.LocalBlobStore{Dir: cfg.Blobs.Dir, BaseURL: cfg.Blobs.BaseURL}
	catalog := action.NewDefaultCatalog(blobs, fetcher)

	a.hub = ipc.NewHub(a.log)
	a.engine = workflow.NewEngine(st, st, a.bridge, catalog, workflow.Config{
		PlannerProfile: agentproc.ProfilePlanner,
		WorkerProfile:  agentproc.ProfileWorker,
		ParseRetries:   cfg.Workflow.ParseRetries,
		MaxAttachments: cfg.Workflow.MaxAttachments,
		MaxCostUSD:     cfg.Workflow.MaxCostUSD,
	}, a.log)
	a.engine.Sink = a.hub
	a.engine.Fetcher = fetcher
	return nil
}

// recover reclaims requests orphaned by a previous process and fails the
// workflows it left executing.
func (a *app) recover(ctx context.Context) (recovery.ReconcileReport, int, error) {
	report, err := a.tracker.Reconcile(ctx, a.reclaim)
	if err != nil {
		return report, 0, fmt.Errorf("reconcile active requests: %w", err)
	}
	failed, err := a.engine.RecoverInterrupted(ctx)
	if err != nil {
		return report, failed, fmt.Errorf("recover workflows: %w", err)
	}
	return report, failed, nil
}

// reclaim terminates what is left of an orphaned worker and records the
// loss so the requester can be told.
func (a *app) reclaim(ctx context.Context, req recovery.ActiveRequest) error {
	if req.PID > 0 {
		a.reaper.Terminate(append(a.reaper.Descendants(req.PID), req.PID))
	}

	fields := logrus.Fields{"request_id": req.ID, "workflow_id": req.WorkflowID, "step": req.Step}
	for k, v := range req.Callback {
		fields["callback_"+k] = v
	}
	a.log.WithFields(fields).Warn("reclaimed orphaned worker request")

	return a.store.RecordAudit(ctx, domain.AuditRecord{
		WorkflowID:  req.WorkflowID,
		Category:    "recovery",
		Actor:       "goalflow",
		Action:      "reclaim_request",
		RequestJSON: mustJSON(req),
		Severity:    "warning",
		CreatedAt:   time.Now().Unix(),
	})
}

// Close releases the store and the data directory lock.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("close store")
		}
	}
	if err := a.lock.Unlock(); err != nil {
		a.log.WithError(err).Warn("unlock data dir")
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
