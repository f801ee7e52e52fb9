// Package recovery keeps durable records of in-flight worker requests so a
// restarted engine can clean up after requests the previous process never
// finished.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultMaxAge is the age after which a record left by another process is
// reclaimed even if its worker pid still exists.
const DefaultMaxAge = 30 * time.Minute

const recordExt = ".yaml"

// ActiveRequest is the on-disk record of one in-flight worker request.
type ActiveRequest struct {
	ID         string            `yaml:"id"`
	PID        int               `yaml:"pid"`
	OwnerPID   int               `yaml:"owner_pid"`
	WorkflowID string            `yaml:"workflow_id,omitempty"`
	Step       int               `yaml:"step,omitempty"`
	Profile    string            `yaml:"profile,omitempty"`
	Callback   map[string]string `yaml:"callback,omitempty"`
	StartedAt  time.Time         `yaml:"started_at"`
}

// CleanupFunc releases whatever user-facing state a stale request left
// behind. It is called at most once per record.
type CleanupFunc func(ctx context.Context, req ActiveRequest) error

// Tracker stores ActiveRequest records as one YAML file per request.
type Tracker struct {
	Dir    string
	MaxAge time.Duration
	Log    logrus.FieldLogger

	// Alive reports whether a process exists. Defaults to gopsutil.
	Alive func(pid int) bool
	Now   func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewTracker creates the record directory if needed.
func NewTracker(dir string, maxAge time.Duration, log logrus.FieldLogger) (*Tracker, error) {
	if dir == "" {
		return nil, errors.New("recovery dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recovery dir: %w", err)
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{Dir: dir, MaxAge: maxAge, Log: log.WithField("component", "recovery")}, nil
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if t.Alive != nil {
		return t.Alive(pid)
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (t *Tracker) path(id string) string {
	return filepath.Join(t.Dir, id+recordExt)
}

// Begin writes the record before the request is handed to a worker.
func (t *Tracker) Begin(req ActiveRequest) error {
	if req.ID == "" || strings.ContainsAny(req.ID, `/\`) || strings.HasPrefix(req.ID, ".") {
		return fmt.Errorf("invalid request id %q", req.ID)
	}
	if req.OwnerPID == 0 {
		req.OwnerPID = os.Getpid()
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.write(req); err != nil {
		return err
	}
	if t.inflight == nil {
		t.inflight = make(map[string]struct{})
	}
	t.inflight[req.ID] = struct{}{}
	return nil
}

// Update records the worker pid once the process has started.
func (t *Tracker) Update(id string, pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, err := t.read(t.path(id))
	if err != nil {
		return err
	}
	req.PID = pid
	return t.write(*req)
}

// End deletes the record. Missing records are not an error.
func (t *Tracker) End(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
	if err := os.Remove(t.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove request record %s: %w", id, err)
	}
	return nil
}

// List returns every readable record ordered by start time.
func (t *Tracker) List() ([]ActiveRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths, err := t.recordPaths()
	if err != nil {
		return nil, err
	}
	var out []ActiveRequest
	for _, p := range paths {
		if req, err := t.read(p); err == nil {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ReconcileReport counts what a reconcile pass did.
type ReconcileReport struct {
	Cleaned int
	Kept    int
	Corrupt int
}

// Reconcile reads back every record. A record whose worker is gone triggers
// cleanup once and is deleted. Records left by another process are also
// reclaimed once older than MaxAge; requests this tracker began are never
// reclaimed while their worker is alive. Unreadable records are deleted
// without cleanup. Cleanup failures are logged and the record is still
// deleted.
func (t *Tracker) Reconcile(ctx context.Context, cleanup CleanupFunc) (ReconcileReport, error) {
	var report ReconcileReport

	t.mu.Lock()
	paths, err := t.recordPaths()
	if err != nil {
		t.mu.Unlock()
		return report, err
	}
	var stale []ActiveRequest
	now := t.now()
	for _, p := range paths {
		req, err := t.read(p)
		if err != nil {
			t.Log.WithError(err).WithField("path", p).Warn("deleting corrupt request record")
			_ = os.Remove(p)
			report.Corrupt++
			continue
		}
		if t.isLive(*req, now) {
			report.Kept++
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.Log.WithError(err).WithField("request_id", req.ID).Warn("remove stale request record")
			continue
		}
		delete(t.inflight, req.ID)
		stale = append(stale, *req)
	}
	t.mu.Unlock()

	for _, req := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := t.Log.WithFields(logrus.Fields{
			"request_id":  req.ID,
			"pid":         req.PID,
			"workflow_id": req.WorkflowID,
			"age":         now.Sub(req.StartedAt).Round(time.Second).String(),
		})
		if cleanup != nil {
			if err := cleanup(ctx, req); err != nil {
				log.WithError(err).Warn("request cleanup failed")
			}
		}
		log.Info("reclaimed stale request")
		report.Cleaned++
	}
	return report, nil
}

// isLive reports whether the request may still complete. Before the worker
// pid is known the engine process that wrote the record stands in for it.
// Callers must hold t.mu.
func (t *Tracker) isLive(req ActiveRequest, now time.Time) bool {
	if t.owns(req) {
		return req.PID == 0 || t.alive(req.PID)
	}
	if now.Sub(req.StartedAt) > t.MaxAge {
		return false
	}
	if req.PID > 0 {
		return t.alive(req.PID)
	}
	// A foreign record naming this pid as owner predates a pid reuse.
	return req.OwnerPID != os.Getpid() && t.alive(req.OwnerPID)
}

// owns reports whether req was begun by this tracker and not yet ended.
func (t *Tracker) owns(req ActiveRequest) bool {
	if req.OwnerPID != os.Getpid() {
		return false
	}
	_, ok := t.inflight[req.ID]
	return ok
}

func (t *Tracker) recordPaths() ([]string, error) {
	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		return nil, fmt.Errorf("read recovery dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		out = append(out, filepath.Join(t.Dir, name))
	}
	return out, nil
}

func (t *Tracker) read(path string) (*ActiveRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request record: %w", err)
	}
	var req ActiveRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request record %s: %w", filepath.Base(path), err)
	}
	if req.ID == "" || req.StartedAt.IsZero() {
		return nil, fmt.Errorf("request record %s is incomplete", filepath.Base(path))
	}
	return &req, nil
}

// write replaces the record atomically via a temp file and rename.
func (t *Tracker) write(req ActiveRequest) error {
	content, err := yaml.Marshal(req)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	tmp, err := os.CreateTemp(t.Dir, ".req-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, t.path(req.ID)); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
