package recovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, alive map[int]bool) *Tracker {
	t.Helper()
	log, _ := test.NewNullLogger()
	tr, err := NewTracker(filepath.Join(t.TempDir(), "active"), time.Hour, log)
	require.NoError(t, err)
	tr.Alive = func(pid int) bool { return alive[pid] }
	return tr
}

type cleanupRecorder struct {
	mu    sync.Mutex
	calls []ActiveRequest
}

func (c *cleanupRecorder) fn(_ context.Context, req ActiveRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	return nil
}

func TestTracker_BeginUpdateEnd(t *testing.T) {
	tr := newTestTracker(t, nil)

	req := ActiveRequest{ID: "req-1", WorkflowID: "wf-1", Step: 2, Callback: map[string]string{"channel": "c1", "message_id": "m9"}}
	require.NoError(t, tr.Begin(req))
	require.NoError(t, tr.Update("req-1", 4242))

	list, err := tr.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 4242, list[0].PID)
	assert.Equal(t, os.Getpid(), list[0].OwnerPID)
	assert.Equal(t, "m9", list[0].Callback["message_id"])
	assert.False(t, list[0].StartedAt.IsZero())

	require.NoError(t, tr.End("req-1"))
	require.NoError(t, tr.End("req-1"))
	list, err = tr.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.Error(t, tr.Update("req-1", 1))
	assert.Error(t, tr.Begin(ActiveRequest{ID: "../escape"}))
}

func TestReconcile_DeadAndAlive(t *testing.T) {
	tr := newTestTracker(t, map[int]bool{100: true})
	now := time.Now()
	tr.Now = func() time.Time { return now }

	require.NoError(t, tr.Begin(ActiveRequest{ID: "dead", PID: 99, StartedAt: now.Add(-time.Minute)}))
	require.NoError(t, tr.Begin(ActiveRequest{ID: "alive", PID: 100, StartedAt: now.Add(-time.Minute)}))

	rec := &cleanupRecorder{}
	report, err := tr.Reconcile(context.Background(), rec.fn)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Cleaned: 1, Kept: 1}, report)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "dead", rec.calls[0].ID)

	_, err = os.Stat(tr.path("dead"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(tr.path("alive"))
	assert.NoError(t, err)

	// A second pass must not clean the same record again.
	report, err = tr.Reconcile(context.Background(), rec.fn)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Cleaned)
	assert.Len(t, rec.calls, 1)
}

func TestReconcile_TooOld(t *testing.T) {
	tr := newTestTracker(t, map[int]bool{100: true})
	now := time.Now()
	tr.Now = func() time.Time { return now }
	require.NoError(t, tr.Begin(ActiveRequest{ID: "old", PID: 100, OwnerPID: 7, StartedAt: now.Add(-2 * time.Hour)}))

	rec := &cleanupRecorder{}
	report, err := tr.Reconcile(context.Background(), rec.fn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cleaned)
	assert.Len(t, rec.calls, 1)
}

func TestReconcile_OwnLongRunningRequestKept(t *testing.T) {
	tr := newTestTracker(t, map[int]bool{100: true})
	start := time.Now()
	tr.Now = func() time.Time { return start }
	require.NoError(t, tr.Begin(ActiveRequest{ID: "streaming"}))
	require.NoError(t, tr.Update("streaming", 100))

	tr.Now = func() time.Time { return start.Add(tr.MaxAge + time.Minute) }
	rec := &cleanupRecorder{}
	report, err := tr.Reconcile(context.Background(), rec.fn)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Kept: 1}, report)
	assert.Empty(t, rec.calls)

	// Once the worker dies the record is reclaimed.
	tr.Alive = func(int) bool { return false }
	report, err = tr.Reconcile(context.Background(), rec.fn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cleaned)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "streaming", rec.calls[0].ID)
}

func TestReconcile_PreviousProcessRecordAgesOut(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "active")
	log, _ := test.NewNullLogger()
	start := time.Now()

	before, err := NewTracker(dir, time.Hour, log)
	require.NoError(t, err)
	require.NoError(t, before.Begin(ActiveRequest{ID: "left-behind", PID: 100, StartedAt: start}))

	// A restarted engine may get the same pid; it does not own the record.
	after, err := NewTracker(dir, time.Hour, log)
	require.NoError(t, err)
	after.Alive = func(int) bool { return true }
	after.Now = func() time.Time { return start.Add(2 * time.Hour) }

	rec := &cleanupRecorder{}
	report, err := after.Reconcile(context.Background(), rec.fn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cleaned)
	assert.Len(t, rec.calls, 1)
}

func TestReconcile_PendingPIDUsesOwner(t *testing.T) {
	tr := newTestTracker(t, nil)
	require.NoError(t, tr.Begin(ActiveRequest{ID: "mine"}))
	require.NoError(t, tr.Begin(ActiveRequest{ID: "orphan", OwnerPID: 7}))

	rec := &cleanupRecorder{}
	report, err := tr.Reconcile(context.Background(), rec.fn)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Cleaned: 1, Kept: 1}, report)
	assert.Equal(t, "orphan", rec.calls[0].ID)
}

func TestReconcile_CorruptDeleted(t *testing.T) {
	tr := newTestTracker(t, nil)
	bad := filepath.Join(tr.Dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("id: [unterminated"), 0o644))
	empty := filepath.Join(tr.Dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("pid: 3\n"), 0o644))
	other := filepath.Join(tr.Dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0o644))

	rec := &cleanupRecorder{}
	report, err := tr.Reconcile(context.Background(), rec.fn)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Corrupt)
	assert.Empty(t, rec.calls)

	for _, p := range []string{bad, empty} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
	_, err = os.Stat(other)
	assert.NoError(t, err)
}

func TestSweeper_ReclaimsDeadRecords(t *testing.T) {
	tr := newTestTracker(t, nil)
	require.NoError(t, tr.Begin(ActiveRequest{ID: "gone", PID: 55}))

	rec := &cleanupRecorder{}
	s := NewSweeper(tr, rec.fn, 10*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
