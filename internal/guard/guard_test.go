package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/rogers-f/goalflow/internal/domain"
	"github.com/rogers-f/goalflow/internal/store"
)

func newTestGuard(t *testing.T, cfg Config) (*Guard, *store.MemoryStore) {
	t.Helper()
	log, _ := test.NewNullLogger()
	st := store.NewMemoryStore()
	return NewGuard(cfg, nil, st, st, log), st
}

func TestCheckRateLimit(t *testing.T) {
	g, _ := newTestGuard(t, Config{SubmissionsPerMinute: 2})

	for i := 0; i < 2; i++ {
		if err := g.CheckRateLimit("alice"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}
	if err := g.CheckRateLimit("alice"); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if err := g.CheckRateLimit("bob"); err != nil {
		t.Fatalf("other users have their own bucket: %v", err)
	}
}

func TestCheckRateLimit_Disabled(t *testing.T) {
	g, _ := newTestGuard(t, Config{})
	for i := 0; i < 100; i++ {
		if err := g.CheckRateLimit("alice"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestCheckSubmission_ActiveCeiling(t *testing.T) {
	g, st := newTestGuard(t, Config{MaxActivePerUser: 2})
	ctx := context.Background()

	for i, status := range []domain.WorkflowStatus{domain.StatusExecuting, domain.StatusCompleted, domain.StatusFailed} {
		wf := &domain.Workflow{ID: "wf-" + string(rune('a'+i)), UserID: "alice", Status: status}
		if err := st.CreateWorkflow(ctx, wf); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := g.CheckSubmission(ctx, "alice"); err != nil {
		t.Fatalf("one active workflow is under the cap: %v", err)
	}

	if err := st.CreateWorkflow(ctx, &domain.Workflow{ID: "wf-z", UserID: "alice", Status: domain.StatusPlanning}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := g.CheckSubmission(ctx, "alice")
	if !errors.Is(err, domain.ErrTooManyActive) {
		t.Fatalf("expected ErrTooManyActive, got %v", err)
	}

	audits := st.AuditRecords()
	if len(audits) != 1 || audits[0].Action != "too_many_active" {
		t.Fatalf("expected one too_many_active audit, got %+v", audits)
	}
}

func TestToolPolicy_Check(t *testing.T) {
	p := DefaultToolPolicy()
	p.AllowedPaths = []string{"/work"}
	p.DeniedTools = []string{"WebFetch"}

	cases := []struct {
		name   string
		tool   string
		input  map[string]any
		denied bool
	}{
		{"plain read", "Read", map[string]any{"file_path": "/work/notes.md"}, false},
		{"env file", "Read", map[string]any{"file_path": "/work/.env"}, true},
		{"key glob", "Read", map[string]any{"file_path": "/work/server.key"}, true},
		{"nested git", "Edit", map[string]any{"file_path": "/work/repo/.git/config"}, true},
		{"outside allowed", "Write", map[string]any{"file_path": "/etc/passwd"}, true},
		{"prefix trick", "Write", map[string]any{"file_path": "/workshop/a.txt"}, true},
		{"denied tool", "webfetch", map[string]any{"url": "https://example.com"}, true},
		{"safe command", "Bash", map[string]any{"command": "ls -la"}, false},
		{"sudo", "Bash", map[string]any{"command": "sudo apt install x"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason, err := p.Check(tc.tool, tc.input)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if (reason != "") != tc.denied {
				t.Fatalf("denied=%v, want %v (reason %q)", reason != "", tc.denied, reason)
			}
		})
	}
}

func TestToolPolicy_AllowedTools(t *testing.T) {
	p := &ToolPolicy{AllowedTools: []string{"Read"}}
	if reason, _ := p.Check("Read", nil); reason != "" {
		t.Fatalf("Read should be allowed, got %q", reason)
	}
	if reason, _ := p.Check("Bash", nil); reason == "" {
		t.Fatal("Bash should be denied")
	}
}

func TestPermissionFunc(t *testing.T) {
	g, st := newTestGuard(t, Config{})
	perm := g.PermissionFunc("wf-1")
	ctx := context.Background()

	input := map[string]any{"file_path": "/tmp/out.txt"}
	dec, err := perm(ctx, "Write", input)
	if err != nil {
		t.Fatalf("perm: %v", err)
	}
	if !dec.Allow || dec.UpdatedInput["file_path"] != "/tmp/out.txt" {
		t.Fatalf("expected allow with input echoed, got %+v", dec)
	}

	dec, err = perm(ctx, "Read", map[string]any{"file_path": "/home/u/.ssh/id_rsa"})
	if err != nil {
		t.Fatalf("perm: %v", err)
	}
	if dec.Allow || dec.Message == "" {
		t.Fatalf("expected deny with message, got %+v", dec)
	}
	audits := st.AuditRecords()
	if len(audits) != 1 || audits[0].WorkflowID != "wf-1" || audits[0].Action != "permission_denied" {
		t.Fatalf("unexpected audits: %+v", audits)
	}
}
