package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/goalflow/internal/domain"
)

func TestAuditRepo_RecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	records := []domain.AuditRecord{
		{ID: "aud-1", WorkflowID: "wf-1", Category: "invoke", Actor: "bridge", Action: "start", CreatedAt: now},
		{ID: "aud-2", WorkflowID: "wf-1", Category: "permission", Actor: "guard", Action: "deny", DecisionJSON: `{"allowed":false}`, Severity: "warn", CreatedAt: now + 1},
		{WorkflowID: "wf-2", Category: "invoke", Actor: "bridge", Action: "start"},
	}
	for _, r := range records {
		require.NoError(t, s.RecordAudit(ctx, r))
	}

	got, err := s.ListAudit(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "{}", got[0].RequestJSON)
	assert.Equal(t, "info", got[0].Severity)
	assert.Equal(t, "warn", got[1].Severity)

	generated, err := s.ListAudit(ctx, "wf-2")
	require.NoError(t, err)
	require.Len(t, generated, 1)
	assert.Contains(t, generated[0].ID, "aud-")
}

func TestUsageRepo_Total(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordUsage(ctx, domain.UsageRecord{WorkflowID: "wf-1", Step: 1, Agent: "poet", CostUSD: 0.25}))
	require.NoError(t, s.RecordUsage(ctx, domain.UsageRecord{WorkflowID: "wf-1", Step: 2, Agent: "judge", CostUSD: 0.5}))

	total, err := s.Usage.TotalCost(ctx, s.DB, "wf-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, total, 1e-9)

	list, err := s.ListUsage(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
