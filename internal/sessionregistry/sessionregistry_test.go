package sessionregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefaultsSessionType(t *testing.T) {
	r := New()
	s := r.Register(context.Background(), RegisterInput{Project: "p"})
	assert.Equal(t, "cli", s.SessionType)
	assert.False(t, s.Autonomous)
}

func TestRegisterChildUpdatesParentHierarchy(t *testing.T) {
	r := New()
	ctx := context.Background()
	parent := r.Register(ctx, RegisterInput{Project: "p"})
	child := r.Register(ctx, RegisterInput{Project: "p", ParentSessionID: formatSessionID(parent.ID)})

	p, ok := r.GetSessionWithHierarchy(parent.ID)
	require.True(t, ok)
	assert.Equal(t, 1, p.RollupMetrics.ChildSessionCount)
	assert.Contains(t, p.Hierarchy.ChildSessionIDs, formatSessionID(child.ID))
}

func TestUpdatePreservesSessionType(t *testing.T) {
	r := New()
	ctx := context.Background()
	s := r.Register(ctx, RegisterInput{Project: "p", SessionType: "orchestrator"})
	updated, ok := r.Update(ctx, s.ID, map[string]any{"status": "paused"})
	require.True(t, ok)
	assert.Equal(t, "orchestrator", updated.SessionType)
	assert.Equal(t, "paused", updated.Status)
}

func TestDeregisterSetsEnded(t *testing.T) {
	r := New()
	ctx := context.Background()
	s := r.Register(ctx, RegisterInput{Project: "p"})
	final, ok := r.Deregister(ctx, s.ID)
	require.True(t, ok)
	assert.Equal(t, "ended", final.Status)
}

func TestDelegationLifecycleMovesToCompleted(t *testing.T) {
	r := New()
	ctx := context.Background()
	s := r.Register(ctx, RegisterInput{Project: "p"})
	d, ok := r.AddDelegation(ctx, s.ID, map[string]any{"task": "t1"})
	require.True(t, ok)

	ok = r.UpdateDelegation(ctx, s.ID, d.ID, "completed", nil)
	require.True(t, ok)

	active, completed := r.GetAllDelegations(s.ID)
	assert.Empty(t, active)
	require.Len(t, completed, 1)
	assert.Equal(t, "completed", completed[0].Status)
}

func TestGetCompletedDelegationsMostRecentFirst(t *testing.T) {
	r := New()
	ctx := context.Background()
	s := r.Register(ctx, RegisterInput{Project: "p"})
	d1, _ := r.AddDelegation(ctx, s.ID, nil)
	d2, _ := r.AddDelegation(ctx, s.ID, nil)
	_ = r.UpdateDelegation(ctx, s.ID, d1.ID, "completed", nil)
	_ = r.UpdateDelegation(ctx, s.ID, d2.ID, "completed", nil)

	completed := r.GetCompletedDelegations(s.ID, 0)
	require.Len(t, completed, 2)
	assert.Equal(t, d2.ID, completed[0].ID)
}

func TestGetRollupMetricsSumsDescendants(t *testing.T) {
	r := New()
	ctx := context.Background()
	root := r.Register(ctx, RegisterInput{Project: "p", Tokens: 100, Cost: 1.0, QualityScore: 0.8})
	child := r.Register(ctx, RegisterInput{Project: "p", ParentSessionID: formatSessionID(root.ID), Tokens: 50, Cost: 0.5, QualityScore: 0.6})
	_ = child

	metrics, ok := r.GetRollupMetrics(root.ID)
	require.True(t, ok)
	assert.Equal(t, 150, metrics.TotalTokens)
	assert.InDelta(t, 1.5, metrics.TotalCost, 0.001)
	assert.InDelta(t, 0.7, metrics.QualityScore, 0.001)
	assert.Equal(t, 2, metrics.TotalAgentCount)
	assert.Equal(t, 1, metrics.ChildSessionCount)
}

func TestGetRootSessionsOnlyReturnsParentless(t *testing.T) {
	r := New()
	ctx := context.Background()
	root := r.Register(ctx, RegisterInput{Project: "p"})
	_ = r.Register(ctx, RegisterInput{Project: "p", ParentSessionID: formatSessionID(root.ID)})

	roots := r.GetRootSessions()
	require.Len(t, roots, 1)
	assert.Equal(t, root.ID, roots[0].ID)
}

func TestGetSummaryWithHierarchy(t *testing.T) {
	r := New()
	ctx := context.Background()
	root := r.Register(ctx, RegisterInput{Project: "p"})
	_ = r.Register(ctx, RegisterInput{Project: "p", ParentSessionID: formatSessionID(root.ID)})

	_, hm, roots := r.GetSummaryWithHierarchy()
	assert.Equal(t, 1, hm.RootSessionCount)
	assert.Equal(t, 1, hm.SessionsWithChildren)
	require.Len(t, roots, 1)
	assert.Equal(t, 1, roots[0].ChildCount)
}
