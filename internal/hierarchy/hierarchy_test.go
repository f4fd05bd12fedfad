package hierarchy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(Limits{MaxChildren: 2, MaxDepth: 3})
}

func TestRegisterHierarchyRoot(t *testing.T) {
	r := newTestRegistry()
	n, err := r.RegisterHierarchy(context.Background(), "", "root", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n.Depth)
	assert.Equal(t, DelegationPending, n.Status)
}

func TestRegisterHierarchyDepthAndParentTracking(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, err := r.RegisterHierarchy(ctx, "", "root", nil)
	require.NoError(t, err)
	child, err := r.RegisterHierarchy(ctx, "root", "child", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)

	children := r.GetChildren("root")
	require.Len(t, children, 1)
	assert.Equal(t, "child", children[0].ID)
}

func TestRegisterHierarchyRejectsDuplicateChild(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "root", nil)
	_, err := r.RegisterHierarchy(ctx, "root", "a", nil)
	require.NoError(t, err)
	_, err = r.RegisterHierarchy(ctx, "root", "a", nil)
	assert.Error(t, err)
}

func TestRegisterHierarchyRejectsUnknownParent(t *testing.T) {
	r := newTestRegistry()
	_, err := r.RegisterHierarchy(context.Background(), "ghost", "a", nil)
	assert.Error(t, err)
}

func TestRegisterHierarchyEnforcesMaxChildren(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "root", nil)
	_, err := r.RegisterHierarchy(ctx, "root", "a", nil)
	require.NoError(t, err)
	_, err = r.RegisterHierarchy(ctx, "root", "b", nil)
	require.NoError(t, err)
	_, err = r.RegisterHierarchy(ctx, "root", "c", nil)
	assert.Error(t, err, "max children is 2")
}

func TestRegisterHierarchyEnforcesMaxDepth(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "n0", nil)
	_, _ = r.RegisterHierarchy(ctx, "n0", "n1", nil)
	_, _ = r.RegisterHierarchy(ctx, "n1", "n2", nil)
	_, _ = r.RegisterHierarchy(ctx, "n2", "n3", nil)
	_, err := r.RegisterHierarchy(ctx, "n3", "n4", nil)
	assert.Error(t, err, "max depth is 3")
}

func TestWouldCreateCycleDetectedViaAncestorWalk(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "a", nil)
	_, _ = r.RegisterHierarchy(ctx, "a", "b", nil)
	// b cannot become an ancestor of a: registering "a" again under "b" is
	// refused because "a" is already registered, so exercise the cycle
	// detector directly against the internal ancestor walk.
	assert.True(t, r.wouldCreateCycleLocked("b", "a"))
	assert.False(t, r.wouldCreateCycleLocked("b", "z"))
}

func TestGetAncestorsLeafToRoot(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "a", nil)
	_, _ = r.RegisterHierarchy(ctx, "a", "b", nil)
	_, _ = r.RegisterHierarchy(ctx, "b", "c", nil)

	ancestors := r.GetAncestors("c")
	require.Len(t, ancestors, 2)
	assert.Equal(t, "b", ancestors[0].ID)
	assert.Equal(t, "a", ancestors[1].ID)
}

func TestGetDescendantsDepthFirst(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "a", nil)
	_, _ = r.RegisterHierarchy(ctx, "a", "b", nil)
	_, _ = r.RegisterHierarchy(ctx, "b", "c", nil)

	desc := r.GetDescendants("a")
	require.Len(t, desc, 2)
	assert.Equal(t, "b", desc[0].ID)
	assert.Equal(t, "c", desc[1].ID)
}

func TestFindCommonAncestor(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "root", nil)
	_, _ = r.RegisterHierarchy(ctx, "root", "a", nil)
	_, _ = r.RegisterHierarchy(ctx, "root", "b", nil)

	assert.Equal(t, "root", r.FindCommonAncestor("a", "b"))
	assert.Equal(t, "", r.FindCommonAncestor("a", "unknown"))
}

func TestPruneHierarchyCascadesAndCleansIndexes(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "root", nil)
	_, _ = r.RegisterHierarchy(ctx, "root", "a", nil)
	_, _ = r.RegisterHierarchy(ctx, "a", "b", nil)

	result := r.PruneHierarchy(ctx, "a")
	assert.True(t, result.Pruned)
	assert.ElementsMatch(t, []string{"a", "b"}, result.RemovedNodes)

	_, ok := r.GetHierarchy("a")
	assert.False(t, ok)
	_, ok = r.GetHierarchy("b")
	assert.False(t, ok)

	children := r.GetChildren("root")
	assert.Empty(t, children)
}

func TestPruneHierarchyUnknownIsNoop(t *testing.T) {
	r := newTestRegistry()
	result := r.PruneHierarchy(context.Background(), "ghost")
	assert.False(t, result.Pruned)
}

func TestCanDelegateReportsRemainingCapacity(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "root", nil)

	report := r.CanDelegate("root")
	assert.True(t, report.CanDelegate)
	assert.Equal(t, 2, report.RemainingChildren)
	assert.Equal(t, 3, report.RemainingDepth)

	_, _ = r.RegisterHierarchy(ctx, "root", "a", nil)
	_, _ = r.RegisterHierarchy(ctx, "root", "b", nil)
	report = r.CanDelegate("root")
	assert.False(t, report.CanDelegate)
	assert.Equal(t, "max children reached", report.Reason)
}

func TestCanDelegateUnknownAgent(t *testing.T) {
	r := newTestRegistry()
	report := r.CanDelegate("ghost")
	assert.False(t, report.CanDelegate)
}

func TestUpdateNodeStatusReindexesAndIgnoresUnknown(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "root", nil)

	r.UpdateNodeStatus(ctx, "root", DelegationActive)
	byStatus := r.GetByStatus(DelegationActive)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "root", byStatus[0].ID)
	assert.Empty(t, r.GetByStatus(DelegationPending))

	r.UpdateNodeStatus(ctx, "ghost", DelegationFailed) // no panic, no effect
}

func TestDelegationLifecycle(t *testing.T) {
	r := newTestRegistry()
	d, err := r.RegisterDelegation("d1", "parent", "child", "task-1")
	require.NoError(t, err)
	assert.Equal(t, DelegationPending, d.Status)

	updated, err := r.UpdateDelegationStatus(context.Background(), "d1", DelegationCompleted, map[string]any{"ok": true}, "")
	require.NoError(t, err)
	assert.Equal(t, DelegationCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)
}

func TestRegisterDelegationRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry()
	_, err := r.RegisterDelegation("d1", "p", "c", "t")
	require.NoError(t, err)
	_, err = r.RegisterDelegation("d1", "p", "c", "t")
	assert.Error(t, err)
}

func TestUpdateDelegationStatusUnknownID(t *testing.T) {
	r := newTestRegistry()
	_, err := r.UpdateDelegationStatus(context.Background(), "ghost", DelegationActive, nil, "")
	assert.Error(t, err)
}

func TestExportImportStateRoundTrip(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, _ = r.RegisterHierarchy(ctx, "", "root", nil)
	_, _ = r.RegisterHierarchy(ctx, "root", "a", nil)
	_, _ = r.RegisterDelegation("d1", "root", "a", "t1")

	state := r.ExportState()

	r2 := newTestRegistry()
	r2.ImportState(state)

	n, ok := r2.GetHierarchy("a")
	require.True(t, ok)
	assert.Equal(t, 1, n.Depth)
	assert.Len(t, r2.GetChildren("root"), 1)

	report := r2.CanDelegate("root")
	assert.True(t, report.CanDelegate)
}
