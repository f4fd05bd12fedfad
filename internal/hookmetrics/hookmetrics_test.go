package hookmetrics

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSuccessAndFailure(t *testing.T) {
	m := New("")
	m.RecordSuccess(HookSessionStart, 25, nil)
	m.RecordFailure(HookSessionStart, ErrorTimeout, 2000, nil)

	stats := m.GetHookStats(HookSessionStart)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, 1, stats.TimeoutCount)
	assert.Equal(t, 2, stats.TotalExecutions)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.01)
	assert.Equal(t, 2, stats.Duration.Count)
}

func TestGetHookStatsUnknownKindReturns100(t *testing.T) {
	m := New("")
	stats := m.GetHookStats(HookDelegation)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.Equal(t, 0, stats.TotalExecutions)
}

func TestGetRollingSuccessRateUnknownWindow(t *testing.T) {
	m := New("")
	assert.Nil(t, m.GetRollingSuccessRate(Window("fortnight")))
}

func TestRollingSuccessRate(t *testing.T) {
	m := New("")
	m.RecordSuccess(HookTrackUsage, 5, nil)
	m.RecordSuccess(HookTrackUsage, 5, nil)
	m.RecordFailure(HookTrackUsage, ErrorNetwork, 5, nil)

	stats := m.GetRollingSuccessRate(WindowMinute)
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	assert.InDelta(t, 66.66, stats.SuccessRate, 0.1)
}

func TestRecordRetry(t *testing.T) {
	m := New("")
	m.RecordRetry(HookAfterExecution, 1)
	m.RecordRetry(HookAfterExecution, 2)
	assert.Equal(t, 2, m.kinds[HookAfterExecution].Retries)
}

func TestTakeSnapshotAndGetSnapshots(t *testing.T) {
	m := New("")
	m.RecordSuccess(HookValidatePrompt, 1, nil)
	snap := m.TakeSnapshot()
	assert.NotEmpty(t, snap.ID)

	snaps := m.GetSnapshots(SnapshotFilter{Limit: 10})
	require.Len(t, snaps, 1)
	assert.Equal(t, snap.ID, snaps[0].ID)
}

func TestResetZeroesState(t *testing.T) {
	m := New("")
	m.RecordSuccess(HookSessionEnd, 1, nil)
	m.Reset()
	stats := m.GetHookStats(HookSessionEnd)
	assert.Equal(t, 0, stats.TotalExecutions)
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hooks.json")

	m := New(path)
	m.RecordSuccess(HookSessionStart, 42, nil)
	m.RecordFailure(HookSessionStart, ErrorParse, 10, nil)
	require.NoError(t, m.Persist())

	reloaded := New(path)
	stats := reloaded.GetHookStats(HookSessionStart)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
}

func TestPersistNoopWithoutPath(t *testing.T) {
	m := New("")
	assert.NoError(t, m.Persist())
}
