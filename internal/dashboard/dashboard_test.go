package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/coordctl/internal/eventbus"
)

type stubUsage struct {
	current, limit int
	err             error
}

func (s stubUsage) CurrentUsage(context.Context) (int, int, error) { return s.current, s.limit, s.err }

func TestUpdateExecutionPlanRecomputesCounters(t *testing.T) {
	m := New(nil, time.Minute, nil)
	m.UpdateExecutionPlan(context.Background(), []TaskView{
		{ID: "1", Status: "completed"}, {ID: "2", Status: "pending"},
	}, 1)
	state := m.GetState()
	assert.Equal(t, 2, state.Plan.TotalTasks)
	assert.Equal(t, 1, state.Plan.CompletedTasks)
	assert.Equal(t, 1, state.Plan.CurrentTaskIndex)
}

func TestUpdateExecutionRecomputesDuration(t *testing.T) {
	m := New(nil, time.Minute, nil)
	start := time.Now().Add(-time.Second)
	m.UpdateExecution(context.Background(), "build", "agent-1", "task-1", start)
	state := m.GetState()
	assert.GreaterOrEqual(t, state.Execution.Duration, time.Second)
}

func TestAddArtifactBoundedAt100(t *testing.T) {
	m := New(nil, time.Minute, nil)
	ctx := context.Background()
	for i := 0; i < 105; i++ {
		m.AddArtifact(ctx, Artifact{Name: "f"})
	}
	state := m.GetState()
	assert.Len(t, state.Artifacts, maxArtifacts)
}

func TestAddEventBoundedAt50(t *testing.T) {
	m := New(nil, time.Minute, nil)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		m.addEvent(ctx, "note", "hello", nil)
	}
	state := m.GetState()
	assert.Len(t, state.Events, maxTimeline)
}

func TestGetStateReturnsDeepCopy(t *testing.T) {
	m := New(nil, time.Minute, nil)
	m.AddArtifact(context.Background(), Artifact{Name: "a"})
	state := m.GetState()
	state.Artifacts[0].Name = "mutated"

	state2 := m.GetState()
	assert.Equal(t, "a", state2.Artifacts[0].Name)
}

func TestRefreshDerivesContextStatus(t *testing.T) {
	m := New(stubUsage{current: 96, limit: 100}, time.Minute, nil)
	m.refresh(context.Background())
	state := m.GetState()
	assert.Equal(t, "emergency", state.Context.Status)
	assert.Equal(t, 0.0, state.Context.NextCheckpoint)
}

func TestRefreshSkipsOnUsageError(t *testing.T) {
	m := New(stubUsage{err: errors.New("boom")}, time.Minute, nil)
	m.refresh(context.Background())
	state := m.GetState()
	assert.Equal(t, "", state.Context.Status)
}

func TestStartStopIdempotent(t *testing.T) {
	m := New(nil, 10*time.Millisecond, nil)
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx) // idempotent, no panic
	state := m.GetState()
	assert.Equal(t, "running", state.Status)

	m.Stop()
	m.Stop() // idempotent, no panic
	state = m.GetState()
	assert.Equal(t, "stopped", state.Status)
}

func TestStartSubscribesToOrchestratorEvents(t *testing.T) {
	external := eventbus.New()
	m := New(nil, time.Minute, external)
	m.Start(context.Background())
	defer m.Stop()

	_ = external.Publish(context.Background(), eventbus.Event{Type: "orchestrator:execution:start"})
	_ = external.Publish(context.Background(), eventbus.Event{Type: "orchestrator:execution:complete"})

	state := m.GetState()
	assert.Equal(t, 1, state.Metrics.TotalOperations)
	assert.Equal(t, 1, state.Metrics.SuccessfulOperations)
}
