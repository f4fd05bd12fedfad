package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStartsAtIdleVersion1(t *testing.T) {
	m := New()
	e, err := m.Register(context.Background(), "a1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, e.State)
	assert.Equal(t, 1, e.Version)
	require.Len(t, e.History, 1)
	assert.Equal(t, StateIdle, e.History[0].State)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	m := New()
	ctx := context.Background()
	_, err := m.Register(ctx, "a1", "", nil)
	require.NoError(t, err)
	_, err = m.Register(ctx, "a1", "", nil)
	assert.Error(t, err)
}

func TestUpdateStateIncrementsVersionAndHistory(t *testing.T) {
	m := New()
	ctx := context.Background()
	_, _ = m.Register(ctx, "a1", "", nil)
	e, err := m.UpdateState(ctx, "a1", StateInitializing, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Version)
	assert.Len(t, e.History, 2)
}

func TestUpdateStateRejectsIllegalTransition(t *testing.T) {
	m := New()
	ctx := context.Background()
	_, _ = m.Register(ctx, "a1", "", nil)
	_, err := m.UpdateState(ctx, "a1", StateCompleted, nil, nil)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateIdle, invalid.FromState)
}

func TestUpdateStateOptimisticLockMismatch(t *testing.T) {
	m := New()
	ctx := context.Background()
	_, _ = m.Register(ctx, "a1", "", nil)
	bad := 99
	_, err := m.UpdateState(ctx, "a1", StateInitializing, &bad, nil)
	var lockErr *OptimisticLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, 1, lockErr.ActualVersion)
}

func TestUpdateStateUnknownAgentThrows(t *testing.T) {
	m := New()
	_, err := m.UpdateState(context.Background(), "ghost", StateInitializing, nil, nil)
	assert.Error(t, err)
}

func TestTerminatedHasNoOutgoingTransitions(t *testing.T) {
	assert.Empty(t, Transitions[StateTerminated])
}

func TestAtomicFamilyTransitionAllOrNothing(t *testing.T) {
	m := New()
	ctx := context.Background()
	_, _ = m.Register(ctx, "parent", "", nil)
	_, _ = m.Register(ctx, "child1", "parent", nil)
	_, _ = m.Register(ctx, "child2", "parent", nil)
	_, _ = m.UpdateState(ctx, "parent", StateInitializing, nil, nil)
	_, _ = m.UpdateState(ctx, "parent", StateActive, nil, nil)

	// Neither child can legally reach COMPLETED from IDLE: the whole family
	// transition must be rejected, leaving the parent (whose own move to
	// DELEGATING is legal) and the children untouched.
	_, err := m.AtomicFamilyTransition(ctx, "parent", StateDelegating, StateCompleted)
	require.Error(t, err)

	child1, _ := m.GetState("child1")
	assert.Equal(t, StateIdle, child1.State)
	parent, _ := m.GetState("parent")
	assert.Equal(t, StateActive, parent.State)
}

func TestAtomicFamilyTransitionAppliesToAll(t *testing.T) {
	m := New()
	ctx := context.Background()
	_, _ = m.Register(ctx, "parent", "", nil)
	_, _ = m.Register(ctx, "child1", "parent", nil)
	_, _ = m.UpdateState(ctx, "parent", StateInitializing, nil, nil)
	_, _ = m.UpdateState(ctx, "parent", StateActive, nil, nil)

	results, err := m.AtomicFamilyTransition(ctx, "parent", StateWaiting, StateInitializing)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	child1, _ := m.GetState("child1")
	assert.Equal(t, StateInitializing, child1.State)
}

func TestGetAggregateStateCountsDescendants(t *testing.T) {
	m := New()
	ctx := context.Background()
	_, _ = m.Register(ctx, "parent", "", nil)
	_, _ = m.Register(ctx, "child1", "parent", nil)
	_, _ = m.Register(ctx, "child2", "parent", nil)

	agg, ok := m.GetAggregateState("parent")
	require.True(t, ok)
	assert.Equal(t, 2, agg.DescendantCount)
	assert.Equal(t, 3, agg.StateCounts[StateIdle])
}

func TestGetEventLogFiltersByAgent(t *testing.T) {
	m := New()
	ctx := context.Background()
	_, _ = m.Register(ctx, "a1", "", nil)
	_, _ = m.Register(ctx, "a2", "", nil)
	_, _ = m.UpdateState(ctx, "a1", StateInitializing, nil, nil)

	log := m.GetEventLog("a1")
	assert.Len(t, log, 2) // registered + state-change

	all := m.GetAllEvents(time.Time{}, "state-change")
	assert.Len(t, all, 1)
}
