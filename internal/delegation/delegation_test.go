package delegation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigTask(id string) *Task {
	return &Task{
		ID: id, Title: "redesign the auth architecture",
		Description:        "1. migrate the schema\n2. refactor the API contract\n3. review the result",
		AcceptanceCriteria: []string{"a", "b"},
	}
}

func TestEvaluateNilTaskErrors(t *testing.T) {
	d := New(nil, DefaultConfig)
	_, err := d.Evaluate(context.Background(), nil, Agent{}, false)
	assert.Error(t, err)
}

func TestEvaluateHardGateDepthExhausted(t *testing.T) {
	d := New(nil, DefaultConfig)
	dec, err := d.Evaluate(context.Background(), bigTask("t1"), Agent{HierarchyDepth: DefaultConfig.MaxDepth}, false)
	require.NoError(t, err)
	assert.False(t, dec.ShouldDelegate)
	assert.Equal(t, PatternDirect, dec.SuggestedPattern)
}

func TestEvaluateHardGateTooFewSubtasks(t *testing.T) {
	d := New(nil, DefaultConfig)
	task := &Task{ID: "t1", Title: "fix typo"}
	dec, err := d.Evaluate(context.Background(), task, Agent{}, false)
	require.NoError(t, err)
	assert.False(t, dec.ShouldDelegate)
}

func TestEvaluateHardGateAlreadyHasChildren(t *testing.T) {
	d := New(nil, DefaultConfig)
	task := bigTask("t1")
	task.ChildTaskIDs = []string{"c1"}
	dec, err := d.Evaluate(context.Background(), task, Agent{}, false)
	require.NoError(t, err)
	assert.False(t, dec.ShouldDelegate)
}

func TestEvaluateCachesByTaskID(t *testing.T) {
	d := New(nil, DefaultConfig)
	ctx := context.Background()
	first, _ := d.Evaluate(ctx, bigTask("t1"), Agent{}, false)
	second, _ := d.Evaluate(ctx, &Task{ID: "t1", Title: "fix typo"}, Agent{}, false)
	assert.Equal(t, first, second)
}

func TestEvaluateSkipCacheRecomputes(t *testing.T) {
	d := New(nil, DefaultConfig)
	ctx := context.Background()
	first, _ := d.Evaluate(ctx, bigTask("t1"), Agent{}, false)
	second, _ := d.Evaluate(ctx, bigTask("t1"), Agent{Confidence: floatPtr(0.95)}, true)
	assert.NotEqual(t, first.Score, second.Score)
}

func TestEvaluateBatch(t *testing.T) {
	d := New(nil, DefaultConfig)
	decisions, err := d.EvaluateBatch(context.Background(), []*Task{bigTask("t1"), bigTask("t2")}, Agent{})
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
}

func TestMetricsTrackDecisions(t *testing.T) {
	d := New(nil, DefaultConfig)
	ctx := context.Background()
	_, _ = d.Evaluate(ctx, bigTask("t1"), Agent{Confidence: floatPtr(0.9)}, false)
	_, _ = d.Evaluate(ctx, &Task{ID: "t2", Title: "fix typo"}, Agent{}, false)

	m := d.GetMetrics()
	assert.Equal(t, 2, m.DecisionsCount)
}

func TestUpdateConfigClearsCache(t *testing.T) {
	d := New(nil, DefaultConfig)
	ctx := context.Background()
	first, _ := d.Evaluate(ctx, bigTask("t1"), Agent{}, false)

	d.UpdateConfig(Config{MinDelegationScore: 0.01})
	second, _ := d.Evaluate(ctx, bigTask("t1"), Agent{}, false)
	assert.True(t, second.ShouldDelegate)
	_ = first
}

func floatPtr(f float64) *float64 { return &f }
