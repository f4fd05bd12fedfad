package complexity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeMinimalTaskIsLowScore(t *testing.T) {
	a := New()
	result := a.Analyze(context.Background(), Task{ID: "t1", Title: "fix typo"}, true)
	assert.Less(t, result.Score, DefaultThresholds.FastPath)
	assert.Equal(t, StrategyFastPath, result.Strategy)
}

func TestAnalyzeComplexTaskIsCompetitive(t *testing.T) {
	a := New()
	task := Task{
		ID: "t2", Title: "redesign auth architecture for security and performance",
		Description:        "migrate the credential schema, refactor the API contract, optimize the cache",
		Requires:            []string{"t0", "t-1"},
		AncestorChainLen:    3,
		AcceptanceCriteria:  []string{"a", "b", "c", "d"},
		EffortEstimate:      "3d",
	}
	result := a.Analyze(context.Background(), task, true)
	assert.GreaterOrEqual(t, result.Score, DefaultThresholds.Standard)
	assert.Equal(t, StrategyCompetitive, result.Strategy)
}

func TestAnalyzeCachesByTaskID(t *testing.T) {
	a := New()
	ctx := context.Background()
	first := a.Analyze(ctx, Task{ID: "t1", Title: "a"}, true)
	second := a.Analyze(ctx, Task{ID: "t1", Title: "totally different now"}, true)
	assert.Equal(t, first, second)
}

func TestAnalyzeUseCacheFalseForcesRecompute(t *testing.T) {
	a := New()
	ctx := context.Background()
	first := a.Analyze(ctx, Task{ID: "t1", Title: "a"}, true)
	second := a.Analyze(ctx, Task{ID: "t1", Title: "security audit credential vulnerability"}, false)
	assert.NotEqual(t, first.Score, second.Score)
}

func TestAnalyzeBatch(t *testing.T) {
	a := New()
	results := a.AnalyzeBatch(context.Background(), []Task{{ID: "t1"}, {ID: "t2"}}, true)
	require.Len(t, results, 2)
}

func TestEffortEstimateDayScaleScoresHigh(t *testing.T) {
	score := scoreEffortEstimate(Task{EffortEstimate: "1d"})
	assert.GreaterOrEqual(t, score, 65.0)
}

func TestEffortEstimateMinutesScoresLow(t *testing.T) {
	score := scoreEffortEstimate(Task{EffortEstimate: "15m"})
	assert.Less(t, score, 20.0)
}

func TestEffortEstimateMissingIsNeutral(t *testing.T) {
	assert.Equal(t, 50.0, scoreEffortEstimate(Task{}))
}

type stubHistory struct {
	rate   float64
	sample int
}

func (s stubHistory) GetTaskPatternSuccess(context.Context, string) (float64, int, bool) {
	return s.rate, s.sample, true
}

func TestHistoricalSuccessLiftsScoreWhenLowAndSufficientSample(t *testing.T) {
	a := New(WithHistoryStore(stubHistory{rate: 0.2, sample: 10}))
	withHistory := a.Analyze(context.Background(), Task{ID: "t1", Title: "a"}, false)

	b := New()
	withoutHistory := b.Analyze(context.Background(), Task{ID: "t1", Title: "a"}, false)

	assert.Greater(t, withHistory.Score, withoutHistory.Score)
}
