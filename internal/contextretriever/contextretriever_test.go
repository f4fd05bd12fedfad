package contextretriever

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	candidates []Candidate
	full       map[string]Orchestration
	searchErr  error
	calls      int
}

func (s *stubStore) SearchSimilar(ctx context.Context, query string, limit int, pattern string) ([]Candidate, error) {
	s.calls++
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.candidates, nil
}

func (s *stubStore) GetOrchestration(ctx context.Context, id string) (Orchestration, error) {
	o, ok := s.full[id]
	if !ok {
		return Orchestration{}, errors.New("not found")
	}
	return o, nil
}

func TestRetrieveLoadsBothLayersWithinBudget(t *testing.T) {
	store := &stubStore{
		candidates: []Candidate{{ID: "o1", Task: "build auth", Relevance: 0.9}},
		full: map[string]Orchestration{
			"o1": {ID: "o1", Task: "build auth", ResultSummary: "shipped", Observations: []string{"done"}},
		},
	}
	r := New(store, 10, time.Minute)

	result := r.Retrieve(context.Background(), "build auth", []string{"agent-2", "agent-1"}, "pipeline", DefaultOptions)
	require.True(t, result.Loaded)
	require.Len(t, result.Layer1.Orchestrations, 1)
	require.Len(t, result.Layer2, 1)
	assert.False(t, result.Layer2[0].Truncated)
	assert.Equal(t, 1, store.calls)
}

func TestRetrieveCachesSecondCallWithSortedAgentIDs(t *testing.T) {
	store := &stubStore{
		candidates: []Candidate{{ID: "o1", Task: "x"}},
		full:       map[string]Orchestration{"o1": {ID: "o1", Task: "x"}},
	}
	r := New(store, 10, time.Minute)

	r.Retrieve(context.Background(), "task", []string{"a", "b"}, "p", DefaultOptions)
	r.Retrieve(context.Background(), "task", []string{"b", "a"}, "p", DefaultOptions)

	assert.Equal(t, 1, store.calls)
	m := r.GetMetrics()
	assert.Equal(t, 2, m.Retrievals)
	assert.Equal(t, 1, m.CacheHits)
	assert.Equal(t, 1, m.CacheMisses)
}

func TestRetrieveExpiresCacheAfterTTL(t *testing.T) {
	store := &stubStore{candidates: []Candidate{{ID: "o1", Task: "x"}}, full: map[string]Orchestration{"o1": {ID: "o1", Task: "x"}}}
	r := New(store, 10, time.Millisecond)

	r.Retrieve(context.Background(), "task", nil, "p", DefaultOptions)
	time.Sleep(5 * time.Millisecond)
	r.Retrieve(context.Background(), "task", nil, "p", DefaultOptions)

	assert.Equal(t, 2, store.calls)
}

func TestRetrieveEvictsOldestWhenCacheFull(t *testing.T) {
	store := &stubStore{candidates: nil, full: map[string]Orchestration{}}
	r := New(store, 1, time.Minute)

	r.Retrieve(context.Background(), "task-a", nil, "p", DefaultOptions)
	r.Retrieve(context.Background(), "task-b", nil, "p", DefaultOptions)
	r.mu.Lock()
	size := len(r.order)
	r.mu.Unlock()
	assert.Equal(t, 1, size)
}

func TestRetrieveTruncatesWhenOverBudget(t *testing.T) {
	longSummary := strings.Repeat("x", 4000)
	store := &stubStore{
		candidates: []Candidate{{ID: "o1", Task: "task one"}},
		full: map[string]Orchestration{
			"o1": {ID: "o1", Task: "task one", ResultSummary: longSummary, Observations: []string{longSummary}},
		},
	}
	r := New(store, 10, time.Minute)

	result := r.Retrieve(context.Background(), "task one", nil, "p", Options{MaxTokens: 50, BufferPercent: 0.1, Layer1Limit: 5})
	require.Len(t, result.Layer2, 1)
	assert.True(t, result.Layer2[0].Truncated)
	assert.Empty(t, result.Layer2[0].Orchestration.ResultSummary)
	m := r.GetMetrics()
	assert.Equal(t, 1, m.Truncations)
}

func TestRetrieveSkipsCandidateWhenCoreExceedsBudget(t *testing.T) {
	store := &stubStore{
		candidates: []Candidate{{ID: "o1", Task: strings.Repeat("y", 2000)}},
		full:       map[string]Orchestration{"o1": {ID: "o1", Task: strings.Repeat("y", 2000)}},
	}
	r := New(store, 10, time.Minute)

	result := r.Retrieve(context.Background(), "task", nil, "p", Options{MaxTokens: 5, BufferPercent: 0, Layer1Limit: 5})
	assert.Empty(t, result.Layer2)
}

func TestRetrieveHandlesSearchError(t *testing.T) {
	store := &stubStore{searchErr: errors.New("store down")}
	r := New(store, 10, time.Minute)

	result := r.Retrieve(context.Background(), "task", nil, "p", DefaultOptions)
	assert.False(t, result.Layer1.Error == "")
	assert.Empty(t, result.Layer2)
}

func TestClearCacheByPatternOnlyRemovesMatching(t *testing.T) {
	store := &stubStore{}
	r := New(store, 10, time.Minute)
	r.Retrieve(context.Background(), "a", nil, "pattern-a", DefaultOptions)
	r.Retrieve(context.Background(), "b", nil, "pattern-b", DefaultOptions)

	r.ClearCache("pattern-a")
	r.mu.Lock()
	size := len(r.order)
	r.mu.Unlock()
	assert.Equal(t, 1, size)

	r.ClearCache("")
	r.mu.Lock()
	size = len(r.order)
	r.mu.Unlock()
	assert.Equal(t, 0, size)
}

func TestMetricsCacheHitRateAndAvgRetrievalTime(t *testing.T) {
	store := &stubStore{}
	r := New(store, 10, time.Minute)
	r.Retrieve(context.Background(), "a", nil, "p", DefaultOptions)
	r.Retrieve(context.Background(), "a", nil, "p", DefaultOptions)

	m := r.GetMetrics()
	assert.InDelta(t, 0.5, m.CacheHitRate(), 0.001)
	assert.GreaterOrEqual(t, m.AvgRetrievalTime(), time.Duration(0))
}

func TestCacheKeyOrderIndependent(t *testing.T) {
	k1 := cacheKey("t", "p", []string{"a", "b"})
	k2 := cacheKey("t", "p", []string{"b", "a"})
	assert.Equal(t, k1, k2)
}
