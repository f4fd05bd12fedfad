// Package contextretriever serves prior orchestration context for a new
// task via a two-layer progressive retrieval against an external vector
// store, under a token budget, with an LRU/TTL cache in front.
package contextretriever

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// VectorStore is the external search collaborator.
type VectorStore interface {
	SearchSimilar(ctx context.Context, query string, limit int, pattern string) ([]Candidate, error)
	GetOrchestration(ctx context.Context, id string) (Orchestration, error)
}

// Candidate is a Layer 1 search hit.
type Candidate struct {
	ID         string
	Task       string
	Pattern    string
	Relevance  float64
	Success    bool
	AgentIDs   []string
	TokenCount int
}

// Orchestration is a full Layer 2 record.
type Orchestration struct {
	ID            string
	Pattern       string
	Success       bool
	Timestamp     time.Time
	AgentIDs      []string
	Task          string
	Observations  []string
	ResultSummary string
	Metadata      map[string]any
	TokenCount    int
}

// Options tunes a single Retrieve call.
type Options struct {
	MaxTokens     int
	Progressive   bool
	BufferPercent float64
	Layer1Limit   int
}

// DefaultOptions is a reasonable baseline.
var DefaultOptions = Options{MaxTokens: 8000, Progressive: true, BufferPercent: 0.1, Layer1Limit: 10}

// Layer1Result is Layer 1's output, summaries only.
type Layer1Result struct {
	Orchestrations []Candidate
	TotalFound     int
	Error          string
}

// Layer2Entry is one Layer 2 entry, possibly truncated.
type Layer2Entry struct {
	Orchestration Orchestration
	Truncated     bool
}

// Result is the full output of Retrieve.
type Result struct {
	Loaded        bool
	Progressive   bool
	Layer1        Layer1Result
	Layer2        []Layer2Entry
	TokenCount    int
	RetrievalTime time.Duration
}

// Metrics tracks cumulative retrieval activity.
type Metrics struct {
	Retrievals        int
	CacheHits         int
	CacheMisses       int
	Layer1Loads       int
	Layer2Loads       int
	TotalTokensServed int
	Truncations       int
	TotalRetrievalTime time.Duration
}

// CacheHitRate returns the hit fraction, or 0 with no retrievals yet.
func (m Metrics) CacheHitRate() float64 {
	if m.Retrievals == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(m.Retrievals)
}

// AvgRetrievalTime returns the mean retrieval latency.
func (m Metrics) AvgRetrievalTime() time.Duration {
	if m.Retrievals == 0 {
		return 0
	}
	return m.TotalRetrievalTime / time.Duration(m.Retrievals)
}

// Retriever serves Retrieve calls through an LRU/TTL cache in front of a
// VectorStore. The TTL eviction itself is go-cache's; the LRU bound on
// top (go-cache has no entry-count cap) is a small order list this type
// maintains alongside it.
type Retriever struct {
	mu        sync.Mutex
	store     VectorStore
	cacheSize int
	cacheTTL  time.Duration
	cache     *gocache.Cache
	order     []string          // least-recently-used first
	patterns  map[string]string // key -> pattern, for ClearCache(pattern)
	metrics   Metrics
}

// New constructs a Retriever backed by store.
func New(store VectorStore, cacheSize int, cacheTTL time.Duration) *Retriever {
	return &Retriever{
		store: store, cacheSize: cacheSize, cacheTTL: cacheTTL,
		cache: gocache.New(cacheTTL, 2*cacheTTL), patterns: make(map[string]string),
	}
}

func cacheKey(task, pattern string, agentIDs []string) string {
	sorted := append([]string{}, agentIDs...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(task))
	h.Write([]byte{0})
	h.Write([]byte(pattern))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// Retrieve serves prior context for task, using agentIDs and pattern to
// scope the search.
func (r *Retriever) Retrieve(ctx context.Context, task string, agentIDs []string, pattern string, opts Options) Result {
	start := time.Now()
	if opts.MaxTokens == 0 {
		opts = DefaultOptions
	}
	key := cacheKey(task, pattern, agentIDs)

	r.mu.Lock()
	r.metrics.Retrievals++
	if cached, ok := r.cache.Get(key); ok {
		r.touchLocked(key)
		r.metrics.CacheHits++
		r.mu.Unlock()
		return cached.(Result)
	}
	r.metrics.CacheMisses++
	r.mu.Unlock()

	result := r.retrieveUncached(ctx, task, agentIDs, pattern, opts)
	result.RetrievalTime = time.Since(start)

	r.mu.Lock()
	r.metrics.TotalRetrievalTime += result.RetrievalTime
	r.metrics.TotalTokensServed += result.TokenCount
	r.storeLocked(key, pattern, result)
	r.mu.Unlock()

	return result
}

func (r *Retriever) storeLocked(key, pattern string, result Result) {
	if r.cacheSize > 0 && len(r.order) >= r.cacheSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		r.cache.Delete(oldest)
		delete(r.patterns, oldest)
	}
	r.cache.Set(key, result, r.cacheTTL)
	r.patterns[key] = pattern
	r.order = append(r.order, key)
}

// touchLocked moves key to the most-recently-used end of the order list.
func (r *Retriever) touchLocked(key string) {
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.order = append(r.order, key)
}

func (r *Retriever) retrieveUncached(ctx context.Context, task string, agentIDs []string, pattern string, opts Options) Result {
	effectiveBudget := float64(opts.MaxTokens) * (1 - opts.BufferPercent)

	layer1 := r.loadLayer1(ctx, task, pattern, opts.Layer1Limit)
	r.mu.Lock()
	r.metrics.Layer1Loads++
	r.mu.Unlock()

	usedTokens := layer1TokenCount(layer1)
	remaining := effectiveBudget - float64(usedTokens)

	var layer2 []Layer2Entry
	if remaining > 0 && layer1.Error == "" {
		layer2, usedTokens = r.loadLayer2(ctx, layer1.Orchestrations, remaining, usedTokens)
	}

	return Result{
		Loaded: true, Progressive: opts.Progressive, Layer1: layer1, Layer2: layer2,
		TokenCount: usedTokens,
	}
}

func (r *Retriever) loadLayer1(ctx context.Context, task, pattern string, limit int) Layer1Result {
	if limit <= 0 {
		limit = DefaultOptions.Layer1Limit
	}
	candidates, err := r.store.SearchSimilar(ctx, task, limit, pattern)
	if err != nil {
		return Layer1Result{Error: err.Error()}
	}
	normalized := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		normalized = append(normalized, Candidate{
			ID: c.ID, Pattern: c.Pattern, Task: truncate(c.Task, 100), Relevance: c.Relevance,
			Success: c.Success, AgentIDs: c.AgentIDs, TokenCount: estimateTokens(c.Task),
		})
	}
	return Layer1Result{Orchestrations: normalized, TotalFound: len(normalized)}
}

func (r *Retriever) loadLayer2(ctx context.Context, candidates []Candidate, budget float64, usedTokens int) ([]Layer2Entry, int) {
	var out []Layer2Entry
	for _, c := range candidates {
		if budget <= 0 {
			break
		}
		orch, err := r.store.GetOrchestration(ctx, c.ID)
		if err != nil {
			continue
		}
		full := estimateOrchestrationTokens(orch)
		if float64(full) <= budget {
			out = append(out, Layer2Entry{Orchestration: orch})
			budget -= float64(full)
			usedTokens += full
			r.mu.Lock()
			r.metrics.Layer2Loads++
			r.mu.Unlock()
			continue
		}

		core := estimateCoreTokens(orch)
		if float64(core) > budget {
			r.mu.Lock()
			r.metrics.Truncations++
			r.mu.Unlock()
			continue
		}

		truncated := Orchestration{ID: orch.ID, Pattern: orch.Pattern, Success: orch.Success, Timestamp: orch.Timestamp, AgentIDs: orch.AgentIDs, Task: orch.Task}
		used := core
		if float64(used+estimateStringTokens(strings.Join(orch.Observations, " "))) <= budget {
			truncated.Observations = orch.Observations
			used += estimateStringTokens(strings.Join(orch.Observations, " "))
		}
		if float64(used+estimateStringTokens(orch.ResultSummary)) <= budget {
			truncated.ResultSummary = orch.ResultSummary
			used += estimateStringTokens(orch.ResultSummary)
		}
		if float64(used+estimateMetadataTokens(orch.Metadata)) <= budget {
			truncated.Metadata = orch.Metadata
			used += estimateMetadataTokens(orch.Metadata)
		}
		out = append(out, Layer2Entry{Orchestration: truncated, Truncated: true})
		budget -= float64(used)
		usedTokens += used
		r.mu.Lock()
		r.metrics.Layer2Loads++
		r.metrics.Truncations++
		r.mu.Unlock()
	}
	return out, usedTokens
}

// ClearCache wipes the entire cache, or only entries matching pattern when
// pattern is non-empty.
func (r *Retriever) ClearCache(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pattern == "" {
		r.cache.Flush()
		r.patterns = make(map[string]string)
		r.order = nil
		return
	}
	var kept []string
	for _, k := range r.order {
		if r.patterns[k] == pattern {
			r.cache.Delete(k)
			delete(r.patterns, k)
			continue
		}
		kept = append(kept, k)
	}
	r.order = kept
}

// GetMetrics returns a copy of the cumulative retrieval metrics.
func (r *Retriever) GetMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func estimateTokens(s string) int { return estimateStringTokens(s) + 20 }

func estimateStringTokens(s string) int { return len(s) / 4 }

func estimateCoreTokens(o Orchestration) int {
	return estimateStringTokens(o.Task) + estimateStringTokens(o.ID) + estimateStringTokens(o.Pattern) + 10
}

func estimateMetadataTokens(m map[string]any) int {
	total := 0
	for k, v := range m {
		total += estimateStringTokens(k)
		if s, ok := v.(string); ok {
			total += estimateStringTokens(s)
		} else {
			total += 4
		}
	}
	return total
}

func estimateOrchestrationTokens(o Orchestration) int {
	return estimateCoreTokens(o) + estimateStringTokens(strings.Join(o.Observations, " ")) + estimateStringTokens(o.ResultSummary) + estimateMetadataTokens(o.Metadata)
}

func layer1TokenCount(l Layer1Result) int {
	total := 0
	for _, c := range l.Orchestrations {
		total += c.TokenCount
	}
	return total
}
