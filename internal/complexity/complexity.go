// Package complexity scores tasks on a 0-100 scale from a weighted blend of
// dependency depth, acceptance-criteria count, effort estimate, technical
// keyword density, and optional historical success, then recommends an
// execution strategy from the score.
package complexity

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/coordctl/internal/eventbus"
)

// Strategy is the recommended execution approach for a scored task.
type Strategy string

// The three supported strategies.
const (
	StrategyFastPath    Strategy = "fast-path"
	StrategyStandard    Strategy = "standard"
	StrategyCompetitive Strategy = "competitive"
)

// Weights configures each factor's contribution; must sum to 1.
type Weights struct {
	DependencyDepth     float64
	AcceptanceCriteria  float64
	EffortEstimate      float64
	TechnicalKeywords   float64
	HistoricalSuccess   float64
}

// DefaultWeights sums to 1.
var DefaultWeights = Weights{
	DependencyDepth:    0.25,
	AcceptanceCriteria: 0.2,
	EffortEstimate:     0.2,
	TechnicalKeywords:  0.25,
	HistoricalSuccess:  0.1,
}

// Thresholds select a Strategy from the final score.
type Thresholds struct {
	FastPath float64
	Standard float64
}

// DefaultThresholds: below FastPath is fast-path, below Standard is
// standard, otherwise competitive.
var DefaultThresholds = Thresholds{FastPath: 30, Standard: 65}

var securityLexicon = []string{"auth", "security", "encrypt", "token", "vulnerability", "credential", "permission", "secret"}
var architectureLexicon = []string{"architecture", "design", "refactor", "migrate", "schema", "interface", "api contract"}
var performanceLexicon = []string{"performance", "latency", "throughput", "optimi", "cache", "concurrency", "scale"}

var effortPattern = regexp.MustCompile(`(?i)(\d+)\s*(m|min|h|hr|hour|d|day)s?`)

// Task is the subset of task fields the analyzer needs.
type Task struct {
	ID                 string
	Title              string
	Description        string
	Requires           []string
	Blocks             []string
	AncestorChainLen   int
	AcceptanceCriteria []string
	EffortEstimate     string
}

// HistoryStore is an optional historical-success lookup collaborator.
type HistoryStore interface {
	GetTaskPatternSuccess(ctx context.Context, signature string) (successRate float64, sampleSize int, ok bool)
}

// Breakdown reports each factor's contribution to the final score.
type Breakdown struct {
	DependencyDepth    float64
	AcceptanceCriteria float64
	EffortEstimate     float64
	TechnicalKeywords  float64
	HistoricalSuccess  float64
}

// Result is the output of Analyze.
type Result struct {
	TaskID     string
	Score      float64
	Breakdown  Breakdown
	Strategy   Strategy
	AnalyzedAt time.Time
}

// Analyzed is published on every non-cached Analyze call.
type Analyzed struct{ Result Result }

// Analyzer scores tasks and caches results per task id.
type Analyzer struct {
	mu         sync.Mutex
	weights    Weights
	thresholds Thresholds
	history    HistoryStore
	bus        *eventbus.Bus
	cache      map[string]Result
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) Option { return func(a *Analyzer) { a.weights = w } }

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option { return func(a *Analyzer) { a.thresholds = t } }

// WithHistoryStore attaches an optional historical-success collaborator.
func WithHistoryStore(h HistoryStore) Option { return func(a *Analyzer) { a.history = h } }

// New constructs an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{weights: DefaultWeights, thresholds: DefaultThresholds, cache: make(map[string]Result), bus: eventbus.New()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Events returns the bus complexity:analyzed is published on.
func (a *Analyzer) Events() *eventbus.Bus { return a.bus }

// Analyze scores task, returning a cached result unless useCache is false.
func (a *Analyzer) Analyze(ctx context.Context, task Task, useCache bool) Result {
	a.mu.Lock()
	if useCache {
		if cached, ok := a.cache[task.ID]; ok {
			a.mu.Unlock()
			return cached
		}
	}
	a.mu.Unlock()

	breakdown := Breakdown{
		DependencyDepth:    scoreDependencyDepth(task),
		AcceptanceCriteria: scoreAcceptanceCriteria(task),
		EffortEstimate:     scoreEffortEstimate(task),
		TechnicalKeywords:  scoreTechnicalKeywords(task),
	}
	if a.history != nil {
		if rate, sample, ok := a.history.GetTaskPatternSuccess(ctx, task.Title); ok && sample >= 5 {
			breakdown.HistoricalSuccess = (1 - rate) * 100
		}
	}

	score := breakdown.DependencyDepth*a.weights.DependencyDepth +
		breakdown.AcceptanceCriteria*a.weights.AcceptanceCriteria +
		breakdown.EffortEstimate*a.weights.EffortEstimate +
		breakdown.TechnicalKeywords*a.weights.TechnicalKeywords +
		breakdown.HistoricalSuccess*a.weights.HistoricalSuccess

	result := Result{TaskID: task.ID, Score: score, Breakdown: breakdown, Strategy: a.classify(score), AnalyzedAt: time.Now()}

	a.mu.Lock()
	a.cache[task.ID] = result
	a.mu.Unlock()

	_ = a.bus.Publish(ctx, eventbus.Event{Type: "complexity:analyzed", Payload: Analyzed{Result: result}})
	return result
}

func (a *Analyzer) classify(score float64) Strategy {
	switch {
	case score < a.thresholds.FastPath:
		return StrategyFastPath
	case score < a.thresholds.Standard:
		return StrategyStandard
	default:
		return StrategyCompetitive
	}
}

// AnalyzeBatch scores every task in tasks.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, tasks []Task, useCache bool) []Result {
	out := make([]Result, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, a.Analyze(ctx, t, useCache))
	}
	return out
}

func scoreDependencyDepth(task Task) float64 {
	n := len(task.Requires) + len(task.Blocks)
	if n == 0 && task.AncestorChainLen == 0 {
		return 0
	}
	score := float64(n)*12 + float64(task.AncestorChainLen)*8
	if score > 100 {
		score = 100
	}
	return score
}

func scoreAcceptanceCriteria(task Task) float64 {
	n := len(task.AcceptanceCriteria)
	if n == 0 {
		return 10
	}
	score := 10 + float64(n)*15
	if score > 100 {
		score = 100
	}
	return score
}

func scoreEffortEstimate(task Task) float64 {
	if task.EffortEstimate == "" {
		return 50
	}
	m := effortPattern.FindStringSubmatch(task.EffortEstimate)
	if m == nil {
		return 50
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 50
	}
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "d"):
		score := 65.0 + float64(n)*5
		if score > 100 {
			score = 100
		}
		return score
	case strings.HasPrefix(unit, "h"):
		score := 20.0 + float64(n)*5
		if score > 65 {
			score = 65
		}
		return score
	default: // minutes
		score := float64(n) / 2
		if score > 25 {
			score = 25
		}
		return score
	}
}

func scoreTechnicalKeywords(task Task) float64 {
	text := strings.ToLower(task.Title + " " + task.Description)
	var hits int
	for _, lex := range [][]string{securityLexicon, architectureLexicon, performanceLexicon} {
		for _, kw := range lex {
			if strings.Contains(text, kw) {
				hits++
			}
		}
	}
	score := float64(hits) * 12
	if score > 100 {
		score = 100
	}
	return score
}
