// Package delegation decides whether a task should be delegated to a child
// agent and, when so, which collaboration pattern fits it best.
package delegation

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"goa.design/coordctl/internal/complexity"
)

// Pattern names a collaboration strategy for a delegated task.
type Pattern string

// The set of supported patterns.
const (
	PatternParallel   Pattern = "parallel"
	PatternSequential Pattern = "sequential"
	PatternDebate     Pattern = "debate"
	PatternReview     Pattern = "review"
	PatternEnsemble   Pattern = "ensemble"
	PatternDirect     Pattern = "direct"
)

// Weights configures each factor's contribution to the delegation score.
type Weights struct {
	Complexity          float64
	SubtaskCount        float64
	AgentConfidence     float64
	AgentLoad           float64
	ContextUtilization  float64
	DepthRemaining      float64
}

// DefaultWeights' magnitudes sum to 1; AgentLoad and ContextUtilization
// carry negative weights, so the signed weights sum to 0.6.
var DefaultWeights = Weights{
	Complexity:         0.3,
	SubtaskCount:       0.2,
	AgentConfidence:    0.2,
	AgentLoad:          -0.1,
	ContextUtilization: -0.1,
	DepthRemaining:     0.1,
}

// Config tunes the decider.
type Config struct {
	Weights           Weights
	MinDelegationScore float64
	MaxDepth          int
}

// DefaultConfig is a reasonable starting configuration.
var DefaultConfig = Config{Weights: DefaultWeights, MinDelegationScore: 0.55, MaxDepth: 5}

var (
	listItemPattern = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+\S`)

	parallelIndicators   = []string{"in parallel", "simultaneously", "at the same time", "concurrently"}
	sequentialIndicators = []string{"then", "after that", "step by step", "followed by"}
	debateIndicators     = []string{"debate", "conflicting", "disagree", "trade-off"}
	reviewIndicators     = []string{"review", "audit", "critique", "double-check"}
)

// Task is the subset of task fields the decider needs.
type Task struct {
	ID                 string
	Title              string
	Description        string
	Phase              string
	AcceptanceCriteria []string
	ChildTaskIDs       []string
	ContextUsed        float64
}

// Agent is the subset of agent fields the decider needs.
type Agent struct {
	Confidence       *float64
	Capabilities     []string
	RequiredCapabilities []string
	PrimaryPhase     string
	QueueDepth       int
	MaxQueueDepth    int
	ChildAgentIDs    []string
	MaxChildren      int
	HierarchyDepth   int
}

// Factors is the per-factor breakdown behind a Decision's score.
type Factors struct {
	Complexity         float64
	SubtaskCount       float64
	AgentConfidence    float64
	AgentLoad          float64
	ContextUtilization float64
	DepthRemaining     float64
}

// Decision is the output of Evaluate.
type Decision struct {
	ShouldDelegate   bool
	Confidence       float64
	Score            float64
	Factors          Factors
	SuggestedPattern Pattern
	Reasoning        string
	Hints            []string
	TaskID           string
}

// Metrics tracks cumulative decision counts.
type Metrics struct {
	DecisionsCount              int
	DelegationsRecommended      int
	DirectExecutionsRecommended int
	PatternDistribution         map[Pattern]int
}

// Decider evaluates delegation decisions, caching by task id.
type Decider struct {
	mu         sync.Mutex
	cfg        Config
	analyzer   *complexity.Analyzer
	cache      map[string]Decision
	metrics    Metrics
}

// New constructs a Decider backed by analyzer for complexity scoring.
func New(analyzer *complexity.Analyzer, cfg Config) *Decider {
	if analyzer == nil {
		analyzer = complexity.New()
	}
	return &Decider{cfg: cfg, analyzer: analyzer, cache: make(map[string]Decision), metrics: Metrics{PatternDistribution: map[Pattern]int{}}}
}

// Evaluate returns a delegation Decision for (task, agent).
func (d *Decider) Evaluate(ctx context.Context, task *Task, agent Agent, skipCache bool) (Decision, error) {
	if task == nil {
		return Decision{}, errors.New("delegation: task is required")
	}

	d.mu.Lock()
	if !skipCache {
		if cached, ok := d.cache[task.ID]; ok {
			d.mu.Unlock()
			return cached, nil
		}
	}
	cfg := d.cfg
	d.mu.Unlock()

	subtaskCount := subtaskCountOf(*task)
	depthRemaining := cfg.MaxDepth - agent.HierarchyDepth

	// Hard gates: forced shouldDelegate=false regardless of score.
	if depthRemaining <= 0 || subtaskCount < 2 || len(task.ChildTaskIDs) > 0 {
		decision := Decision{
			ShouldDelegate: false, SuggestedPattern: PatternDirect, TaskID: task.ID,
			Reasoning: "hard gate: " + gateReason(depthRemaining, subtaskCount, task),
			Factors:   Factors{SubtaskCount: float64(subtaskCount), DepthRemaining: float64(depthRemaining)},
		}
		d.recordAndCache(task.ID, decision)
		return decision, nil
	}

	complexityScore := d.analyzer.Analyze(ctx, complexity.Task{ID: task.ID, Title: task.Title, Description: task.Description, AcceptanceCriteria: task.AcceptanceCriteria}, true).Score

	factors := Factors{
		Complexity:         complexityScore,
		SubtaskCount:       capFloat(float64(subtaskCount)*10, 100),
		AgentConfidence:    agentConfidence(task, agent) * 100,
		AgentLoad:          agentLoad(agent) * 100,
		ContextUtilization: task.ContextUsed * 100,
		DepthRemaining:     capFloat(float64(depthRemaining)*20, 100),
	}

	score := (factors.Complexity*cfg.Weights.Complexity +
		factors.SubtaskCount*cfg.Weights.SubtaskCount +
		factors.AgentConfidence*cfg.Weights.AgentConfidence +
		factors.AgentLoad*cfg.Weights.AgentLoad +
		factors.ContextUtilization*cfg.Weights.ContextUtilization +
		factors.DepthRemaining*cfg.Weights.DepthRemaining) / 100

	shouldDelegate := score >= cfg.MinDelegationScore
	pattern := PatternDirect
	if shouldDelegate {
		pattern = selectPattern(task.Title + " " + task.Description)
	}

	decision := Decision{
		ShouldDelegate: shouldDelegate, Confidence: score, Score: score, Factors: factors,
		SuggestedPattern: pattern, TaskID: task.ID, Reasoning: reasoningFor(shouldDelegate, score, cfg.MinDelegationScore),
		Hints: hintsFor(factors),
	}
	d.recordAndCache(task.ID, decision)
	return decision, nil
}

func gateReason(depthRemaining, subtaskCount int, task *Task) string {
	switch {
	case depthRemaining <= 0:
		return "max delegation depth reached"
	case len(task.ChildTaskIDs) > 0:
		return "task already has children"
	default:
		return "fewer than two identifiable subtasks"
	}
}

func (d *Decider) recordAndCache(taskID string, decision Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[taskID] = decision
	d.metrics.DecisionsCount++
	if decision.ShouldDelegate {
		d.metrics.DelegationsRecommended++
	} else {
		d.metrics.DirectExecutionsRecommended++
	}
	d.metrics.PatternDistribution[decision.SuggestedPattern]++
}

// EvaluateBatch fans Evaluate out across tasks.
func (d *Decider) EvaluateBatch(ctx context.Context, tasks []*Task, agent Agent) ([]Decision, error) {
	out := make([]Decision, 0, len(tasks))
	for _, t := range tasks {
		dec, err := d.Evaluate(ctx, t, agent, false)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

// GetMetrics returns a copy of the cumulative decision metrics.
func (d *Decider) GetMetrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	dist := make(map[Pattern]int, len(d.metrics.PatternDistribution))
	for k, v := range d.metrics.PatternDistribution {
		dist[k] = v
	}
	m := d.metrics
	m.PatternDistribution = dist
	return m
}

// UpdateConfig deep-merges partial into the current configuration (every
// non-zero field, including each individual weight, overrides the current
// value) and clears the decision cache.
func (d *Decider) UpdateConfig(partial Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if partial.MinDelegationScore != 0 {
		d.cfg.MinDelegationScore = partial.MinDelegationScore
	}
	if partial.MaxDepth != 0 {
		d.cfg.MaxDepth = partial.MaxDepth
	}
	merge := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	merge(&d.cfg.Weights.Complexity, partial.Weights.Complexity)
	merge(&d.cfg.Weights.SubtaskCount, partial.Weights.SubtaskCount)
	merge(&d.cfg.Weights.AgentConfidence, partial.Weights.AgentConfidence)
	merge(&d.cfg.Weights.AgentLoad, partial.Weights.AgentLoad)
	merge(&d.cfg.Weights.ContextUtilization, partial.Weights.ContextUtilization)
	merge(&d.cfg.Weights.DepthRemaining, partial.Weights.DepthRemaining)
	d.cache = make(map[string]Decision)
}

func subtaskCountOf(task Task) int {
	n := len(task.AcceptanceCriteria)
	n += len(listItemPattern.FindAllString(task.Description, -1))
	if n > 20 {
		n = 20
	}
	return n
}

func agentConfidence(task *Task, agent Agent) float64 {
	if agent.Confidence != nil {
		return *agent.Confidence
	}
	if len(agent.RequiredCapabilities) > 0 {
		have := map[string]bool{}
		for _, c := range agent.Capabilities {
			have[c] = true
		}
		matched := 0
		for _, c := range agent.RequiredCapabilities {
			if have[c] {
				matched++
			}
		}
		return float64(matched) / float64(len(agent.RequiredCapabilities))
	}
	if task.Phase != "" && agent.PrimaryPhase == task.Phase {
		return 0.8
	}
	return 0.5
}

func agentLoad(agent Agent) float64 {
	if agent.MaxQueueDepth > 0 {
		return float64(agent.QueueDepth) / float64(agent.MaxQueueDepth)
	}
	if agent.MaxChildren > 0 {
		return float64(len(agent.ChildAgentIDs)) / float64(agent.MaxChildren)
	}
	return 0
}

func selectPattern(text string) Pattern {
	text = strings.ToLower(text)
	switch {
	case containsAny(text, debateIndicators):
		return PatternDebate
	case containsAny(text, reviewIndicators):
		return PatternReview
	case containsAny(text, parallelIndicators):
		return PatternParallel
	case containsAny(text, sequentialIndicators):
		return PatternSequential
	default:
		return PatternEnsemble
	}
}

func containsAny(text string, indicators []string) bool {
	for _, kw := range indicators {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func reasoningFor(shouldDelegate bool, score, threshold float64) string {
	if shouldDelegate {
		return "weighted score above delegation threshold"
	}
	_ = score
	_ = threshold
	return "weighted score below delegation threshold"
}

func hintsFor(f Factors) []string {
	var hints []string
	if f.AgentLoad > 70 {
		hints = append(hints, "agent is near capacity")
	}
	if f.ContextUtilization > 70 {
		hints = append(hints, "agent context is nearly exhausted")
	}
	if f.Complexity > 80 {
		hints = append(hints, "task complexity is high")
	}
	return hints
}

func capFloat(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}
