// Package aiclient defines the narrow interface the (out-of-scope) AI
// categorizer needs from an LLM API client, and a rule-based fallback
// categorizer satisfying the same contract for when the AI path is
// unavailable or returns something unparseable. The client itself is a
// black box per spec.md's out-of-scope list: this package never imports
// an HTTP client, only the shape a host binary's SDK client must satisfy
// (e.g. github.com/anthropics/anthropic-sdk-go).
package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// Message is one turn in a chat-completion request.
type Message struct {
	Role    string
	Content string
}

// Request mirrors the shape spec.md names: messages.create({model,
// max_tokens, temperature, messages}).
type Request struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Messages    []Message
}

// ContentBlock is one block of a response, text-only here.
type ContentBlock struct {
	Text string
}

// Response mirrors {content: [{text}]}.
type Response struct {
	Content []ContentBlock
}

// Client is the narrow LLM API surface the categorizer needs.
type Client interface {
	CreateMessage(ctx context.Context, req Request) (Response, error)
}

// ErrorCategory names why a categorization fell back to rules.
type ErrorCategory string

const (
	// ErrorCategoryNone means the AI path succeeded.
	ErrorCategoryNone ErrorCategory = ""
	// ErrorCategoryCallFailed means the client call itself errored.
	ErrorCategoryCallFailed ErrorCategory = "call-failed"
	// ErrorCategoryParseFailed means the response wasn't valid JSON.
	ErrorCategoryParseFailed ErrorCategory = "parse-failed"
	// ErrorCategoryInvalidShape means the parsed JSON was missing fields.
	ErrorCategoryInvalidShape ErrorCategory = "invalid-shape"
)

// knownTypes is the allowed set of categorization types; anything else
// normalizes to "pattern-usage".
var knownTypes = map[string]bool{
	"pattern-usage":    true,
	"error-resolution": true,
	"insight":          true,
	"decision":         true,
}

// Categorization is the normalized six-field shape spec.md names.
type Categorization struct {
	Type           string   `json:"type"`
	Observation    string   `json:"observation"`
	Concepts       []string `json:"concepts"`
	Importance     int      `json:"importance"`
	AgentInsights  []string `json:"agentInsights"`
	Recommendations []string `json:"recommendations"`
}

// rawCategorization is the loosely-typed shape used to tolerate a
// non-array concepts field before coercion.
type rawCategorization struct {
	Type            string          `json:"type"`
	Observation     string          `json:"observation"`
	Concepts        json.RawMessage `json:"concepts"`
	Importance      int             `json:"importance"`
	AgentInsights   []string        `json:"agentInsights"`
	Recommendations []string        `json:"recommendations"`
}

// Metrics tracks categorization outcomes.
type Metrics struct {
	Attempts        int
	AIFallbacks     int
	RuleFallbacks   int
	CallFailures    int
	ParseFailures   int
	ShapeFailures   int
}

// Categorizer wraps a Client with retry, bounded concurrency, and a
// rule-based fallback for when the AI path can't produce a valid result.
type Categorizer struct {
	client          Client
	fallbackToRules bool
	maxRetries      int
	sem             chan struct{}

	mu      sync.Mutex
	metrics Metrics
}

// Option configures a Categorizer.
type Option func(*Categorizer)

// WithMaxRetries sets the retry count for a failed AI call. Default 2.
func WithMaxRetries(n int) Option {
	return func(c *Categorizer) { c.maxRetries = n }
}

// WithConcurrency bounds concurrent in-flight AI calls. Default 4.
func WithConcurrency(n int) Option {
	return func(c *Categorizer) {
		if n <= 0 {
			n = 1
		}
		c.sem = make(chan struct{}, n)
	}
}

// New constructs a Categorizer. client may be nil, in which case every
// call falls straight to rule-based categorization.
func New(client Client, fallbackToRules bool, opts ...Option) *Categorizer {
	c := &Categorizer{client: client, fallbackToRules: fallbackToRules, maxRetries: 2, sem: make(chan struct{}, 4)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Categorize classifies observation, using the AI client with bounded
// retries and falling back to rule-based categorization on failure when
// fallbackToRules is set.
func (c *Categorizer) Categorize(ctx context.Context, observation string) (Categorization, error) {
	c.mu.Lock()
	c.metrics.Attempts++
	c.mu.Unlock()

	if c.client == nil {
		return c.fallback(observation, ErrorCategoryCallFailed)
	}

	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := c.client.CreateMessage(ctx, Request{
			Model: "claude-haiku", MaxTokens: 512, Temperature: 0,
			Messages: []Message{{Role: "user", Content: observation}},
		})
		if err != nil {
			lastErr = err
			continue
		}
		cat, ok := parseResponse(resp)
		if ok {
			return cat, nil
		}
		lastErr = errors.New("aiclient: response did not parse to a valid categorization")
	}

	category := ErrorCategoryCallFailed
	if lastErr != nil && strings.Contains(lastErr.Error(), "parse") {
		category = ErrorCategoryParseFailed
	}
	if !c.fallbackToRules {
		return Categorization{}, lastErr
	}
	return c.fallback(observation, category)
}

func parseResponse(resp Response) (Categorization, bool) {
	if len(resp.Content) == 0 {
		return Categorization{}, false
	}
	text := stripCodeFence(resp.Content[0].Text)

	var raw rawCategorization
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Categorization{}, false
	}
	if raw.Type == "" || raw.Observation == "" {
		return Categorization{}, false
	}

	cat := Categorization{
		Type: raw.Type, Observation: raw.Observation,
		Importance: raw.Importance, AgentInsights: raw.AgentInsights, Recommendations: raw.Recommendations,
	}
	if !knownTypes[cat.Type] {
		cat.Type = "pattern-usage"
	}
	cat.Concepts = coerceConcepts(raw.Concepts)
	cat.Importance = clamp(cat.Importance, 1, 10)
	return cat, true
}

func coerceConcepts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return []string{}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// fallback produces a rule-based categorization, recording metrics by
// reason.
func (c *Categorizer) fallback(observation string, reason ErrorCategory) (Categorization, error) {
	c.mu.Lock()
	c.metrics.RuleFallbacks++
	switch reason {
	case ErrorCategoryCallFailed:
		c.metrics.CallFailures++
	case ErrorCategoryParseFailed:
		c.metrics.ParseFailures++
	case ErrorCategoryInvalidShape:
		c.metrics.ShapeFailures++
	}
	c.mu.Unlock()

	return ruleBasedCategorize(observation), nil
}

// ruleBasedCategorize is a keyword-driven heuristic standing in for the
// AI categorizer, used whenever the AI path is unavailable.
func ruleBasedCategorize(observation string) Categorization {
	lower := strings.ToLower(observation)
	catType := "pattern-usage"
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
		catType = "error-resolution"
	case strings.Contains(lower, "decide") || strings.Contains(lower, "chose"):
		catType = "decision"
	case strings.Contains(lower, "insight") || strings.Contains(lower, "learned"):
		catType = "insight"
	}
	return Categorization{
		Type: catType, Observation: observation, Concepts: []string{}, Importance: 5,
		AgentInsights: []string{}, Recommendations: []string{},
	}
}

// GetMetrics returns a copy of the cumulative categorization metrics.
func (c *Categorizer) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}
