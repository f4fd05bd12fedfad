// Package ratelimit tracks rolling minute/hour/day request and token
// windows against plan-based ceilings and classifies the current
// utilization into warning/critical/emergency thresholds.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"goa.design/coordctl/internal/telemetry"
)

// Level classifies the current utilization against configured thresholds.
type Level string

// The ordered set of classification levels, from safest to most severe.
const (
	LevelOK       Level = "OK"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
	LevelEmergency Level = "EMERGENCY"
)

// Action is the recommended caller response for a given Level.
type Action string

// The set of recommended actions.
const (
	ActionProceed           Action = "PROCEED"
	ActionProceedWithCaution Action = "PROCEED_WITH_CAUTION"
	ActionWrapUp            Action = "WRAP_UP"
	ActionHaltImmediately   Action = "HALT_IMMEDIATELY"
)

// Limits describes the request/token ceilings for one plan.
type Limits struct {
	RequestsPerMinute int
	RequestsPerDay    int
	TokensPerDay      int
}

// DefaultPlans is the built-in plan table.
// Free carries no per-minute cap: spec.md's end-to-end scenario only
// constrains it by requests/day (50), so RequestsPerMinute is left at the
// zero value (unlimited) rather than an invented ceiling.
var DefaultPlans = map[string]Limits{
	"Free": {RequestsPerDay: 50, TokensPerDay: 100_000},
	"Pro":  {RequestsPerMinute: 60, RequestsPerDay: 2000, TokensPerDay: 5_000_000},
	"Team": {RequestsPerMinute: 200, RequestsPerDay: 20000, TokensPerDay: 50_000_000},
}

// Thresholds are utilization fractions (of 1) that trigger each severity
// level.
type Thresholds struct {
	Warning  float64
	Critical float64
	Emergency float64
}

// DefaultThresholds matches the spec's warning/critical/emergency bands.
var DefaultThresholds = Thresholds{Warning: 0.70, Critical: 0.90, Emergency: 0.98}

// WindowKind names a rolling window granularity.
type WindowKind string

// The three supported window granularities.
const (
	Minute WindowKind = "minute"
	Hour   WindowKind = "hour"
	Day    WindowKind = "day"
)

var windowDurations = map[WindowKind]time.Duration{
	Minute: time.Minute,
	Hour:   time.Hour,
	Day:    24 * time.Hour,
}

type window struct {
	calls   int
	tokens  int
	resetAt time.Time
}

// Persister is the narrow interface the Coordination Database satisfies for
// snapshot persistence. Failures are swallowed: tracking continues in
// memory.
type Persister interface {
	PersistRateLimitSnapshot(ctx context.Context, plan string, snapshot map[string]any) error
}

// Decision is the result of CanMakeCall.
type Decision struct {
	Level              Level
	Action             Action
	Safe               bool
	UtilizationPercent float64
	LimitingFactor     string
	Reason             string
}

// Status is a point-in-time view of every window's usage.
type Status struct {
	Plan    string
	Windows map[WindowKind]WindowStatus
}

// WindowStatus reports one window's current counters.
type WindowStatus struct {
	Calls   int
	Tokens  int
	ResetAt time.Time
}

// Tracker tracks rolling request/token windows for one plan.
type Tracker struct {
	mu         sync.Mutex
	plan       string
	limits     Limits
	thresholds Thresholds
	windows    map[WindowKind]*window
	persist    Persister
	log        telemetry.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCustomLimits overrides the plan's limits.
func WithCustomLimits(l Limits) Option { return func(t *Tracker) { t.limits = l } }

// WithThresholds overrides the default warning/critical/emergency bands.
func WithThresholds(th Thresholds) Option { return func(t *Tracker) { t.thresholds = th } }

// WithPersister attaches a Coordination Database snapshot sink.
func WithPersister(p Persister) Option { return func(t *Tracker) { t.persist = p } }

// WithLogger attaches a logger.
func WithLogger(l telemetry.Logger) Option { return func(t *Tracker) { t.log = l } }

// New constructs a Tracker for the given plan name, defaulting to
// DefaultPlans and DefaultThresholds.
func New(plan string, opts ...Option) *Tracker {
	now := time.Now()
	t := &Tracker{
		plan:       plan,
		limits:     DefaultPlans[plan],
		thresholds: DefaultThresholds,
		windows:    newWindows(now),
		log:        telemetry.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func newWindows(now time.Time) map[WindowKind]*window {
	w := make(map[WindowKind]*window, 3)
	for kind, dur := range windowDurations {
		w[kind] = &window{resetAt: now.Add(dur)}
	}
	return w
}

func (t *Tracker) resetExpiredWindows(now time.Time) {
	for kind, w := range t.windows {
		if !now.Before(w.resetAt) {
			w.calls = 0
			w.tokens = 0
			w.resetAt = now.Add(windowDurations[kind])
		}
	}
}

// RecordCall records one call consuming tokens across all three windows,
// then best-effort persists a snapshot.
func (t *Tracker) RecordCall(ctx context.Context, tokens int) {
	t.mu.Lock()
	now := time.Now()
	t.resetExpiredWindows(now)
	for _, w := range t.windows {
		w.calls++
		w.tokens += tokens
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if t.persist != nil {
		if err := t.persist.PersistRateLimitSnapshot(ctx, t.plan, snapshot); err != nil {
			t.log.Warn("ratelimit: persistence unavailable, continuing in memory", zap.Error(err))
		}
	}
}

func (t *Tracker) snapshotLocked() map[string]any {
	out := make(map[string]any, len(t.windows))
	for kind, w := range t.windows {
		out[string(kind)] = map[string]any{"calls": w.calls, "tokens": w.tokens, "resetAt": w.resetAt}
	}
	return out
}

// CanMakeCall reports whether a call projected to consume projectedTokens
// may proceed, classified against the most restrictive window/limit pair.
func (t *Tracker) CanMakeCall(projectedTokens int) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.resetExpiredWindows(now)

	var worst struct {
		util   float64
		factor string
	}
	check := func(util float64, factor string) {
		if util > worst.util {
			worst.util = util
			worst.factor = factor
		}
	}

	if t.limits.RequestsPerMinute > 0 {
		w := t.windows[Minute]
		check(float64(w.calls+1)/float64(t.limits.RequestsPerMinute), "requests/minute")
	}
	if t.limits.RequestsPerDay > 0 {
		w := t.windows[Day]
		check(float64(w.calls+1)/float64(t.limits.RequestsPerDay), "requests/day")
	}
	if t.limits.TokensPerDay > 0 {
		w := t.windows[Day]
		check(float64(w.tokens+projectedTokens)/float64(t.limits.TokensPerDay), "tokens/day")
	}

	level, action, safe := classify(worst.util, t.thresholds)
	return Decision{
		Level:              level,
		Action:             action,
		Safe:               safe,
		UtilizationPercent: worst.util * 100,
		LimitingFactor:     worst.factor,
		Reason:             reasonFor(level, worst.factor, worst.util),
	}
}

func classify(util float64, th Thresholds) (Level, Action, bool) {
	switch {
	case util >= th.Emergency:
		return LevelEmergency, ActionHaltImmediately, false
	case util >= th.Critical:
		return LevelCritical, ActionWrapUp, true
	case util >= th.Warning:
		return LevelWarning, ActionProceedWithCaution, true
	default:
		return LevelOK, ActionProceed, true
	}
}

func reasonFor(level Level, factor string, util float64) string {
	switch level {
	case LevelEmergency:
		return "emergency utilization on " + factor + ": halt immediately"
	case LevelCritical:
		return "critical utilization on " + factor + ": wrap up soon"
	case LevelWarning:
		return "elevated utilization on " + factor + ": proceed with caution"
	default:
		return "utilization nominal"
	}
}

// GetStatus returns the current counters for every window.
func (t *Tracker) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetExpiredWindows(time.Now())
	out := Status{Plan: t.plan, Windows: make(map[WindowKind]WindowStatus, len(t.windows))}
	for kind, w := range t.windows {
		out.Windows[kind] = WindowStatus{Calls: w.calls, Tokens: w.tokens, ResetAt: w.resetAt}
	}
	return out
}

// GetTimeUntilAvailable returns the longest time-until-reset across windows
// whose limits are currently reached, or zero if none are.
func (t *Tracker) GetTimeUntilAvailable() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.resetExpiredWindows(now)

	var longest time.Duration
	reached := func(w *window, limit int, count int) bool {
		return limit > 0 && count >= limit
	}
	if reached(t.windows[Minute], t.limits.RequestsPerMinute, t.windows[Minute].calls) {
		if d := t.windows[Minute].resetAt.Sub(now); d > longest {
			longest = d
		}
	}
	if reached(t.windows[Day], t.limits.RequestsPerDay, t.windows[Day].calls) {
		if d := t.windows[Day].resetAt.Sub(now); d > longest {
			longest = d
		}
	}
	if reached(t.windows[Day], t.limits.TokensPerDay, t.windows[Day].tokens) {
		if d := t.windows[Day].resetAt.Sub(now); d > longest {
			longest = d
		}
	}
	return longest
}
