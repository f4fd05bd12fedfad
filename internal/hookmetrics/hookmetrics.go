// Package hookmetrics tracks hook executions: success/failure/timeout
// counts, duration histograms, rolling success-rate windows, a snapshot
// history (not capped: every snapshot taken is kept), and a bounded ring of
// recent executions. State is
// serialisable to JSON and can be persisted atomically to disk.
package hookmetrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/coordctl/internal/atomicfile"
)

// HookKind enumerates the hook types tracked by the system.
type HookKind string

// The complete list of hook kinds.
const (
	HookSessionStart     HookKind = "session-start"
	HookSessionEnd       HookKind = "session-end"
	HookUserPromptSubmit HookKind = "user-prompt-submit"
	HookDelegation       HookKind = "delegation-hook"
	HookTrackProgress    HookKind = "track-progress"
	HookTrackUsage       HookKind = "track-usage"
	HookAfterExecution   HookKind = "after-execution"
	HookAfterCodeChange  HookKind = "after-code-change"
	HookValidatePrompt   HookKind = "validate-prompt"
)

// AllHookKinds lists every known hook kind.
var AllHookKinds = []HookKind{
	HookSessionStart, HookSessionEnd, HookUserPromptSubmit, HookDelegation,
	HookTrackProgress, HookTrackUsage, HookAfterExecution, HookAfterCodeChange,
	HookValidatePrompt,
}

// ErrorCategory enumerates the global error categories tracked across all
// hook kinds.
type ErrorCategory string

// The complete list of error categories.
const (
	ErrorTimeout         ErrorCategory = "timeout"
	ErrorParse           ErrorCategory = "parse-error"
	ErrorNetwork         ErrorCategory = "network-error"
	ErrorFile            ErrorCategory = "file-error"
	ErrorValidation      ErrorCategory = "validation-error"
	ErrorUnknownCategory ErrorCategory = "unknown"
)

// AllErrorCategories lists every known error category.
var AllErrorCategories = []ErrorCategory{
	ErrorTimeout, ErrorParse, ErrorNetwork, ErrorFile, ErrorValidation, ErrorUnknownCategory,
}

// DefaultDurationBucketsMs are the default histogram bucket upper bounds, in
// milliseconds. The final bucket is unbounded (+Inf).
var DefaultDurationBucketsMs = []float64{10, 50, 100, 500, 1000, 5000}

// Window names a rolling window granularity.
type Window string

// The supported rolling window granularities.
const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

var windowDurations = map[Window]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
}

const maxRecentExecutions = 200
const maxEventLogSize = 500

type (
	// Execution is a single recorded hook execution.
	Execution struct {
		Kind       HookKind
		Success    bool
		DurationMs float64
		Category   ErrorCategory
		Extra      map[string]any
		At         time.Time
	}

	histogram struct {
		buckets []float64 // upper bounds, ascending, last is +Inf
		counts  []int
		sum     float64
		samples []float64 // kept for percentile computation
	}

	rollingWindow struct {
		granularity Window
		resetAt     time.Time
		success     int
		failure     int
	}

	kindStats struct {
		Success int
		Failure int
		Timeout int
		Retries int
		Hist    *histogram
	}

	// DurationStats summarises a duration histogram.
	DurationStats struct {
		Count int
		Avg   float64
		P50   float64
		P95   float64
	}

	// HookStats is the aggregate view returned by GetHookStats.
	HookStats struct {
		SuccessCount    int
		FailureCount    int
		TimeoutCount    int
		TotalExecutions int
		SuccessRate     float64
		Duration        DurationStats
	}

	// RollingStats is the aggregate view returned by GetRollingSuccessRate.
	RollingStats struct {
		SuccessCount    int
		FailureCount    int
		TotalExecutions int
		SuccessRate     float64
	}

	// Snapshot is a point-in-time capture of the full metrics state.
	Snapshot struct {
		ID        string
		Timestamp time.Time
		State     persistedState
	}

	persistedState struct {
		Kinds            map[HookKind]kindStatsJSON   `json:"kinds"`
		ErrorCategories  map[ErrorCategory]int        `json:"errorCategories"`
		RollingWindows   map[Window]rollingWindowJSON `json:"rollingWindows"`
		RecentExecutions []Execution                  `json:"recentExecutions"`
	}

	kindStatsJSON struct {
		Success int       `json:"success"`
		Failure int       `json:"failure"`
		Timeout int       `json:"timeout"`
		Retries int       `json:"retries"`
		Samples []float64 `json:"samples"`
	}

	rollingWindowJSON struct {
		ResetAt time.Time `json:"resetAt"`
		Success int       `json:"success"`
		Failure int       `json:"failure"`
	}

	// Metrics tracks hook executions across all kinds. Safe for concurrent
	// use.
	Metrics struct {
		mu              sync.Mutex
		kinds           map[HookKind]*kindStats
		errorCategories map[ErrorCategory]int
		windows         map[Window]*rollingWindow
		recent          []Execution
		snapshots       []Snapshot
		persistPath     string
	}
)

// New constructs an empty Metrics tracker. If persistPath is non-empty and a
// file exists there, the tracker loads its prior state from it.
func New(persistPath string) *Metrics {
	m := &Metrics{
		kinds:           make(map[HookKind]*kindStats),
		errorCategories: make(map[ErrorCategory]int),
		windows:         newWindows(time.Now()),
		persistPath:     persistPath,
	}
	if persistPath != "" {
		if data, err := atomicfile.ReadFile(persistPath); err == nil && data != nil {
			_ = m.loadJSON(data)
		}
	}
	return m
}

func newWindows(now time.Time) map[Window]*rollingWindow {
	w := make(map[Window]*rollingWindow, 3)
	for name, dur := range windowDurations {
		w[name] = &rollingWindow{granularity: name, resetAt: now.Add(dur)}
	}
	return w
}

func (m *Metrics) kindFor(kind HookKind) *kindStats {
	ks, ok := m.kinds[kind]
	if !ok {
		ks = &kindStats{Hist: newHistogram()}
		m.kinds[kind] = ks
	}
	return ks
}

func newHistogram() *histogram {
	bounds := append([]float64{}, DefaultDurationBucketsMs...)
	return &histogram{
		buckets: bounds,
		counts:  make([]int, len(bounds)+1),
	}
}

func (h *histogram) record(durationMs float64) {
	h.sum += durationMs
	h.samples = append(h.samples, durationMs)
	for i, bound := range h.buckets {
		if durationMs <= bound {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.counts)-1]++
}

func (h *histogram) stats() DurationStats {
	n := len(h.samples)
	if n == 0 {
		return DurationStats{}
	}
	sorted := append([]float64{}, h.samples...)
	sort.Float64s(sorted)
	return DurationStats{
		Count: n,
		Avg:   h.sum / float64(n),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m *Metrics) resetExpiredWindows(now time.Time) {
	for _, w := range m.windows {
		if !now.Before(w.resetAt) {
			w.success = 0
			w.failure = 0
			w.resetAt = now.Add(windowDurations[w.granularity])
		}
	}
}

func (m *Metrics) pushRecent(e Execution) {
	m.recent = append(m.recent, e)
	if len(m.recent) > maxRecentExecutions {
		m.recent = m.recent[len(m.recent)-maxRecentExecutions:]
	}
}

// RecordSuccess records a successful hook execution.
func (m *Metrics) RecordSuccess(kind HookKind, durationMs float64, extra map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.resetExpiredWindows(now)

	ks := m.kindFor(kind)
	ks.Success++
	ks.Hist.record(durationMs)

	for _, w := range m.windows {
		w.success++
	}
	m.pushRecent(Execution{Kind: kind, Success: true, DurationMs: durationMs, Extra: extra, At: now})
}

// RecordFailure records a failed hook execution. If category is
// ErrorTimeout, the kind's timeout counter is also incremented.
func (m *Metrics) RecordFailure(kind HookKind, category ErrorCategory, durationMs float64, extra map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.resetExpiredWindows(now)

	ks := m.kindFor(kind)
	ks.Failure++
	if category == ErrorTimeout {
		ks.Timeout++
	}
	ks.Hist.record(durationMs)
	m.errorCategories[category]++

	for _, w := range m.windows {
		w.failure++
	}
	m.pushRecent(Execution{Kind: kind, Success: false, DurationMs: durationMs, Category: category, Extra: extra, At: now})
}

// RecordRetry increments the kind's retry counter.
func (m *Metrics) RecordRetry(kind HookKind, attemptNumber int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kindFor(kind).Retries++
}

// GetHookStats returns the aggregate statistics for a single hook kind.
func (m *Metrics) GetHookStats(kind HookKind) HookStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.kinds[kind]
	if !ok {
		return HookStats{SuccessRate: 100}
	}
	total := ks.Success + ks.Failure
	rate := 100.0
	if total > 0 {
		rate = 100 * float64(ks.Success) / float64(total)
	}
	return HookStats{
		SuccessCount:    ks.Success,
		FailureCount:    ks.Failure,
		TimeoutCount:    ks.Timeout,
		TotalExecutions: total,
		SuccessRate:     rate,
		Duration:        ks.Hist.stats(),
	}
}

// GetRollingSuccessRate returns the success rate for the given window, or
// nil for unknown windows.
func (m *Metrics) GetRollingSuccessRate(window Window) *RollingStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[window]
	if !ok {
		return nil
	}
	m.resetExpiredWindows(time.Now())
	total := w.success + w.failure
	rate := 100.0
	if total > 0 {
		rate = 100 * float64(w.success) / float64(total)
	}
	return &RollingStats{SuccessCount: w.success, FailureCount: w.failure, TotalExecutions: total, SuccessRate: rate}
}

// TakeSnapshot captures the current state under a new id and timestamp.
func (m *Metrics) TakeSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{ID: uuid.NewString(), Timestamp: time.Now(), State: m.toPersisted()}
	m.snapshots = append(m.snapshots, snap)
	return snap
}

// SnapshotFilter narrows GetSnapshots results.
type SnapshotFilter struct {
	Since time.Time
	Limit int
}

// GetSnapshots returns ordered snapshots matching filter.
func (m *Metrics) GetSnapshots(filter SnapshotFilter) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		if !filter.Since.IsZero() && s.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, s)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Reset zeros every counter, histogram, window, and snapshot.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = make(map[HookKind]*kindStats)
	m.errorCategories = make(map[ErrorCategory]int)
	m.windows = newWindows(time.Now())
	m.recent = nil
	m.snapshots = nil
}

// ToJSON serialises the full state.
func (m *Metrics) ToJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.toPersisted())
}

func (m *Metrics) toPersisted() persistedState {
	ps := persistedState{
		Kinds:            make(map[HookKind]kindStatsJSON, len(m.kinds)),
		ErrorCategories:  make(map[ErrorCategory]int, len(m.errorCategories)),
		RollingWindows:   make(map[Window]rollingWindowJSON, len(m.windows)),
		RecentExecutions: append([]Execution{}, m.recent...),
	}
	for k, v := range m.kinds {
		ps.Kinds[k] = kindStatsJSON{Success: v.Success, Failure: v.Failure, Timeout: v.Timeout, Retries: v.Retries, Samples: v.Hist.samples}
	}
	for k, v := range m.errorCategories {
		ps.ErrorCategories[k] = v
	}
	for k, v := range m.windows {
		ps.RollingWindows[k] = rollingWindowJSON{ResetAt: v.resetAt, Success: v.success, Failure: v.failure}
	}
	return ps
}

func (m *Metrics) loadJSON(data []byte) error {
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("hookmetrics: decode persisted state: %w", err)
	}
	m.kinds = make(map[HookKind]*kindStats, len(ps.Kinds))
	for k, v := range ps.Kinds {
		h := newHistogram()
		for _, s := range v.Samples {
			h.record(s)
		}
		m.kinds[k] = &kindStats{Success: v.Success, Failure: v.Failure, Timeout: v.Timeout, Retries: v.Retries, Hist: h}
	}
	m.errorCategories = make(map[ErrorCategory]int, len(ps.ErrorCategories))
	for k, v := range ps.ErrorCategories {
		m.errorCategories[k] = v
	}
	m.windows = newWindows(time.Now())
	for k, v := range ps.RollingWindows {
		if w, ok := m.windows[k]; ok {
			w.resetAt = v.ResetAt
			w.success = v.Success
			w.failure = v.Failure
		}
	}
	m.recent = append([]Execution{}, ps.RecentExecutions...)
	return nil
}

// Persist writes the current state atomically to the configured path. A
// no-op, returning nil, when no path was configured.
func (m *Metrics) Persist() error {
	if m.persistPath == "" {
		return nil
	}
	data, err := m.ToJSON()
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(m.persistPath, data, 0o644)
}
