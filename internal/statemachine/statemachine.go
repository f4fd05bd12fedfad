// Package statemachine implements the per-agent lifecycle state machine:
// versioned updates, an append-only per-agent history, atomic multi-agent
// family transitions, and a bounded global event log.
package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/coordctl/internal/eventbus"
)

// State is one node in the agent lifecycle.
type State string

// The full set of lifecycle states.
const (
	StateIdle         State = "IDLE"
	StateInitializing State = "INITIALIZING"
	StateActive       State = "ACTIVE"
	StateDelegating   State = "DELEGATING"
	StateWaiting      State = "WAITING"
	StateCompleting   State = "COMPLETING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateTerminated   State = "TERMINATED"
)

// Transitions is the static legal-transition table. TERMINATED has no
// outgoing edges.
var Transitions = map[State][]State{
	StateIdle:         {StateInitializing, StateTerminated},
	StateInitializing: {StateActive, StateFailed, StateTerminated},
	StateActive:       {StateDelegating, StateWaiting, StateCompleting, StateFailed, StateTerminated},
	StateDelegating:   {StateActive, StateWaiting, StateFailed, StateTerminated},
	StateWaiting:      {StateActive, StateFailed, StateTerminated},
	StateCompleting:   {StateCompleted, StateFailed, StateTerminated},
	StateCompleted:    {StateTerminated},
	StateFailed:       {StateTerminated},
	StateTerminated:   {},
}

func isAllowed(from, to State) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// activeStates counts toward Aggregate.ActiveCount.
var activeStates = map[State]bool{
	StateActive: true, StateDelegating: true, StateWaiting: true, StateInitializing: true,
}

// staleStates are eligible for CleanupStale once past staleTimeout.
var staleStates = map[State]bool{
	StateIdle: true, StateCompleted: true, StateFailed: true, StateTerminated: true,
}

// InvalidTransitionError reports an attempted transition absent from
// Transitions.
type InvalidTransitionError struct {
	AgentID            string
	FromState          State
	ToState            State
	AllowedTransitions []State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("statemachine: invalid transition for %q: %s -> %s (allowed: %v)", e.AgentID, e.FromState, e.ToState, e.AllowedTransitions)
}

// OptimisticLockError reports a version mismatch on updateState.
type OptimisticLockError struct {
	AgentID         string
	ExpectedVersion int
	ActualVersion   int
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("statemachine: optimistic lock failure for %q: expected version %d, actual %d", e.AgentID, e.ExpectedVersion, e.ActualVersion)
}

// HistoryEntry is one recorded state at a point in time.
type HistoryEntry struct {
	State     State
	Metadata  map[string]any
	Timestamp time.Time
}

// Entry is one agent's full state-machine record.
type Entry struct {
	AgentID   string
	ParentID  string
	State     State
	Version   int
	Metadata  map[string]any
	History   []HistoryEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogEvent is one entry in the bounded global event log.
type LogEvent struct {
	Type      string
	AgentID   string
	Timestamp time.Time
	Data      map[string]any
}

// AggregateState summarizes id and its registered descendants.
type AggregateState struct {
	DescendantCount int
	StateCounts     map[State]int
	ActiveCount     int
	HasFailures     bool
	IsFullyComplete bool
}

// AgentRegistered is published on Register.
type AgentRegistered struct{ Entry Entry }

// StateChanged is published on UpdateState.
type StateChanged struct {
	AgentID  string
	OldState State
	NewState State
	Version  int
}

// Manager owns every registered agent's lifecycle state.
type Manager struct {
	mu              sync.Mutex
	bus             *eventbus.Bus
	entries         map[string]*Entry
	children        map[string][]string
	events          []LogEvent
	maxEventLogSize int
	staleTimeout    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxEventLogSize bounds the global event log (default 1000).
func WithMaxEventLogSize(n int) Option { return func(m *Manager) { m.maxEventLogSize = n } }

// WithStaleTimeout sets the CleanupStale threshold (default 1 hour).
func WithStaleTimeout(d time.Duration) Option { return func(m *Manager) { m.staleTimeout = d } }

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		entries:         make(map[string]*Entry),
		children:        make(map[string][]string),
		bus:             eventbus.New(),
		maxEventLogSize: 1000,
		staleTimeout:    time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the bus agent:registered / state:changed notifications are
// published on.
func (m *Manager) Events() *eventbus.Bus { return m.bus }

// Register inserts id in StateIdle at version 1, with a one-entry history.
// Refuses duplicates.
func (m *Manager) Register(ctx context.Context, id, parentID string, metadata map[string]any) (Entry, error) {
	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return Entry{}, fmt.Errorf("statemachine: agent %q already registered", id)
	}
	now := time.Now()
	e := &Entry{
		AgentID: id, ParentID: parentID, State: StateIdle, Version: 1, Metadata: metadata,
		History:   []HistoryEntry{{State: StateIdle, Metadata: metadata, Timestamp: now}},
		CreatedAt: now, UpdatedAt: now,
	}
	m.entries[id] = e
	if parentID != "" {
		m.children[parentID] = append(m.children[parentID], id)
	}
	m.logLocked("registered", id, nil)
	out := cloneEntry(e)
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "agent:registered", Payload: AgentRegistered{Entry: out}})
	return out, nil
}

// GetState returns id's entry, or false if unknown.
func (m *Manager) GetState(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

// UpdateState moves id to target, optionally checked against expectedVersion
// for optimistic concurrency. Unknown agents return an error (spec: throws,
// unlike most other lookups which return null).
func (m *Manager) UpdateState(ctx context.Context, id string, target State, expectedVersion *int, metadata map[string]any) (Entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return Entry{}, fmt.Errorf("statemachine: agent %q not found", id)
	}
	if !isAllowed(e.State, target) {
		m.mu.Unlock()
		return Entry{}, &InvalidTransitionError{AgentID: id, FromState: e.State, ToState: target, AllowedTransitions: Transitions[e.State]}
	}
	if expectedVersion != nil && *expectedVersion != e.Version {
		m.mu.Unlock()
		return Entry{}, &OptimisticLockError{AgentID: id, ExpectedVersion: *expectedVersion, ActualVersion: e.Version}
	}

	old := e.State
	e.State = target
	e.Version++
	e.UpdatedAt = time.Now()
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		e.Metadata[k] = v
	}
	e.History = append(e.History, HistoryEntry{State: target, Metadata: metadata, Timestamp: e.UpdatedAt})
	m.logLocked("state-change", id, map[string]any{"from": old, "to": target})
	out := cloneEntry(e)
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "state:changed", Payload: StateChanged{AgentID: id, OldState: old, NewState: target, Version: out.Version}})
	return out, nil
}

// AtomicFamilyTransition validates parent's and every currently-registered
// child's target transition before applying any of them. Either the whole
// family moves or none does.
func (m *Manager) AtomicFamilyTransition(ctx context.Context, parentID string, parentTarget, childTarget State) ([]Entry, error) {
	m.mu.Lock()
	parent, ok := m.entries[parentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("statemachine: agent %q not found", parentID)
	}
	childIDs := m.children[parentID]
	if !isAllowed(parent.State, parentTarget) {
		m.mu.Unlock()
		return nil, &InvalidTransitionError{AgentID: parentID, FromState: parent.State, ToState: parentTarget, AllowedTransitions: Transitions[parent.State]}
	}
	for _, cid := range childIDs {
		c, ok := m.entries[cid]
		if !ok {
			continue
		}
		if !isAllowed(c.State, childTarget) {
			m.mu.Unlock()
			return nil, &InvalidTransitionError{AgentID: cid, FromState: c.State, ToState: childTarget, AllowedTransitions: Transitions[c.State]}
		}
	}

	now := time.Now()
	applyLocked := func(e *Entry, target State) {
		old := e.State
		e.State = target
		e.Version++
		e.UpdatedAt = now
		e.History = append(e.History, HistoryEntry{State: target, Timestamp: now})
		_ = old
	}
	applyLocked(parent, parentTarget)
	results := []Entry{cloneEntry(parent)}
	for _, cid := range childIDs {
		if c, ok := m.entries[cid]; ok {
			applyLocked(c, childTarget)
			results = append(results, cloneEntry(c))
		}
	}
	m.logLocked("atomic-family-transition", parentID, map[string]any{"parentTarget": parentTarget, "childTarget": childTarget, "childCount": len(childIDs)})
	m.mu.Unlock()

	for _, r := range results {
		_ = m.bus.Publish(ctx, eventbus.Event{Type: "state:changed", Payload: StateChanged{AgentID: r.AgentID, NewState: r.State, Version: r.Version}})
	}
	return results, nil
}

// GetAggregateState summarizes id and its registered descendants.
func (m *Manager) GetAggregateState(id string) (AggregateState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	self, ok := m.entries[id]
	if !ok {
		return AggregateState{}, false
	}
	agg := AggregateState{StateCounts: map[State]int{}}
	var walk func(string)
	first := true
	walk = func(aid string) {
		e, ok := m.entries[aid]
		if !ok {
			return
		}
		agg.StateCounts[e.State]++
		if activeStates[e.State] {
			agg.ActiveCount++
		}
		if e.State == StateFailed {
			agg.HasFailures = true
		}
		if !first {
			agg.DescendantCount++
		}
		first = false
		for _, cid := range m.children[aid] {
			walk(cid)
		}
	}
	walk(id)
	agg.IsFullyComplete = agg.StateCounts[self.State] > 0 && agg.DescendantCount+1 == agg.StateCounts[StateCompleted]
	return agg, true
}

// CleanupStale removes every agent whose state is IDLE/COMPLETED/FAILED/
// TERMINATED and whose UpdatedAt is older than staleTimeout, cascading to
// descendants. Returns the removed-id list.
func (m *Manager) CleanupStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.staleTimeout)
	var removed []string
	for id, e := range m.entries {
		if staleStates[e.State] && e.UpdatedAt.Before(cutoff) {
			var subtree []string
			m.collectSubtreeLocked(id, &subtree)
			removed = append(removed, subtree...)
		}
	}
	for _, id := range removed {
		delete(m.entries, id)
		delete(m.children, id)
	}
	return removed
}

func (m *Manager) collectSubtreeLocked(id string, out *[]string) {
	*out = append(*out, id)
	for _, cid := range m.children[id] {
		m.collectSubtreeLocked(cid, out)
	}
}

func (m *Manager) logLocked(eventType, agentID string, data map[string]any) {
	m.events = append(m.events, LogEvent{Type: eventType, AgentID: agentID, Timestamp: time.Now(), Data: data})
	if len(m.events) > m.maxEventLogSize {
		m.events = m.events[len(m.events)-m.maxEventLogSize:]
	}
}

// GetEventLog returns every logged event for id.
func (m *Manager) GetEventLog(id string) []LogEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEvent
	for _, ev := range m.events {
		if ev.AgentID == id {
			out = append(out, ev)
		}
	}
	return out
}

// GetAllEvents filters the global event stream by an optional since time and
// event type.
func (m *Manager) GetAllEvents(since time.Time, eventType string) []LogEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEvent
	for _, ev := range m.events {
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func cloneEntry(e *Entry) Entry {
	out := *e
	out.History = append([]HistoryEntry{}, e.History...)
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
