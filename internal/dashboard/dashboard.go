// Package dashboard is a read-through aggregator over session, execution,
// and usage state, publishing a periodically-refreshed snapshot plus a
// bounded event timeline for an external display surface.
package dashboard

import (
	"context"
	"sync"
	"time"

	"goa.design/coordctl/internal/eventbus"
)

const (
	maxArtifacts = 100
	maxTimeline  = 50
)

// UsageTracker is the external collaborator the periodic refresh reads
// aggregate token/cost numbers from.
type UsageTracker interface {
	CurrentUsage(ctx context.Context) (tokens int, limit int, err error)
}

// TaskView is one normalized plan entry.
type TaskView struct {
	ID         string
	Content    string
	Status     string
	ActiveForm string
	Progress   int
}

// PlanSnapshot is the plan section of the aggregate snapshot.
type PlanSnapshot struct {
	Tasks            []TaskView
	TotalTasks       int
	CompletedTasks   int
	CurrentTaskIndex int
}

// ExecutionSnapshot tracks the currently active unit of work.
type ExecutionSnapshot struct {
	Phase     string
	Agent     string
	Task      string
	StartTime time.Time
	Duration  time.Duration
}

// ContextSnapshot is the derived context-budget view.
type ContextSnapshot struct {
	Current        int
	Limit          int
	Percentage     float64
	Status         string
	NextCheckpoint float64
}

// Artifact is a produced file or output.
type Artifact struct {
	ID          string
	Name        string
	Path        string
	Type        string
	Description string
	Phase       string
}

// TimelineEvent is one bounded-timeline entry.
type TimelineEvent struct {
	Type      string
	Message   string
	Data      map[string]any
	Timestamp time.Time
}

// Metrics tracks cumulative operation counters.
type Metrics struct {
	TotalOperations      int
	SuccessfulOperations int
	FailedOperations     int
}

// Snapshot is the full aggregate dashboard state, returned as a deep copy by
// GetState.
type Snapshot struct {
	Status    string
	Session   map[string]any
	Context   ContextSnapshot
	Usage     map[string]any
	Execution ExecutionSnapshot
	Plan      PlanSnapshot
	Artifacts []Artifact
	Events    []TimelineEvent
	Metrics   Metrics
}

// PlanUpdated is published by UpdateExecutionPlan.
type PlanUpdated struct{ Plan PlanSnapshot }

// ExecutionUpdated is published by UpdateExecution.
type ExecutionUpdated struct{ Execution ExecutionSnapshot }

// ArtifactAdded is published by AddArtifact.
type ArtifactAdded struct{ Artifact Artifact }

// EventAdded is published by addEvent.
type EventAdded struct{ Event TimelineEvent }

// MetricsUpdated is published by the periodic refresh.
type MetricsUpdated struct{ Context ContextSnapshot }

// Manager owns the aggregate dashboard snapshot.
type Manager struct {
	mu            sync.Mutex
	bus           *eventbus.Bus
	external      *eventbus.Bus
	usage         UsageTracker
	updateInterval time.Duration
	snapshot      Snapshot
	idSeq         int
	stop          chan struct{}
	subscription  eventbus.Subscription
	running       bool
}

// New constructs a stopped Manager. external is the orchestrator event bus
// the Manager subscribes to once started; it may be nil.
func New(usage UsageTracker, updateInterval time.Duration, external *eventbus.Bus) *Manager {
	return &Manager{
		bus: eventbus.New(), external: external, usage: usage, updateInterval: updateInterval,
		snapshot: Snapshot{Status: "stopped"},
	}
}

// Events returns the bus dashboard notifications are published on.
func (m *Manager) Events() *eventbus.Bus { return m.bus }

// UpdateExecutionPlan replaces plan.tasks with normalized entries and
// recomputes the summary counters.
func (m *Manager) UpdateExecutionPlan(ctx context.Context, tasks []TaskView, currentIndex int) {
	m.mu.Lock()
	completed := 0
	for _, t := range tasks {
		if t.Status == "completed" {
			completed++
		}
	}
	m.snapshot.Plan = PlanSnapshot{Tasks: tasks, TotalTasks: len(tasks), CompletedTasks: completed, CurrentTaskIndex: currentIndex}
	plan := m.snapshot.Plan
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "plan:updated", Payload: PlanUpdated{Plan: plan}})
}

// UpdateExecution updates the active execution, recomputing duration against
// the current time.
func (m *Manager) UpdateExecution(ctx context.Context, phase, agent, task string, startTime time.Time) {
	m.mu.Lock()
	m.snapshot.Execution = ExecutionSnapshot{Phase: phase, Agent: agent, Task: task, StartTime: startTime, Duration: time.Since(startTime)}
	exec := m.snapshot.Execution
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "execution:updated", Payload: ExecutionUpdated{Execution: exec}})
}

// AddArtifact prepends art to a bounded list of 100, stamping id and phase.
func (m *Manager) AddArtifact(ctx context.Context, art Artifact) Artifact {
	m.mu.Lock()
	m.idSeq++
	art.ID = formatID(m.idSeq)
	art.Phase = m.snapshot.Execution.Phase
	m.snapshot.Artifacts = append([]Artifact{art}, m.snapshot.Artifacts...)
	if len(m.snapshot.Artifacts) > maxArtifacts {
		m.snapshot.Artifacts = m.snapshot.Artifacts[:maxArtifacts]
	}
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "artifact:added", Payload: ArtifactAdded{Artifact: art}})
	return art
}

func formatID(n int) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}

// addEvent prepends to a bounded 50-entry timeline.
func (m *Manager) addEvent(ctx context.Context, eventType, message string, data map[string]any) {
	m.mu.Lock()
	ev := TimelineEvent{Type: eventType, Message: message, Data: data, Timestamp: time.Now()}
	m.snapshot.Events = append([]TimelineEvent{ev}, m.snapshot.Events...)
	if len(m.snapshot.Events) > maxTimeline {
		m.snapshot.Events = m.snapshot.Events[:maxTimeline]
	}
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "event:added", Payload: EventAdded{Event: ev}})
}

func classifyContextStatus(pct float64) string {
	switch {
	case pct >= 95:
		return "emergency"
	case pct >= 85:
		return "critical"
	case pct >= 80:
		return "warning"
	default:
		return "ok"
	}
}

func (m *Manager) refresh(ctx context.Context) {
	if m.usage == nil {
		return
	}
	current, limit, err := m.usage.CurrentUsage(ctx)
	if err != nil || limit == 0 {
		return
	}
	pct := float64(current) / float64(limit) * 100
	var nextCheckpoint float64
	if pct < 85 {
		nextCheckpoint = float64(limit)*0.85 - float64(current)
	}
	ctxSnap := ContextSnapshot{Current: current, Limit: limit, Percentage: pct, Status: classifyContextStatus(pct), NextCheckpoint: nextCheckpoint}

	m.mu.Lock()
	m.snapshot.Context = ctxSnap
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "metrics:updated", Payload: MetricsUpdated{Context: ctxSnap}})
}

// GetState returns a deep copy of the current snapshot.
func (m *Manager) GetState() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snapshot
	out.Plan.Tasks = append([]TaskView{}, m.snapshot.Plan.Tasks...)
	out.Artifacts = append([]Artifact{}, m.snapshot.Artifacts...)
	out.Events = append([]TimelineEvent{}, m.snapshot.Events...)
	return out
}

// orchestratorSubscriber adapts external orchestrator events into Manager
// state updates.
type orchestratorSubscriber struct{ m *Manager }

func (s orchestratorSubscriber) HandleEvent(ctx context.Context, event eventbus.Event) error {
	s.m.mu.Lock()
	switch event.Type {
	case "orchestrator:execution:start":
		s.m.snapshot.Metrics.TotalOperations++
	case "orchestrator:execution:complete":
		s.m.snapshot.Metrics.SuccessfulOperations++
	case "orchestrator:execution:error":
		s.m.snapshot.Metrics.FailedOperations++
	}
	s.m.mu.Unlock()
	return nil
}

// Start marks the dashboard running, installs the refresh timer, and
// subscribes to external orchestrator events. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.snapshot.Status = "running"
	m.stop = make(chan struct{})
	stopCh := m.stop
	interval := m.updateInterval
	if interval <= 0 {
		interval = time.Minute
	}
	m.mu.Unlock()

	if m.external != nil {
		sub, err := m.external.Register(orchestratorSubscriber{m: m})
		if err == nil {
			m.mu.Lock()
			m.subscription = sub
			m.mu.Unlock()
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				m.refresh(ctx)
			}
		}
	}()
}

// Stop cancels the refresh timer and marks the dashboard stopped.
// Idempotent with Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.snapshot.Status = "stopped"
	close(m.stop)
	if m.subscription != nil {
		_ = m.subscription.Close()
		m.subscription = nil
	}
}
