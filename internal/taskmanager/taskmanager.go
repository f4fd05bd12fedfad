// Package taskmanager is the hierarchy engine for tasks: creation,
// decomposition-driven status aggregation, traversal, integrity checks, and
// atomic JSON persistence to a single file.
package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/coordctl/internal/atomicfile"
	"goa.design/coordctl/internal/eventbus"
)

// AggregationRule decides how a parent's progress is derived from its
// children's status.
type AggregationRule string

// The supported aggregation rules.
const (
	AggregationAverage  AggregationRule = "average"
	AggregationAll      AggregationRule = "all"
	AggregationAny      AggregationRule = "any"
	AggregationWeighted AggregationRule = "weighted"
)

// Decomposition tracks a task's subtask strategy and progress.
type Decomposition struct {
	Strategy           string
	EstimatedSubtasks  *int
	CompletedSubtasks  int
	AggregationRule    AggregationRule
}

// Delegation records which agent/session a task was handed to.
type Delegation struct {
	AgentID     string
	SessionID   string
	DelegatedAt time.Time
}

// Task is a single node in the task hierarchy.
type Task struct {
	ID              string
	ParentTaskID    string
	ChildTaskIDs    []string
	DelegationDepth int
	Phase           string
	Priority        string
	Tags            []string
	BacklogTier     string
	Status          string
	Progress        int
	Decomposition   *Decomposition
	DelegatedTo     *Delegation
	Weight          float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateInput is the caller-supplied fields for CreateTask / CreateSubtask.
type CreateInput struct {
	ID          string
	Phase       string
	Priority    string
	Tags        []string
	BacklogTier string
	Status      string
	Weight      float64
}

// SubtaskCreated is published by CreateSubtask.
type SubtaskCreated struct{ Parent, Subtask Task }

// HierarchyProgress is published whenever a status cascade updates a parent.
type HierarchyProgress struct {
	Parent         Task
	Progress       int
	CompletedCount int
}

// Delegated is published by DelegateToAgent.
type Delegated struct{ Task Task }

// Manager owns the task hierarchy and persists it as a single JSON file.
type Manager struct {
	mu        sync.Mutex
	bus       *eventbus.Bus
	tasks     map[string]*Task
	path      string
}

// New constructs a Manager backed by path. If path names an existing file,
// its contents are loaded.
func New(path string) (*Manager, error) {
	m := &Manager{tasks: make(map[string]*Task), bus: eventbus.New(), path: path}
	if path == "" {
		return m, nil
	}
	data, err := atomicfile.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: load: %w", err)
	}
	if data == nil {
		return m, nil
	}
	var tasks map[string]*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("taskmanager: decode: %w", err)
	}
	m.tasks = tasks
	return m, nil
}

// Events returns the bus task:* notifications are published on.
func (m *Manager) Events() *eventbus.Bus { return m.bus }

func (m *Manager) persistLocked() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("taskmanager: encode: %w", err)
	}
	return atomicfile.WriteFile(m.path, data, 0o644)
}

// CreateTask inserts a root task.
func (m *Manager) CreateTask(in CreateInput) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	status := in.Status
	if status == "" {
		status = "pending"
	}
	t := &Task{
		ID: id, ChildTaskIDs: []string{}, DelegationDepth: 0,
		Phase: in.Phase, Priority: in.Priority, Tags: in.Tags, BacklogTier: in.BacklogTier,
		Status: status, Weight: in.Weight, CreatedAt: now, UpdatedAt: now,
	}
	m.tasks[id] = t
	if err := m.persistLocked(); err != nil {
		return Task{}, err
	}
	return cloneTask(t), nil
}

// CreateSubtask inserts a child of parentID, inheriting phase/priority/tags/
// backlog tier unless overridden.
func (m *Manager) CreateSubtask(ctx context.Context, parentID string, overrides CreateInput) (Task, error) {
	m.mu.Lock()
	parent, ok := m.tasks[parentID]
	if !ok {
		m.mu.Unlock()
		return Task{}, errors.New("taskmanager: parent task not found")
	}

	id := overrides.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	phase, priority, backlog, tags := parent.Phase, parent.Priority, parent.BacklogTier, parent.Tags
	if overrides.Phase != "" {
		phase = overrides.Phase
	}
	if overrides.Priority != "" {
		priority = overrides.Priority
	}
	if overrides.BacklogTier != "" {
		backlog = overrides.BacklogTier
	}
	if len(overrides.Tags) > 0 {
		tags = overrides.Tags
	}
	status := overrides.Status
	if status == "" {
		status = "pending"
	}

	child := &Task{
		ID: id, ParentTaskID: parentID, ChildTaskIDs: []string{}, DelegationDepth: parent.DelegationDepth + 1,
		Phase: phase, Priority: priority, Tags: tags, BacklogTier: backlog,
		Status: status, Weight: overrides.Weight, CreatedAt: now, UpdatedAt: now,
	}
	m.tasks[id] = child
	parent.ChildTaskIDs = append(parent.ChildTaskIDs, id)
	if parent.Decomposition == nil {
		parent.Decomposition = &Decomposition{Strategy: "manual", AggregationRule: AggregationAverage}
	}
	parent.UpdatedAt = now
	err := m.persistLocked()
	parentOut, childOut := cloneTask(parent), cloneTask(child)
	m.mu.Unlock()
	if err != nil {
		return Task{}, err
	}

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "task:subtask-created", Payload: SubtaskCreated{Parent: parentOut, Subtask: childOut}})
	return childOut, nil
}

// UpdateStatus transitions id's status, cascading aggregation recomputation
// up the parent chain when the new status is "completed".
func (m *Manager) UpdateStatus(ctx context.Context, id, status string) (Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("taskmanager: task %q not found", id)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	var events []HierarchyProgress
	if status == "completed" && t.ParentTaskID != "" {
		m.cascadeLocked(t.ParentTaskID, &events)
	}
	err := m.persistLocked()
	out := cloneTask(t)
	m.mu.Unlock()
	if err != nil {
		return Task{}, err
	}

	for _, ev := range events {
		_ = m.bus.Publish(ctx, eventbus.Event{Type: "task:hierarchy-progress", Payload: ev})
	}
	return out, nil
}

func (m *Manager) cascadeLocked(parentID string, events *[]HierarchyProgress) {
	parent, ok := m.tasks[parentID]
	if !ok || parent.Decomposition == nil {
		return
	}
	completed, progress := recomputeProgress(parent, m.tasks)
	parent.Decomposition.CompletedSubtasks = completed
	parent.Progress = progress
	parent.UpdatedAt = time.Now()
	*events = append(*events, HierarchyProgress{Parent: cloneTask(parent), Progress: progress, CompletedCount: completed})

	if progress == 100 && parent.ParentTaskID != "" {
		parent.Status = "completed"
		m.cascadeLocked(parent.ParentTaskID, events)
	}
}

func recomputeProgress(parent *Task, all map[string]*Task) (completedCount, progress int) {
	children := make([]*Task, 0, len(parent.ChildTaskIDs))
	for _, cid := range parent.ChildTaskIDs {
		if c, ok := all[cid]; ok {
			children = append(children, c)
		}
	}
	if len(children) == 0 {
		return 0, parent.Progress
	}
	for _, c := range children {
		if c.Status == "completed" {
			completedCount++
		}
	}

	switch parent.Decomposition.AggregationRule {
	case AggregationAll:
		return completedCount, completedCount * 100 / len(children)
	case AggregationAny:
		if completedCount > 0 {
			return completedCount, 100
		}
		return completedCount, parent.Progress
	case AggregationWeighted:
		var totalWeight, doneWeight float64
		anyWeighted := false
		for _, c := range children {
			w := c.Weight
			if w == 0 {
				w = 1
			} else {
				anyWeighted = true
			}
			totalWeight += w
			if c.Status == "completed" {
				doneWeight += w
			}
		}
		_ = anyWeighted
		if totalWeight == 0 {
			return completedCount, parent.Progress
		}
		return completedCount, int(math.Round(doneWeight * 100 / totalWeight))
	default: // average
		return completedCount, completedCount * 100 / len(children)
	}
}

// SetDecomposition shallow-merges partial into id's decomposition.
func (m *Manager) SetDecomposition(id string, partial Decomposition) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	if t.Decomposition == nil {
		t.Decomposition = &Decomposition{AggregationRule: AggregationAverage}
	}
	if partial.Strategy != "" {
		t.Decomposition.Strategy = partial.Strategy
	}
	if partial.EstimatedSubtasks != nil {
		t.Decomposition.EstimatedSubtasks = partial.EstimatedSubtasks
	}
	if partial.AggregationRule != "" {
		t.Decomposition.AggregationRule = partial.AggregationRule
	}
	_ = m.persistLocked()
	return cloneTask(t), true
}

// DelegateToAgent records id's delegation target.
func (m *Manager) DelegateToAgent(ctx context.Context, id, agentID, sessionID string) (Task, bool) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, false
	}
	t.DelegatedTo = &Delegation{AgentID: agentID, SessionID: sessionID, DelegatedAt: time.Now()}
	t.UpdatedAt = time.Now()
	_ = m.persistLocked()
	out := cloneTask(t)
	m.mu.Unlock()

	_ = m.bus.Publish(ctx, eventbus.Event{Type: "task:delegated", Payload: Delegated{Task: out}})
	return out, true
}

// TaskNode is the recursive tree view returned by GetTaskHierarchy.
type TaskNode struct {
	Task     Task
	Children []TaskNode
}

// GetTaskHierarchy returns id's full subtree.
func (m *Manager) GetTaskHierarchy(id string) (TaskNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buildNodeLocked(id)
}

func (m *Manager) buildNodeLocked(id string) (TaskNode, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskNode{}, false
	}
	node := TaskNode{Task: cloneTask(t)}
	for _, cid := range t.ChildTaskIDs {
		if child, ok := m.buildNodeLocked(cid); ok {
			node.Children = append(node.Children, child)
		}
	}
	return node, true
}

// GetRootTask walks id's parent chain to the root.
func (m *Manager) GetRootTask(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	for t.ParentTaskID != "" {
		parent, ok := m.tasks[t.ParentTaskID]
		if !ok {
			break
		}
		t = parent
	}
	return cloneTask(t), true
}

// GetHierarchyAncestors returns id's ancestors in leaf-to-root order.
func (m *Manager) GetHierarchyAncestors(id string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	var out []Task
	for t.ParentTaskID != "" {
		parent, ok := m.tasks[t.ParentTaskID]
		if !ok {
			break
		}
		out = append(out, cloneTask(parent))
		t = parent
	}
	return out
}

// GetHierarchyDescendants returns all of id's descendants, flattened.
func (m *Manager) GetHierarchyDescendants(id string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	m.collectDescendantsLocked(id, &out)
	return out
}

func (m *Manager) collectDescendantsLocked(id string, out *[]Task) {
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	for _, cid := range t.ChildTaskIDs {
		if c, ok := m.tasks[cid]; ok {
			*out = append(*out, cloneTask(c))
			m.collectDescendantsLocked(cid, out)
		}
	}
}

// GetSiblings returns id's siblings, excluding itself.
func (m *Manager) GetSiblings(id string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.ParentTaskID == "" {
		return nil
	}
	parent, ok := m.tasks[t.ParentTaskID]
	if !ok {
		return nil
	}
	var out []Task
	for _, cid := range parent.ChildTaskIDs {
		if cid == id {
			continue
		}
		if c, ok := m.tasks[cid]; ok {
			out = append(out, cloneTask(c))
		}
	}
	return out
}

// CompleteTaskWithCascade completes id, and optionally every descendant too.
func (m *Manager) CompleteTaskWithCascade(ctx context.Context, id string, cascadeComplete bool) (int, error) {
	completedIDs := []string{id}
	if cascadeComplete {
		m.mu.Lock()
		var descendants []Task
		m.collectDescendantsLocked(id, &descendants)
		m.mu.Unlock()
		for _, d := range descendants {
			completedIDs = append(completedIDs, d.ID)
		}
	}
	// Deepest-first so parent aggregation sees already-updated children.
	for i := len(completedIDs) - 1; i >= 0; i-- {
		if _, err := m.UpdateStatus(ctx, completedIDs[i], "completed"); err != nil {
			return 0, err
		}
	}
	return len(completedIDs), nil
}

// DeleteTaskWithDescendants removes id's subtree deepest-first. Returns 0 for
// an unknown id.
func (m *Manager) DeleteTaskWithDescendants(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return 0
	}
	var ids []string
	m.collectIDsDeepestFirstLocked(id, &ids)
	for _, rid := range ids {
		if t, ok := m.tasks[rid]; ok && t.ParentTaskID != "" {
			if parent, ok := m.tasks[t.ParentTaskID]; ok {
				parent.ChildTaskIDs = removeString(parent.ChildTaskIDs, rid)
			}
		}
		delete(m.tasks, rid)
	}
	_ = m.persistLocked()
	return len(ids)
}

func (m *Manager) collectIDsDeepestFirstLocked(id string, out *[]string) {
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	for _, cid := range t.ChildTaskIDs {
		m.collectIDsDeepestFirstLocked(cid, out)
	}
	*out = append(*out, id)
}

// Issue describes one hierarchy-integrity violation.
type Issue struct {
	Type   string
	TaskID string
	Detail string
}

// ValidationReport is the result of ValidateHierarchy.
type ValidationReport struct {
	Valid      bool
	IssueCount int
	Issues     []Issue
}

// ValidateHierarchy checks every task's parent/child references and depth
// for consistency.
func (m *Manager) ValidateHierarchy() ValidationReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var issues []Issue
	for id, t := range m.tasks {
		if t.ParentTaskID != "" {
			parent, ok := m.tasks[t.ParentTaskID]
			if !ok {
				issues = append(issues, Issue{Type: "orphan", TaskID: id, Detail: "parent does not exist"})
				continue
			}
			if !containsString(parent.ChildTaskIDs, id) {
				issues = append(issues, Issue{Type: "missing-child-ref", TaskID: id, Detail: "parent does not list this task as a child"})
			}
			if t.DelegationDepth != parent.DelegationDepth+1 {
				issues = append(issues, Issue{Type: "depth-mismatch", TaskID: id, Detail: "depth does not equal parent depth + 1"})
			}
		}
		for _, cid := range t.ChildTaskIDs {
			child, ok := m.tasks[cid]
			if !ok {
				issues = append(issues, Issue{Type: "missing-child", TaskID: id, Detail: "child " + cid + " does not exist"})
				continue
			}
			if child.ParentTaskID != id {
				issues = append(issues, Issue{Type: "wrong-parent-ref", TaskID: cid, Detail: "child's parentTaskId does not point back to " + id})
			}
		}
	}
	return ValidationReport{Valid: len(issues) == 0, IssueCount: len(issues), Issues: issues}
}

// RepairHierarchy fixes every issue ValidateHierarchy would report and
// persists the result.
func (m *Manager) RepairHierarchy() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repairs := 0
	for id, t := range m.tasks {
		if t.ParentTaskID != "" {
			if _, ok := m.tasks[t.ParentTaskID]; !ok {
				t.ParentTaskID = ""
				t.DelegationDepth = 0
				repairs++
			}
		}
	}
	// Depth fixes repeat until stable so a corrected parent depth reaches
	// every level below it, whatever the map's iteration order.
	for pass := 0; pass <= len(m.tasks); pass++ {
		changed := false
		for _, t := range m.tasks {
			if t.ParentTaskID == "" {
				continue
			}
			parent := m.tasks[t.ParentTaskID]
			if parent != nil && t.DelegationDepth != parent.DelegationDepth+1 {
				t.DelegationDepth = parent.DelegationDepth + 1
				repairs++
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	for id, t := range m.tasks {
		var actualChildren []string
		for cid, c := range m.tasks {
			if c.ParentTaskID == id {
				actualChildren = append(actualChildren, cid)
			}
		}
		if !stringSlicesEqualAsSets(t.ChildTaskIDs, actualChildren) {
			t.ChildTaskIDs = actualChildren
			repairs++
		}
	}
	for id, t := range m.tasks {
		for _, cid := range t.ChildTaskIDs {
			if child, ok := m.tasks[cid]; ok && child.ParentTaskID != id {
				child.ParentTaskID = id
				repairs++
			}
		}
	}
	if err := m.persistLocked(); err != nil {
		return 0, err
	}
	return repairs, nil
}

// HierarchyStats summarizes shape metrics across the whole task set.
type HierarchyStats struct {
	RootTasks             int
	ParentTasks           int
	ChildTasks            int
	MaxDepth              int
	AvgChildrenPerParent  float64
}

// GetHierarchyStats computes aggregate shape metrics.
func (m *Manager) GetHierarchyStats() HierarchyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats HierarchyStats
	var totalChildrenOfParents int
	for _, t := range m.tasks {
		if t.ParentTaskID == "" {
			stats.RootTasks++
		} else {
			stats.ChildTasks++
		}
		if len(t.ChildTaskIDs) > 0 {
			stats.ParentTasks++
			totalChildrenOfParents += len(t.ChildTaskIDs)
		}
		if t.DelegationDepth > stats.MaxDepth {
			stats.MaxDepth = t.DelegationDepth
		}
	}
	if stats.ParentTasks > 0 {
		stats.AvgChildrenPerParent = float64(totalChildrenOfParents) / float64(stats.ParentTasks)
	}
	return stats
}

func cloneTask(t *Task) Task {
	out := *t
	out.ChildTaskIDs = append([]string{}, t.ChildTaskIDs...)
	out.Tags = append([]string{}, t.Tags...)
	if t.Decomposition != nil {
		d := *t.Decomposition
		out.Decomposition = &d
	}
	if t.DelegatedTo != nil {
		dt := *t.DelegatedTo
		out.DelegatedTo = &dt
	}
	return out
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

func containsString(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func stringSlicesEqualAsSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}
