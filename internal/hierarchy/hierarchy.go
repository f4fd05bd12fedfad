// Package hierarchy maintains the parent/child agent and delegation graph,
// enforcing depth and fan-out limits and forbidding cycles. State lives
// entirely in memory, indexed by opaque identifier; cross-references never
// hold pointers, only ids, so pruning a subtree cannot leave dangling
// references into freed nodes.
package hierarchy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/coordctl/internal/eventbus"
)

// Limits bounds the shape of the hierarchy.
type Limits struct {
	MaxChildren int
	MaxDepth    int
}

// DefaultLimits matches the common coordination-plane ceilings.
var DefaultLimits = Limits{MaxChildren: 8, MaxDepth: 5}

// Node is a single agent in the hierarchy graph.
type Node struct {
	ID        string
	ParentID  string
	Depth     int
	Children  []string
	Status    DelegationStatus
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DelegationStatus tracks a delegation's lifecycle.
type DelegationStatus string

// The complete set of delegation statuses.
const (
	DelegationPending   DelegationStatus = "pending"
	DelegationActive    DelegationStatus = "active"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationCancelled DelegationStatus = "cancelled"
)

func isTerminalDelegation(s DelegationStatus) bool {
	return s == DelegationCompleted || s == DelegationFailed || s == DelegationCancelled
}

// Delegation is an association between a parent and child agent for a task.
type Delegation struct {
	ID              string
	ParentAgentID   string
	ChildAgentID    string
	TaskID          string
	Status          DelegationStatus
	CreatedAt       time.Time
	CompletedAt     *time.Time
	Result          any
	Error           string
}

// CanDelegateReport answers "can this agent delegate further?".
type CanDelegateReport struct {
	CanDelegate       bool
	Reason            string
	RemainingDepth    int
	RemainingChildren int
}

// Registry is the in-memory hierarchy graph. Safe for concurrent use; all
// mutating operations are serialized by mu.
type Registry struct {
	limits      Limits
	bus         *eventbus.Bus
	mu          sync.RWMutex
	nodes       map[string]*Node
	roots       map[string]struct{}
	byDepth     map[int]map[string]struct{}
	byStatus    map[DelegationStatus]map[string]struct{}
	delegations map[string]*Delegation
}

// New constructs an empty Registry.
func New(limits Limits) *Registry {
	return &Registry{
		limits:      limits,
		bus:         eventbus.New(),
		nodes:       make(map[string]*Node),
		roots:       make(map[string]struct{}),
		byDepth:     make(map[int]map[string]struct{}),
		byStatus:    make(map[DelegationStatus]map[string]struct{}),
		delegations: make(map[string]*Delegation),
	}
}

// Events returns the bus registration/pruning/delegation notifications are
// published on.
func (r *Registry) Events() *eventbus.Bus { return r.bus }

// HierarchyRegistered is published on successful RegisterHierarchy.
type HierarchyRegistered struct{ Node Node }

// HierarchyPruned is published on successful PruneHierarchy.
type HierarchyPruned struct{ RootID string; RemovedIDs []string }

// DelegationUpdated is published on UpdateDelegationStatus.
type DelegationUpdated struct {
	Delegation Delegation
	OldStatus  DelegationStatus
	NewStatus  DelegationStatus
}

// NodeStatusChanged is published on UpdateNodeStatus.
type NodeStatusChanged struct {
	AgentID   string
	OldStatus DelegationStatus
	NewStatus DelegationStatus
}

// RegisterHierarchy registers childID under parentID (or as a root when
// parentID is empty). Fails if the child already exists, the parent is
// unknown, the parent is already at MaxChildren, the resulting depth would
// exceed MaxDepth, or the registration would create a cycle.
func (r *Registry) RegisterHierarchy(ctx context.Context, parentID, childID string, metadata map[string]any) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[childID]; exists {
		return Node{}, fmt.Errorf("hierarchy: agent %q already registered", childID)
	}

	depth := 0
	var parent *Node
	if parentID != "" {
		p, ok := r.nodes[parentID]
		if !ok {
			return Node{}, fmt.Errorf("hierarchy: parent %q not found", parentID)
		}
		parent = p
		if len(parent.Children) >= r.limits.MaxChildren {
			return Node{}, fmt.Errorf("hierarchy: parent %q at max children (%d)", parentID, r.limits.MaxChildren)
		}
		depth = parent.Depth + 1
		if depth > r.limits.MaxDepth {
			return Node{}, fmt.Errorf("hierarchy: depth %d exceeds max depth %d", depth, r.limits.MaxDepth)
		}
		if r.wouldCreateCycleLocked(parentID, childID) {
			return Node{}, fmt.Errorf("hierarchy: registering %q under %q would create a cycle", childID, parentID)
		}
	}

	now := time.Now()
	node := &Node{
		ID: childID, ParentID: parentID, Depth: depth,
		Status: DelegationPending, Metadata: metadata, CreatedAt: now, UpdatedAt: now,
	}
	r.nodes[childID] = node
	r.indexLocked(node)
	if parent != nil {
		parent.Children = append(parent.Children, childID)
		parent.UpdatedAt = now
	} else {
		r.roots[childID] = struct{}{}
	}

	out := *node
	_ = r.bus.Publish(ctx, eventbus.Event{Type: "hierarchy:registered", Payload: HierarchyRegistered{Node: out}})
	return out, nil
}

// wouldCreateCycleLocked walks candidate's would-be ancestor chain (starting
// at ancestor) looking for candidate's own id.
func (r *Registry) wouldCreateCycleLocked(ancestor, candidate string) bool {
	seen := map[string]bool{}
	cur := ancestor
	for cur != "" {
		if cur == candidate {
			return true
		}
		if seen[cur] {
			return true // defensive: existing corruption, treat as cycle
		}
		seen[cur] = true
		n, ok := r.nodes[cur]
		if !ok {
			break
		}
		cur = n.ParentID
	}
	return false
}

func (r *Registry) indexLocked(n *Node) {
	if r.byDepth[n.Depth] == nil {
		r.byDepth[n.Depth] = make(map[string]struct{})
	}
	r.byDepth[n.Depth][n.ID] = struct{}{}
	if r.byStatus[n.Status] == nil {
		r.byStatus[n.Status] = make(map[string]struct{})
	}
	r.byStatus[n.Status][n.ID] = struct{}{}
}

func (r *Registry) unindexLocked(n *Node) {
	delete(r.byDepth[n.Depth], n.ID)
	delete(r.byStatus[n.Status], n.ID)
}

// UpdateNodeStatus updates agentID's status index. Unknown agents are
// ignored (no error), per spec.
func (r *Registry) UpdateNodeStatus(ctx context.Context, agentID string, status DelegationStatus) {
	r.mu.Lock()
	n, ok := r.nodes[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	old := n.Status
	delete(r.byStatus[old], agentID)
	n.Status = status
	n.UpdatedAt = time.Now()
	if r.byStatus[status] == nil {
		r.byStatus[status] = make(map[string]struct{})
	}
	r.byStatus[status][agentID] = struct{}{}
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, eventbus.Event{Type: "node:statusChanged", Payload: NodeStatusChanged{AgentID: agentID, OldStatus: old, NewStatus: status}})
}

// RegisterDelegation registers a new delegation with initial status
// "pending". Fails if id is already registered.
func (r *Registry) RegisterDelegation(id string, parentAgentID, childAgentID, taskID string) (Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.delegations[id]; exists {
		return Delegation{}, fmt.Errorf("hierarchy: delegation %q already registered", id)
	}
	d := &Delegation{
		ID: id, ParentAgentID: parentAgentID, ChildAgentID: childAgentID, TaskID: taskID,
		Status: DelegationPending, CreatedAt: time.Now(),
	}
	r.delegations[id] = d
	return *d, nil
}

// UpdateDelegationStatus transitions a delegation's status, stamping
// CompletedAt when the new status is terminal.
func (r *Registry) UpdateDelegationStatus(ctx context.Context, id string, status DelegationStatus, result any, errMsg string) (Delegation, error) {
	r.mu.Lock()
	d, ok := r.delegations[id]
	if !ok {
		r.mu.Unlock()
		return Delegation{}, fmt.Errorf("hierarchy: delegation %q not found", id)
	}
	old := d.Status
	d.Status = status
	if result != nil {
		d.Result = result
	}
	if errMsg != "" {
		d.Error = errMsg
	}
	if isTerminalDelegation(status) {
		now := time.Now()
		d.CompletedAt = &now
	}
	out := *d
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, eventbus.Event{Type: "delegation:updated", Payload: DelegationUpdated{Delegation: out, OldStatus: old, NewStatus: status}})
	return out, nil
}

// GetHierarchy returns a copy of id's node, or false if id is unknown. The
// node's Children holds the ids of its direct children only; descendant
// nodes are not included.
func (r *Registry) GetHierarchy(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(n), true
}

// GetAncestors returns id's ancestors in leaf-to-root order (not including
// id).
func (r *Registry) GetAncestors(id string) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Node
	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	cur := n.ParentID
	for cur != "" {
		p, ok := r.nodes[cur]
		if !ok {
			break
		}
		out = append(out, cloneNode(p))
		cur = p.ParentID
	}
	return out
}

// GetDescendants returns all descendants of id, depth-first.
func (r *Registry) GetDescendants(id string) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Node
	r.collectDescendantsLocked(id, &out)
	return out
}

func (r *Registry) collectDescendantsLocked(id string, out *[]Node) {
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	for _, childID := range n.Children {
		if child, ok := r.nodes[childID]; ok {
			*out = append(*out, cloneNode(child))
			r.collectDescendantsLocked(childID, out)
		}
	}
}

// FindCommonAncestor returns the nearest common ancestor id of a and b, or
// "" if unrelated.
func (r *Registry) FindCommonAncestor(a, b string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ancestorsOf := func(id string) map[string]int {
		out := map[string]int{id: 0}
		cur := id
		depth := 0
		for {
			n, ok := r.nodes[cur]
			if !ok || n.ParentID == "" {
				break
			}
			depth++
			out[n.ParentID] = depth
			cur = n.ParentID
		}
		return out
	}
	aChain := ancestorsOf(a)
	cur := b
	for {
		if _, ok := aChain[cur]; ok {
			return cur
		}
		n, ok := r.nodes[cur]
		if !ok || n.ParentID == "" {
			return ""
		}
		cur = n.ParentID
	}
}

// GetChildren returns id's direct children.
func (r *Registry) GetChildren(id string) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Node, 0, len(n.Children))
	for _, cid := range n.Children {
		if c, ok := r.nodes[cid]; ok {
			out = append(out, cloneNode(c))
		}
	}
	return out
}

// GetByDepth returns every node at depth.
func (r *Registry) GetByDepth(depth int) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectIndexedLocked(r.byDepth[depth])
}

// GetByStatus returns every node with the given status.
func (r *Registry) GetByStatus(status DelegationStatus) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectIndexedLocked(r.byStatus[status])
}

func (r *Registry) collectIndexedLocked(ids map[string]struct{}) []Node {
	out := make([]Node, 0, len(ids))
	for id := range ids {
		if n, ok := r.nodes[id]; ok {
			out = append(out, cloneNode(n))
		}
	}
	return out
}

// PruneResult reports what PruneHierarchy removed.
type PruneResult struct {
	Pruned      bool
	RemovedNodes []string
}

// PruneHierarchy removes id and every descendant, cleaning all indexes and
// detaching id from its parent's child set.
func (r *Registry) PruneHierarchy(ctx context.Context, id string) PruneResult {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return PruneResult{Pruned: false}
	}

	var toRemove []string
	r.collectIDsLocked(id, &toRemove)

	for _, rid := range toRemove {
		if node, ok := r.nodes[rid]; ok {
			r.unindexLocked(node)
			delete(r.nodes, rid)
		}
	}
	delete(r.roots, id)
	if n.ParentID != "" {
		if parent, ok := r.nodes[n.ParentID]; ok {
			parent.Children = removeString(parent.Children, id)
		}
	}
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, eventbus.Event{Type: "hierarchy:pruned", Payload: HierarchyPruned{RootID: id, RemovedIDs: toRemove}})
	return PruneResult{Pruned: true, RemovedNodes: toRemove}
}

func (r *Registry) collectIDsLocked(id string, out *[]string) {
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	*out = append(*out, id)
	for _, cid := range n.Children {
		r.collectIDsLocked(cid, out)
	}
}

// CanDelegate reports whether id may delegate further given current limits.
func (r *Registry) CanDelegate(id string) CanDelegateReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return CanDelegateReport{CanDelegate: false, Reason: "agent not found"}
	}
	remainingDepth := r.limits.MaxDepth - n.Depth
	remainingChildren := r.limits.MaxChildren - len(n.Children)
	if remainingDepth <= 0 {
		return CanDelegateReport{CanDelegate: false, Reason: "max depth reached", RemainingDepth: remainingDepth, RemainingChildren: remainingChildren}
	}
	if remainingChildren <= 0 {
		return CanDelegateReport{CanDelegate: false, Reason: "max children reached", RemainingDepth: remainingDepth, RemainingChildren: remainingChildren}
	}
	return CanDelegateReport{CanDelegate: true, RemainingDepth: remainingDepth, RemainingChildren: remainingChildren}
}

// ExportedState is the full round-trippable state of a Registry.
type ExportedState struct {
	Nodes       []Node
	Delegations []Delegation
}

// ExportState captures every node and delegation.
func (r *Registry) ExportState() ExportedState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := ExportedState{}
	for _, n := range r.nodes {
		out.Nodes = append(out.Nodes, cloneNode(n))
	}
	for _, d := range r.delegations {
		out.Delegations = append(out.Delegations, *d)
	}
	return out
}

// ImportState rebuilds a Registry's nodes, delegations, and indexes from a
// previously exported state. Replaces any existing state.
func (r *Registry) ImportState(state ExportedState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]*Node, len(state.Nodes))
	r.roots = make(map[string]struct{})
	r.byDepth = make(map[int]map[string]struct{})
	r.byStatus = make(map[DelegationStatus]map[string]struct{})
	r.delegations = make(map[string]*Delegation, len(state.Delegations))

	for i := range state.Nodes {
		n := state.Nodes[i]
		nc := n
		r.nodes[n.ID] = &nc
	}
	for id, n := range r.nodes {
		r.indexLocked(n)
		if n.ParentID == "" {
			r.roots[id] = struct{}{}
		}
	}
	for i := range state.Delegations {
		d := state.Delegations[i]
		r.delegations[d.ID] = &d
	}
}

func cloneNode(n *Node) Node {
	out := *n
	out.Children = append([]string{}, n.Children...)
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
