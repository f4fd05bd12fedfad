// Package sessionregistry tracks coordination sessions, their parent/child
// hierarchy, active and completed delegations, and lazily-computed roll-up
// metrics across a session's descendants.
package sessionregistry

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/coordctl/internal/eventbus"
)

// HierarchyInfo locates a session within the session tree.
type HierarchyInfo struct {
	ParentSessionID string
	ChildSessionIDs []string
}

// RollupMetrics is roughly-maintained aggregate usage for a session.
// TotalAgentCount is 1 (the session itself) plus the count of all
// descendants; ChildSessionCount is the count of direct children only.
type RollupMetrics struct {
	TotalTokens       int
	TotalCost         float64
	QualityScore      float64
	TotalAgentCount   int
	ChildSessionCount int
}

// Delegation is a unit of work handed from one session to another.
type Delegation struct {
	ID          string
	Status      string
	Data        map[string]any
	CreatedAt   time.Time
	CompletedAt *time.Time
}

const maxCompletedDelegations = 50

// Session is a single coordination session record.
type Session struct {
	ID                  int
	Project             string
	Path                string
	SessionType         string
	Autonomous          bool
	OrchestratorInfo    map[string]any
	LogSessionID        string
	Status              string
	Hierarchy           HierarchyInfo
	ActiveDelegations   []Delegation
	CompletedDelegations []Delegation
	RollupMetrics       RollupMetrics
	Tokens              int
	Cost                float64
	QualityScore        float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RegisterInput is the caller-supplied set of fields for Register.
type RegisterInput struct {
	Project          string
	Path             string
	SessionType      string
	Autonomous       *bool
	OrchestratorInfo map[string]any
	LogSessionID     string
	ParentSessionID  string
	Tokens           int
	Cost             float64
	QualityScore     float64
}

// SessionRegistered is published on Register.
type SessionRegistered struct{ Session Session }

// SessionUpdated is published on Update.
type SessionUpdated struct {
	Session Session
	Changes map[string]any
}

// SessionChildAdded is published when a child session is registered under a
// parent.
type SessionChildAdded struct {
	ParentID int
	ChildID  int
}

// SessionDeregistered is published on Deregister.
type SessionDeregistered struct{ Session Session }

// DelegationAdded is published on AddDelegation.
type DelegationAdded struct {
	SessionID  int
	Delegation Delegation
}

// DelegationUpdated is published on UpdateDelegation.
type DelegationUpdated struct {
	SessionID    int
	DelegationID string
	OldStatus    string
	NewStatus    string
}

// RollupUpdated is published by PropagateMetricUpdate at each ancestor hop.
type RollupUpdated struct {
	SessionID       int
	SourceSessionID int
	MetricType      string
	Value           float64
}

// Registry owns every session record.
type Registry struct {
	mu           sync.RWMutex
	bus          *eventbus.Bus
	sessions     map[int]*Session
	nextID       int
	staleTimeout time.Duration
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		sessions:     make(map[int]*Session),
		bus:          eventbus.New(),
		nextID:       1,
		staleTimeout: time.Hour,
	}
}

// Events returns the bus session:* notifications are published on.
func (r *Registry) Events() *eventbus.Bus { return r.bus }

func deriveAutonomous(sessionType string, explicit *bool) bool {
	if explicit != nil {
		return *explicit
	}
	return sessionType != "cli"
}

// Register assigns a dense numeric id and inserts a new session.
func (r *Registry) Register(ctx context.Context, in RegisterInput) Session {
	r.mu.Lock()
	sessionType := in.SessionType
	if sessionType == "" {
		sessionType = "cli"
	}
	now := time.Now()
	id := r.nextID
	r.nextID++

	s := &Session{
		ID: id, Project: in.Project, Path: in.Path, SessionType: sessionType,
		Autonomous: deriveAutonomous(sessionType, in.Autonomous), OrchestratorInfo: in.OrchestratorInfo,
		LogSessionID: in.LogSessionID, Status: "active",
		Tokens: in.Tokens, Cost: in.Cost, QualityScore: in.QualityScore,
		CreatedAt: now, UpdatedAt: now,
	}

	var parentNotify *Session
	if in.ParentSessionID != "" {
		if pid, ok := parseSessionID(in.ParentSessionID); ok {
			if parent, ok := r.sessions[pid]; ok {
				s.Hierarchy.ParentSessionID = in.ParentSessionID
				parent.Hierarchy.ChildSessionIDs = append(parent.Hierarchy.ChildSessionIDs, formatSessionID(id))
				parent.RollupMetrics.ChildSessionCount++
				parentNotify = parent
			}
		}
	}
	r.sessions[id] = s
	out := cloneSession(s)
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, eventbus.Event{Type: "session:registered", Payload: SessionRegistered{Session: out}})
	if parentNotify != nil {
		_ = r.bus.Publish(ctx, eventbus.Event{Type: "session:childAdded", Payload: SessionChildAdded{ParentID: parentNotify.ID, ChildID: id}})
	}
	return out
}

func parseSessionID(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func formatSessionID(id int) string { return strconv.Itoa(id) }

// Update shallow-merges changes into id's session, preserving sessionType
// and logSessionId unless changes explicitly overwrite them. The hierarchy
// is never changed by Update.
func (r *Registry) Update(ctx context.Context, id int, changes map[string]any) (Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	applyChanges(s, changes)
	s.UpdatedAt = time.Now()
	out := cloneSession(s)
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, eventbus.Event{Type: "session:updated", Payload: SessionUpdated{Session: out, Changes: changes}})
	return out, true
}

func applyChanges(s *Session, changes map[string]any) {
	for k, v := range changes {
		switch k {
		case "status":
			if sv, ok := v.(string); ok {
				s.Status = sv
			}
		case "project":
			if sv, ok := v.(string); ok {
				s.Project = sv
			}
		case "path":
			if sv, ok := v.(string); ok {
				s.Path = sv
			}
		case "tokens":
			if iv, ok := v.(int); ok {
				s.Tokens = iv
			}
		case "cost":
			if fv, ok := v.(float64); ok {
				s.Cost = fv
			}
		case "qualityScore":
			if fv, ok := v.(float64); ok {
				s.QualityScore = fv
			}
		case "orchestratorInfo":
			if mv, ok := v.(map[string]any); ok {
				s.OrchestratorInfo = mv
			}
		case "sessionType":
			if sv, ok := v.(string); ok {
				s.SessionType = sv
			}
		case "logSessionId":
			if sv, ok := v.(string); ok {
				s.LogSessionID = sv
			}
		}
	}
}

// Deregister marks id ended and returns the final snapshot.
func (r *Registry) Deregister(ctx context.Context, id int) (Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	s.Status = "ended"
	s.UpdatedAt = time.Now()
	out := cloneSession(s)
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, eventbus.Event{Type: "session:deregistered", Payload: SessionDeregistered{Session: out}})
	return out, true
}

// AddDelegation creates a pending delegation under id.
func (r *Registry) AddDelegation(ctx context.Context, id int, data map[string]any) (Delegation, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Delegation{}, false
	}
	d := Delegation{ID: uuid.NewString(), Status: "pending", Data: data, CreatedAt: time.Now()}
	s.ActiveDelegations = append(s.ActiveDelegations, d)
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, eventbus.Event{Type: "delegation:added", Payload: DelegationAdded{SessionID: id, Delegation: d}})
	return d, true
}

func isTerminalDelegationStatus(status string) bool { return status == "completed" || status == "failed" }

// UpdateDelegation mutates delegationID's status. Terminal statuses move the
// delegation from active to completed (FIFO-pruned to 50).
func (r *Registry) UpdateDelegation(ctx context.Context, sessionID int, delegationID, status string, extra map[string]any) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	var old string
	idx := -1
	for i, d := range s.ActiveDelegations {
		if d.ID == delegationID {
			idx = i
			old = d.Status
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return false
	}
	d := s.ActiveDelegations[idx]
	d.Status = status
	for k, v := range extra {
		if d.Data == nil {
			d.Data = map[string]any{}
		}
		d.Data[k] = v
	}
	if isTerminalDelegationStatus(status) {
		now := time.Now()
		d.CompletedAt = &now
		s.ActiveDelegations = append(s.ActiveDelegations[:idx], s.ActiveDelegations[idx+1:]...)
		s.CompletedDelegations = append(s.CompletedDelegations, d)
		if len(s.CompletedDelegations) > maxCompletedDelegations {
			s.CompletedDelegations = s.CompletedDelegations[len(s.CompletedDelegations)-maxCompletedDelegations:]
		}
	} else {
		s.ActiveDelegations[idx] = d
	}
	r.mu.Unlock()

	_ = r.bus.Publish(ctx, eventbus.Event{Type: "delegation:updated", Payload: DelegationUpdated{SessionID: sessionID, DelegationID: delegationID, OldStatus: old, NewStatus: status}})
	return true
}

// GetCompletedDelegations returns id's completed delegations, most-recent
// first, optionally limited.
func (r *Registry) GetCompletedDelegations(id int, limit int) []Delegation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]Delegation, len(s.CompletedDelegations))
	for i, d := range s.CompletedDelegations {
		out[len(out)-1-i] = d
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// GetAllDelegations returns both active and completed delegations for id.
func (r *Registry) GetAllDelegations(id int) (active, completed []Delegation) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return append([]Delegation{}, s.ActiveDelegations...), append([]Delegation{}, s.CompletedDelegations...)
}

// GetRollupMetrics sums id's own metrics with those of every descendant
// session.
func (r *Registry) GetRollupMetrics(id int) (RollupMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	self, ok := r.sessions[id]
	if !ok {
		return RollupMetrics{}, false
	}
	totalTokens := self.Tokens
	totalCost := self.Cost
	qualitySum := 0.0
	qualityCount := 0
	if self.QualityScore > 0 {
		qualitySum += self.QualityScore
		qualityCount++
	}
	agentCount := 1

	var walk func(int)
	walk = func(sid int) {
		s, ok := r.sessions[sid]
		if !ok {
			return
		}
		for _, childStr := range s.Hierarchy.ChildSessionIDs {
			cid, ok := parseSessionID(childStr)
			if !ok {
				continue
			}
			child, ok := r.sessions[cid]
			if !ok {
				continue
			}
			totalTokens += child.Tokens
			totalCost += child.Cost
			if child.QualityScore > 0 {
				qualitySum += child.QualityScore
				qualityCount++
			}
			agentCount++
			walk(cid)
		}
	}
	walk(id)

	avgQuality := 0.0
	if qualityCount > 0 {
		avgQuality = qualitySum / float64(qualityCount)
	}
	return RollupMetrics{
		TotalTokens: totalTokens, TotalCost: totalCost, QualityScore: avgQuality,
		TotalAgentCount: agentCount, ChildSessionCount: self.RollupMetrics.ChildSessionCount,
	}, true
}

// PropagateMetricUpdate walks ancestor sessions up to the root, emitting
// session:rollupUpdated at each hop. It does not mutate any session; the
// rollup is always computed lazily by GetRollupMetrics.
func (r *Registry) PropagateMetricUpdate(ctx context.Context, sourceID int, metricType string, value float64) {
	r.mu.RLock()
	var chain []int
	cur, ok := r.sessions[sourceID]
	for ok {
		if cur.Hierarchy.ParentSessionID == "" {
			break
		}
		pid, ok2 := parseSessionID(cur.Hierarchy.ParentSessionID)
		if !ok2 {
			break
		}
		parent, ok3 := r.sessions[pid]
		if !ok3 {
			break
		}
		chain = append(chain, pid)
		cur = parent
		ok = true
	}
	r.mu.RUnlock()

	for _, sid := range chain {
		_ = r.bus.Publish(ctx, eventbus.Event{Type: "session:rollupUpdated", Payload: RollupUpdated{SessionID: sid, SourceSessionID: sourceID, MetricType: metricType, Value: value}})
	}
}

// GetRootSessions returns every session with no parent.
func (r *Registry) GetRootSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.Hierarchy.ParentSessionID == "" {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetParentSession returns id's parent, if any.
func (r *Registry) GetParentSession(id int) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.Hierarchy.ParentSessionID == "" {
		return Session{}, false
	}
	pid, ok := parseSessionID(s.Hierarchy.ParentSessionID)
	if !ok {
		return Session{}, false
	}
	p, ok := r.sessions[pid]
	if !ok {
		return Session{}, false
	}
	return cloneSession(p), true
}

// GetChildSessions returns id's direct children.
func (r *Registry) GetChildSessions(id int) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	var out []Session
	for _, cidStr := range s.Hierarchy.ChildSessionIDs {
		if cid, ok := parseSessionID(cidStr); ok {
			if c, ok := r.sessions[cid]; ok {
				out = append(out, cloneSession(c))
			}
		}
	}
	return out
}

// GetDescendants returns all descendants of id, depth-first.
func (r *Registry) GetDescendants(id int) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	var walk func(int)
	walk = func(sid int) {
		s, ok := r.sessions[sid]
		if !ok {
			return
		}
		for _, cidStr := range s.Hierarchy.ChildSessionIDs {
			if cid, ok := parseSessionID(cidStr); ok {
				if c, ok := r.sessions[cid]; ok {
					out = append(out, cloneSession(c))
					walk(cid)
				}
			}
		}
	}
	walk(id)
	return out
}

// GetHierarchy returns id's session alongside its child sessions.
func (r *Registry) GetHierarchy(id int) (Session, []Session, bool) {
	s, ok := r.GetSessionWithHierarchy(id)
	if !ok {
		return Session{}, nil, false
	}
	return s, r.GetChildSessions(id), true
}

// GetSessionWithHierarchy returns id's session.
func (r *Registry) GetSessionWithHierarchy(id int) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return cloneSession(s), true
}

// Summary is the plain getSummary() view.
type Summary struct {
	Total  int
	Active int
	Ended  int
}

// HierarchyMetrics decorates Summary with hierarchy-derived counts.
type HierarchyMetrics struct {
	RootSessionCount     int
	SessionsWithChildren int
}

// RootSessionView is one row of getSummaryWithHierarchy's root list.
type RootSessionView struct {
	ID         int
	ChildCount int
}

// GetSummary reports total/active/ended session counts.
func (r *Registry) GetSummary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{Total: len(r.sessions)}
	for _, sess := range r.sessions {
		if sess.Status == "ended" {
			s.Ended++
		} else {
			s.Active++
		}
	}
	return s
}

// GetSummaryWithHierarchy decorates GetSummary with hierarchy metrics and a
// root-session view.
func (r *Registry) GetSummaryWithHierarchy() (Summary, HierarchyMetrics, []RootSessionView) {
	summary := r.GetSummary()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var hm HierarchyMetrics
	var roots []RootSessionView
	for _, s := range r.sessions {
		if s.Hierarchy.ParentSessionID == "" {
			hm.RootSessionCount++
			roots = append(roots, RootSessionView{ID: s.ID, ChildCount: len(s.Hierarchy.ChildSessionIDs)})
		}
		if len(s.Hierarchy.ChildSessionIDs) > 0 {
			hm.SessionsWithChildren++
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return summary, hm, roots
}

// CleanupStale removes ended sessions quiet longer than staleTimeout.
func (r *Registry) CleanupStale() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.staleTimeout)
	var removed []int
	for id, s := range r.sessions {
		if s.Status == "ended" && s.UpdatedAt.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(r.sessions, id)
	}
	return removed
}

func cloneSession(s *Session) Session {
	out := *s
	out.Hierarchy.ChildSessionIDs = append([]string{}, s.Hierarchy.ChildSessionIDs...)
	out.ActiveDelegations = append([]Delegation{}, s.ActiveDelegations...)
	out.CompletedDelegations = append([]Delegation{}, s.CompletedDelegations...)
	return out
}
