package memory

import (
	"fmt"
	"sort"

	"bunkcore/pkg/domain"
)

type memoryState struct {
	sessions       map[domain.SessionID]domain.Session
	persons        map[domain.PersonID]domain.Person
	bunks          map[domain.BunkID]domain.Bunk
	requests       map[string]domain.BunkRequest
	lockGroups     map[string]domain.LockGroup
	assignments    map[string]domain.Assignment
	scenarios      map[string]domain.Scenario
	scenarioAssign map[string]domain.ScenarioAssignment
	scenarioEvents map[string][]domain.ScenarioEvent
	runs           map[string]domain.SolverRun
	friendGroups   map[string]domain.FriendGroup
	conflictNotes  map[string]domain.ConflictNote
}

// Snapshot captures a point-in-time clone of the store state. Composite keys
// are flattened to strings so every bucket round-trips through JSON.
type Snapshot struct {
	Sessions            map[domain.SessionID]domain.Session  `json:"sessions"`
	Persons             map[domain.PersonID]domain.Person    `json:"persons"`
	Bunks               map[domain.BunkID]domain.Bunk        `json:"bunks"`
	Requests            map[string]domain.BunkRequest        `json:"requests"`
	LockGroups          map[string]domain.LockGroup          `json:"lock_groups"`
	Assignments         map[string]domain.Assignment         `json:"assignments"`
	Scenarios           map[string]domain.Scenario           `json:"scenarios"`
	ScenarioAssignments map[string]domain.ScenarioAssignment `json:"scenario_assignments"`
	ScenarioEvents      map[string][]domain.ScenarioEvent    `json:"scenario_events"`
	Runs                map[string]domain.SolverRun          `json:"runs"`
	FriendGroups        map[string]domain.FriendGroup        `json:"friend_groups"`
	ConflictNotes       map[string]domain.ConflictNote       `json:"conflict_notes"`
}

// Buckets lists the snapshot buckets in persistence order.
var Buckets = []string{
	"sessions",
	"persons",
	"bunks",
	"requests",
	"lock_groups",
	"assignments",
	"scenarios",
	"scenario_assignments",
	"scenario_events",
	"runs",
	"friend_groups",
	"conflict_notes",
}

// Targets maps each bucket name to the snapshot field holding it so durable
// stores can encode and decode buckets without a per-bucket switch.
func (s *Snapshot) Targets() map[string]any {
	return map[string]any{
		"sessions":             &s.Sessions,
		"persons":              &s.Persons,
		"bunks":                &s.Bunks,
		"requests":             &s.Requests,
		"lock_groups":          &s.LockGroups,
		"assignments":          &s.Assignments,
		"scenarios":            &s.Scenarios,
		"scenario_assignments": &s.ScenarioAssignments,
		"scenario_events":      &s.ScenarioEvents,
		"runs":                 &s.Runs,
		"friend_groups":        &s.FriendGroups,
		"conflict_notes":       &s.ConflictNotes,
	}
}

func assignmentKey(k domain.AssignmentKey) string {
	return fmt.Sprintf("%d:%d:%d", k.PersonID, k.SessionID, k.Year)
}

func scenarioAssignmentKey(scenarioID string, person domain.PersonID) string {
	return fmt.Sprintf("%s:%d", scenarioID, person)
}

func newMemoryState() memoryState {
	return memoryState{
		sessions:       make(map[domain.SessionID]domain.Session),
		persons:        make(map[domain.PersonID]domain.Person),
		bunks:          make(map[domain.BunkID]domain.Bunk),
		requests:       make(map[string]domain.BunkRequest),
		lockGroups:     make(map[string]domain.LockGroup),
		assignments:    make(map[string]domain.Assignment),
		scenarios:      make(map[string]domain.Scenario),
		scenarioAssign: make(map[string]domain.ScenarioAssignment),
		scenarioEvents: make(map[string][]domain.ScenarioEvent),
		runs:           make(map[string]domain.SolverRun),
		friendGroups:   make(map[string]domain.FriendGroup),
		conflictNotes:  make(map[string]domain.ConflictNote),
	}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.persons {
		out.persons[k] = clonePerson(v)
	}
	for k, v := range s.bunks {
		out.bunks[k] = v
	}
	for k, v := range s.requests {
		out.requests[k] = cloneRequest(v)
	}
	for k, v := range s.lockGroups {
		out.lockGroups[k] = cloneLockGroup(v)
	}
	for k, v := range s.assignments {
		out.assignments[k] = v
	}
	for k, v := range s.scenarios {
		out.scenarios[k] = v
	}
	for k, v := range s.scenarioAssign {
		out.scenarioAssign[k] = cloneScenarioAssignment(v)
	}
	for k, v := range s.scenarioEvents {
		out.scenarioEvents[k] = cloneEvents(v)
	}
	for k, v := range s.runs {
		out.runs[k] = cloneRun(v)
	}
	for k, v := range s.friendGroups {
		out.friendGroups[k] = cloneFriendGroup(v)
	}
	for k, v := range s.conflictNotes {
		out.conflictNotes[k] = v
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Sessions:            c.sessions,
		Persons:             c.persons,
		Bunks:               c.bunks,
		Requests:            c.requests,
		LockGroups:          c.lockGroups,
		Assignments:         c.assignments,
		Scenarios:           c.scenarios,
		ScenarioAssignments: c.scenarioAssign,
		ScenarioEvents:      c.scenarioEvents,
		Runs:                c.runs,
		FriendGroups:        c.friendGroups,
		ConflictNotes:       c.conflictNotes,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		sessions:       s.Sessions,
		persons:        s.Persons,
		bunks:          s.Bunks,
		requests:       s.Requests,
		lockGroups:     s.LockGroups,
		assignments:    s.Assignments,
		scenarios:      s.Scenarios,
		scenarioAssign: s.ScenarioAssignments,
		scenarioEvents: s.ScenarioEvents,
		runs:           s.Runs,
		friendGroups:   s.FriendGroups,
		conflictNotes:  s.ConflictNotes,
	}
	return state.clone()
}

// migrateSnapshot fills missing buckets and drops records whose references no
// longer exist, so older snapshots load cleanly.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Sessions == nil {
		snapshot.Sessions = map[domain.SessionID]domain.Session{}
	}
	if snapshot.Persons == nil {
		snapshot.Persons = map[domain.PersonID]domain.Person{}
	}
	if snapshot.Bunks == nil {
		snapshot.Bunks = map[domain.BunkID]domain.Bunk{}
	}
	if snapshot.Requests == nil {
		snapshot.Requests = map[string]domain.BunkRequest{}
	}
	if snapshot.LockGroups == nil {
		snapshot.LockGroups = map[string]domain.LockGroup{}
	}
	if snapshot.Assignments == nil {
		snapshot.Assignments = map[string]domain.Assignment{}
	}
	if snapshot.Scenarios == nil {
		snapshot.Scenarios = map[string]domain.Scenario{}
	}
	if snapshot.ScenarioAssignments == nil {
		snapshot.ScenarioAssignments = map[string]domain.ScenarioAssignment{}
	}
	if snapshot.ScenarioEvents == nil {
		snapshot.ScenarioEvents = map[string][]domain.ScenarioEvent{}
	}
	if snapshot.Runs == nil {
		snapshot.Runs = map[string]domain.SolverRun{}
	}
	if snapshot.FriendGroups == nil {
		snapshot.FriendGroups = map[string]domain.FriendGroup{}
	}
	if snapshot.ConflictNotes == nil {
		snapshot.ConflictNotes = map[string]domain.ConflictNote{}
	}

	for id, bunk := range snapshot.Bunks {
		if bunk.Capacity <= 0 {
			bunk.Capacity = 1
			snapshot.Bunks[id] = bunk
		}
	}
	for key, a := range snapshot.Assignments {
		if _, ok := snapshot.Persons[a.PersonID]; !ok {
			delete(snapshot.Assignments, key)
			continue
		}
		if _, ok := snapshot.Bunks[a.BunkID]; !ok {
			delete(snapshot.Assignments, key)
		}
	}
	for key, sa := range snapshot.ScenarioAssignments {
		if _, ok := snapshot.Scenarios[sa.ScenarioID]; !ok {
			delete(snapshot.ScenarioAssignments, key)
		}
	}
	for id := range snapshot.ScenarioEvents {
		if _, ok := snapshot.Scenarios[id]; !ok {
			delete(snapshot.ScenarioEvents, id)
		}
	}
	for id, req := range snapshot.Requests {
		if req.Priority != 0 {
			req.Priority = domain.ClampPriority(req.Priority)
		}
		req.ConfidenceScore = domain.ClampConfidence(req.ConfidenceScore)
		snapshot.Requests[id] = req
	}
	return snapshot
}

func clonePerson(p domain.Person) domain.Person {
	p.PriorBunkmates = append([]domain.PersonID(nil), p.PriorBunkmates...)
	return p
}

func cloneRequest(r domain.BunkRequest) domain.BunkRequest {
	r.ReviewReasons = append([]string(nil), r.ReviewReasons...)
	m := r.Metadata
	m.Keywords = append([]string(nil), m.Keywords...)
	m.SourceFields = append([]domain.SourceField(nil), m.SourceFields...)
	m.Sources = append([]domain.RequestSource(nil), m.Sources...)
	m.Candidates = append([]domain.CandidateMatch(nil), m.Candidates...)
	m.DroppedDuplicates = append([]domain.DroppedDuplicate(nil), m.DroppedDuplicates...)
	m.HistoricalNames = append([]string(nil), m.HistoricalNames...)
	if m.Spread != nil {
		spread := *m.Spread
		m.Spread = &spread
	}
	r.Metadata = m
	return r
}

func cloneBunkPtr(id *domain.BunkID) *domain.BunkID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneLockGroup(g domain.LockGroup) domain.LockGroup {
	g.Members = append([]domain.PersonID(nil), g.Members...)
	g.BunkID = cloneBunkPtr(g.BunkID)
	return g
}

func cloneScenarioAssignment(a domain.ScenarioAssignment) domain.ScenarioAssignment {
	a.BunkID = cloneBunkPtr(a.BunkID)
	return a
}

func cloneEvents(events []domain.ScenarioEvent) []domain.ScenarioEvent {
	out := make([]domain.ScenarioEvent, len(events))
	for i, e := range events {
		e.FromBunk = cloneBunkPtr(e.FromBunk)
		e.ToBunk = cloneBunkPtr(e.ToBunk)
		out[i] = e
	}
	return out
}

func cloneRun(r domain.SolverRun) domain.SolverRun {
	if r.Result != nil {
		res := *r.Result
		res.Assignments = append([]domain.Placement(nil), res.Assignments...)
		res.Stats.Infeasible = append([]string(nil), res.Stats.Infeasible...)
		d := res.Diagnostics
		d.SatisfiedSoft = append([]string(nil), d.SatisfiedSoft...)
		d.ViolatedSoft = append([]string(nil), d.ViolatedSoft...)
		d.InfeasibleHard = append([]string(nil), d.InfeasibleHard...)
		d.Relaxed = append([]string(nil), d.Relaxed...)
		d.Warnings = append([]string(nil), d.Warnings...)
		res.Diagnostics = d
		r.Result = &res
	}
	r.StartedAt = cloneTime(r.StartedAt)
	r.FinishedAt = cloneTime(r.FinishedAt)
	r.AppliedAt = cloneTime(r.AppliedAt)
	return r
}

func cloneFriendGroup(g domain.FriendGroup) domain.FriendGroup {
	g.Members = append([]domain.PersonID(nil), g.Members...)
	return g
}

func sortRequests(out []domain.BunkRequest) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RequesterID != b.RequesterID {
			return a.RequesterID < b.RequesterID
		}
		if a.RequesteeID != b.RequesteeID {
			return a.RequesteeID < b.RequesteeID
		}
		if a.RequestType != b.RequestType {
			return a.RequestType < b.RequestType
		}
		return a.ID < b.ID
	})
}
