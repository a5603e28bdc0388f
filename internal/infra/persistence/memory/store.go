// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bunkcore/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the clock, mainly for deterministic tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

type transaction struct {
	state   memoryState
	changes []domain.Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) domain.TransactionView {
	return transactionView{state: state}
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() domain.TransactionView {
	return newTransactionView(&tx.state)
}

// CreateSession stores a new session.
func (tx *transaction) CreateSession(sess domain.Session) (domain.Session, error) {
	if sess.ID == 0 {
		return domain.Session{}, fmt.Errorf("session id is required")
	}
	if _, exists := tx.state.sessions[sess.ID]; exists {
		return domain.Session{}, fmt.Errorf("session %d already exists", sess.ID)
	}
	tx.state.sessions[sess.ID] = sess
	tx.recordChange(domain.Change{Entity: domain.EntitySession, Action: domain.ActionCreate, After: sess})
	return sess, nil
}

// CreatePerson stores a new camper in an existing session.
func (tx *transaction) CreatePerson(p domain.Person) (domain.Person, error) {
	if p.ID <= 0 {
		return domain.Person{}, fmt.Errorf("person id must be positive")
	}
	if _, exists := tx.state.persons[p.ID]; exists {
		return domain.Person{}, fmt.Errorf("person %d already exists", p.ID)
	}
	if _, ok := tx.state.sessions[p.SessionID]; !ok {
		return domain.Person{}, domain.ErrNotFound{Entity: domain.EntitySession, ID: fmt.Sprint(p.SessionID)}
	}
	tx.state.persons[p.ID] = clonePerson(p)
	tx.recordChange(domain.Change{Entity: domain.EntityPerson, Action: domain.ActionCreate, After: clonePerson(p)})
	return clonePerson(p), nil
}

// UpdatePerson mutates a camper using the provided mutator function.
func (tx *transaction) UpdatePerson(id domain.PersonID, mutator func(*domain.Person) error) (domain.Person, error) {
	current, ok := tx.state.persons[id]
	if !ok {
		return domain.Person{}, domain.ErrNotFound{Entity: domain.EntityPerson, ID: fmt.Sprint(id)}
	}
	before := clonePerson(current)
	if err := mutator(&current); err != nil {
		return domain.Person{}, err
	}
	current.ID = id
	tx.state.persons[id] = clonePerson(current)
	tx.recordChange(domain.Change{Entity: domain.EntityPerson, Action: domain.ActionUpdate, Before: before, After: clonePerson(current)})
	return clonePerson(current), nil
}

// CreateBunk stores a new bunk in an existing session.
func (tx *transaction) CreateBunk(b domain.Bunk) (domain.Bunk, error) {
	if b.ID <= 0 {
		return domain.Bunk{}, fmt.Errorf("bunk id must be positive")
	}
	if _, exists := tx.state.bunks[b.ID]; exists {
		return domain.Bunk{}, fmt.Errorf("bunk %d already exists", b.ID)
	}
	if _, ok := tx.state.sessions[b.SessionID]; !ok {
		return domain.Bunk{}, domain.ErrNotFound{Entity: domain.EntitySession, ID: fmt.Sprint(b.SessionID)}
	}
	if b.Capacity <= 0 {
		return domain.Bunk{}, fmt.Errorf("bunk %d capacity must be positive", b.ID)
	}
	tx.state.bunks[b.ID] = b
	tx.recordChange(domain.Change{Entity: domain.EntityBunk, Action: domain.ActionCreate, After: b})
	return b, nil
}

// UpdateBunk mutates a bunk.
func (tx *transaction) UpdateBunk(id domain.BunkID, mutator func(*domain.Bunk) error) (domain.Bunk, error) {
	current, ok := tx.state.bunks[id]
	if !ok {
		return domain.Bunk{}, domain.ErrNotFound{Entity: domain.EntityBunk, ID: fmt.Sprint(id)}
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Bunk{}, err
	}
	current.ID = id
	tx.state.bunks[id] = current
	tx.recordChange(domain.Change{Entity: domain.EntityBunk, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateRequest stores a new bunk request.
func (tx *transaction) CreateRequest(r domain.BunkRequest) (domain.BunkRequest, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := tx.state.requests[r.ID]; exists {
		return domain.BunkRequest{}, fmt.Errorf("request %q already exists", r.ID)
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.requests[r.ID] = cloneRequest(r)
	tx.recordChange(domain.Change{Entity: domain.EntityBunkRequest, Action: domain.ActionCreate, After: cloneRequest(r)})
	return cloneRequest(r), nil
}

// UpdateRequest mutates a request.
func (tx *transaction) UpdateRequest(id string, mutator func(*domain.BunkRequest) error) (domain.BunkRequest, error) {
	current, ok := tx.state.requests[id]
	if !ok {
		return domain.BunkRequest{}, domain.ErrNotFound{Entity: domain.EntityBunkRequest, ID: id}
	}
	before := cloneRequest(current)
	if err := mutator(&current); err != nil {
		return domain.BunkRequest{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.requests[id] = cloneRequest(current)
	tx.recordChange(domain.Change{Entity: domain.EntityBunkRequest, Action: domain.ActionUpdate, Before: before, After: cloneRequest(current)})
	return cloneRequest(current), nil
}

// CreateLockGroup stores a staff lock group.
func (tx *transaction) CreateLockGroup(g domain.LockGroup) (domain.LockGroup, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if _, exists := tx.state.lockGroups[g.ID]; exists {
		return domain.LockGroup{}, fmt.Errorf("lock group %q already exists", g.ID)
	}
	if g.BunkID != nil {
		if _, ok := tx.state.bunks[*g.BunkID]; !ok {
			return domain.LockGroup{}, domain.ErrNotFound{Entity: domain.EntityBunk, ID: fmt.Sprint(*g.BunkID)}
		}
	}
	g.CreatedAt = tx.now
	g.UpdatedAt = tx.now
	tx.state.lockGroups[g.ID] = cloneLockGroup(g)
	tx.recordChange(domain.Change{Entity: domain.EntityLockGroup, Action: domain.ActionCreate, After: cloneLockGroup(g)})
	return cloneLockGroup(g), nil
}

// UpdateLockGroup mutates a lock group.
func (tx *transaction) UpdateLockGroup(id string, mutator func(*domain.LockGroup) error) (domain.LockGroup, error) {
	current, ok := tx.state.lockGroups[id]
	if !ok {
		return domain.LockGroup{}, domain.ErrNotFound{Entity: domain.EntityLockGroup, ID: id}
	}
	before := cloneLockGroup(current)
	if err := mutator(&current); err != nil {
		return domain.LockGroup{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.lockGroups[id] = cloneLockGroup(current)
	tx.recordChange(domain.Change{Entity: domain.EntityLockGroup, Action: domain.ActionUpdate, Before: before, After: cloneLockGroup(current)})
	return cloneLockGroup(current), nil
}

// DeleteLockGroup removes a lock group.
func (tx *transaction) DeleteLockGroup(id string) error {
	current, ok := tx.state.lockGroups[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityLockGroup, ID: id}
	}
	delete(tx.state.lockGroups, id)
	tx.recordChange(domain.Change{Entity: domain.EntityLockGroup, Action: domain.ActionDelete, Before: cloneLockGroup(current)})
	return nil
}

// PutAssignment upserts a production placement; the last writer wins.
func (tx *transaction) PutAssignment(a domain.Assignment) (domain.Assignment, error) {
	if _, ok := tx.state.persons[a.PersonID]; !ok {
		return domain.Assignment{}, domain.ErrNotFound{Entity: domain.EntityPerson, ID: fmt.Sprint(a.PersonID)}
	}
	if _, ok := tx.state.bunks[a.BunkID]; !ok {
		return domain.Assignment{}, domain.ErrNotFound{Entity: domain.EntityBunk, ID: fmt.Sprint(a.BunkID)}
	}
	key := assignmentKey(a.Key())
	change := domain.Change{Entity: domain.EntityAssignment, Action: domain.ActionCreate, After: a}
	if before, ok := tx.state.assignments[key]; ok {
		change.Action = domain.ActionUpdate
		change.Before = before
	}
	tx.state.assignments[key] = a
	tx.recordChange(change)
	return a, nil
}

// DeleteAssignment removes a production placement.
func (tx *transaction) DeleteAssignment(key domain.AssignmentKey) error {
	k := assignmentKey(key)
	current, ok := tx.state.assignments[k]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityAssignment, ID: k}
	}
	delete(tx.state.assignments, k)
	tx.recordChange(domain.Change{Entity: domain.EntityAssignment, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateScenario stores a new draft scenario.
func (tx *transaction) CreateScenario(sc domain.Scenario) (domain.Scenario, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if _, exists := tx.state.scenarios[sc.ID]; exists {
		return domain.Scenario{}, fmt.Errorf("scenario %q already exists", sc.ID)
	}
	if _, ok := tx.state.sessions[sc.SessionID]; !ok {
		return domain.Scenario{}, domain.ErrNotFound{Entity: domain.EntitySession, ID: fmt.Sprint(sc.SessionID)}
	}
	sc.CreatedAt = tx.now
	sc.UpdatedAt = tx.now
	tx.state.scenarios[sc.ID] = sc
	tx.recordChange(domain.Change{Entity: domain.EntityScenario, Action: domain.ActionCreate, After: sc})
	return sc, nil
}

// PutScenarioAssignment upserts a draft placement override.
func (tx *transaction) PutScenarioAssignment(a domain.ScenarioAssignment) (domain.ScenarioAssignment, error) {
	sc, ok := tx.state.scenarios[a.ScenarioID]
	if !ok {
		return domain.ScenarioAssignment{}, domain.ErrNotFound{Entity: domain.EntityScenario, ID: a.ScenarioID}
	}
	if a.BunkID != nil {
		if _, ok := tx.state.bunks[*a.BunkID]; !ok {
			return domain.ScenarioAssignment{}, domain.ErrNotFound{Entity: domain.EntityBunk, ID: fmt.Sprint(*a.BunkID)}
		}
	}
	a.SessionID = sc.SessionID
	a.Year = sc.Year
	key := scenarioAssignmentKey(a.ScenarioID, a.PersonID)
	change := domain.Change{Entity: domain.EntityScenarioAssignment, Action: domain.ActionCreate, After: cloneScenarioAssignment(a)}
	if before, ok := tx.state.scenarioAssign[key]; ok {
		change.Action = domain.ActionUpdate
		change.Before = cloneScenarioAssignment(before)
	}
	tx.state.scenarioAssign[key] = cloneScenarioAssignment(a)
	tx.recordChange(change)
	return cloneScenarioAssignment(a), nil
}

// DeleteScenarioAssignment drops a draft override so the camper follows production again.
func (tx *transaction) DeleteScenarioAssignment(scenarioID string, person domain.PersonID) error {
	key := scenarioAssignmentKey(scenarioID, person)
	current, ok := tx.state.scenarioAssign[key]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityScenarioAssignment, ID: key}
	}
	delete(tx.state.scenarioAssign, key)
	tx.recordChange(domain.Change{Entity: domain.EntityScenarioAssignment, Action: domain.ActionDelete, Before: cloneScenarioAssignment(current)})
	return nil
}

// AppendScenarioEvent appends to the scenario's history.
func (tx *transaction) AppendScenarioEvent(e domain.ScenarioEvent) error {
	if _, ok := tx.state.scenarios[e.ScenarioID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityScenario, ID: e.ScenarioID}
	}
	if e.At.IsZero() {
		e.At = tx.now
	}
	tx.state.scenarioEvents[e.ScenarioID] = append(tx.state.scenarioEvents[e.ScenarioID], e)
	return nil
}

// CreateRun stores a new solver run.
func (tx *transaction) CreateRun(r domain.SolverRun) (domain.SolverRun, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := tx.state.runs[r.ID]; exists {
		return domain.SolverRun{}, fmt.Errorf("run %q already exists", r.ID)
	}
	if r.Status == "" {
		r.Status = domain.RunPending
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.runs[r.ID] = cloneRun(r)
	tx.recordChange(domain.Change{Entity: domain.EntitySolverRun, Action: domain.ActionCreate, After: cloneRun(r)})
	return cloneRun(r), nil
}

// UpdateRun mutates a solver run.
func (tx *transaction) UpdateRun(id string, mutator func(*domain.SolverRun) error) (domain.SolverRun, error) {
	current, ok := tx.state.runs[id]
	if !ok {
		return domain.SolverRun{}, domain.ErrNotFound{Entity: domain.EntitySolverRun, ID: id}
	}
	before := cloneRun(current)
	if err := mutator(&current); err != nil {
		return domain.SolverRun{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.runs[id] = cloneRun(current)
	tx.recordChange(domain.Change{Entity: domain.EntitySolverRun, Action: domain.ActionUpdate, Before: before, After: cloneRun(current)})
	return cloneRun(current), nil
}

// ReplaceFriendGroups swaps every friend group of (session, year) for groups.
func (tx *transaction) ReplaceFriendGroups(session domain.SessionID, year int, groups []domain.FriendGroup) ([]domain.FriendGroup, error) {
	for id, g := range tx.state.friendGroups {
		if g.SessionID == session && g.Year == year {
			delete(tx.state.friendGroups, id)
			tx.recordChange(domain.Change{Entity: domain.EntityFriendGroup, Action: domain.ActionDelete, Before: cloneFriendGroup(g)})
		}
	}
	out := make([]domain.FriendGroup, 0, len(groups))
	for _, g := range groups {
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		g.SessionID = session
		g.Year = year
		g.CreatedAt = tx.now
		g.UpdatedAt = tx.now
		tx.state.friendGroups[g.ID] = cloneFriendGroup(g)
		tx.recordChange(domain.Change{Entity: domain.EntityFriendGroup, Action: domain.ActionCreate, After: cloneFriendGroup(g)})
		out = append(out, cloneFriendGroup(g))
	}
	return out, nil
}

// CreateConflictNote stores a staff conflict annotation.
func (tx *transaction) CreateConflictNote(n domain.ConflictNote) (domain.ConflictNote, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.RecordedAt.IsZero() {
		n.RecordedAt = tx.now
	}
	n.CreatedAt = tx.now
	n.UpdatedAt = tx.now
	tx.state.conflictNotes[n.ID] = n
	tx.recordChange(domain.Change{Entity: domain.EntityConflictNote, Action: domain.ActionCreate, After: n})
	return n, nil
}

// ListSessions returns all sessions ordered by id.
func (v transactionView) ListSessions() []domain.Session {
	out := make([]domain.Session, 0, len(v.state.sessions))
	for _, s := range v.state.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindSession returns a session by id.
func (v transactionView) FindSession(id domain.SessionID) (domain.Session, bool) {
	s, ok := v.state.sessions[id]
	return s, ok
}

// ListPersons returns all campers ordered by id.
func (v transactionView) ListPersons() []domain.Person {
	return listPersons(v.state)
}

// FindPerson returns a camper by id.
func (v transactionView) FindPerson(id domain.PersonID) (domain.Person, bool) {
	p, ok := v.state.persons[id]
	if !ok {
		return domain.Person{}, false
	}
	return clonePerson(p), true
}

// ListBunks returns all bunks ordered by id.
func (v transactionView) ListBunks() []domain.Bunk {
	return listBunks(v.state)
}

// FindBunk returns a bunk by id.
func (v transactionView) FindBunk(id domain.BunkID) (domain.Bunk, bool) {
	b, ok := v.state.bunks[id]
	return b, ok
}

// ListRequests returns every request, active or not.
func (v transactionView) ListRequests() []domain.BunkRequest {
	return listRequests(v.state)
}

// FindRequest returns a request by id.
func (v transactionView) FindRequest(id string) (domain.BunkRequest, bool) {
	r, ok := v.state.requests[id]
	if !ok {
		return domain.BunkRequest{}, false
	}
	return cloneRequest(r), true
}

// ListAssignments returns production placements ordered by person.
func (v transactionView) ListAssignments() []domain.Assignment {
	out := make([]domain.Assignment, 0, len(v.state.assignments))
	for _, a := range v.state.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PersonID != out[j].PersonID {
			return out[i].PersonID < out[j].PersonID
		}
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Year < out[j].Year
	})
	return out
}

// FindAssignment returns a production placement.
func (v transactionView) FindAssignment(key domain.AssignmentKey) (domain.Assignment, bool) {
	a, ok := v.state.assignments[assignmentKey(key)]
	return a, ok
}

// ListLockGroups returns lock groups ordered by id.
func (v transactionView) ListLockGroups() []domain.LockGroup {
	out := make([]domain.LockGroup, 0, len(v.state.lockGroups))
	for _, g := range v.state.lockGroups {
		out = append(out, cloneLockGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindLockGroup returns a lock group by id.
func (v transactionView) FindLockGroup(id string) (domain.LockGroup, bool) {
	g, ok := v.state.lockGroups[id]
	if !ok {
		return domain.LockGroup{}, false
	}
	return cloneLockGroup(g), true
}

// ListScenarios returns scenarios ordered by creation.
func (v transactionView) ListScenarios() []domain.Scenario {
	out := make([]domain.Scenario, 0, len(v.state.scenarios))
	for _, s := range v.state.scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindScenario returns a scenario by id.
func (v transactionView) FindScenario(id string) (domain.Scenario, bool) {
	s, ok := v.state.scenarios[id]
	return s, ok
}

// ListScenarioAssignments returns the draft overrides of one scenario ordered by person.
func (v transactionView) ListScenarioAssignments(scenarioID string) []domain.ScenarioAssignment {
	var out []domain.ScenarioAssignment
	for _, a := range v.state.scenarioAssign {
		if a.ScenarioID == scenarioID {
			out = append(out, cloneScenarioAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}

// ScenarioHistory returns the append-only history of a scenario.
func (v transactionView) ScenarioHistory(scenarioID string) []domain.ScenarioEvent {
	return cloneEvents(v.state.scenarioEvents[scenarioID])
}

// ListRuns returns solver runs ordered by creation.
func (v transactionView) ListRuns() []domain.SolverRun {
	out := make([]domain.SolverRun, 0, len(v.state.runs))
	for _, r := range v.state.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindRun returns a solver run by id.
func (v transactionView) FindRun(id string) (domain.SolverRun, bool) {
	r, ok := v.state.runs[id]
	if !ok {
		return domain.SolverRun{}, false
	}
	return cloneRun(r), true
}

// ListFriendGroups returns friend groups ordered by id.
func (v transactionView) ListFriendGroups() []domain.FriendGroup {
	out := make([]domain.FriendGroup, 0, len(v.state.friendGroups))
	for _, g := range v.state.friendGroups {
		out = append(out, cloneFriendGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListConflictNotes returns staff conflict notes ordered by record time.
func (v transactionView) ListConflictNotes() []domain.ConflictNote {
	out := make([]domain.ConflictNote, 0, len(v.state.conflictNotes))
	for _, n := range v.state.conflictNotes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func listPersons(state *memoryState) []domain.Person {
	out := make([]domain.Person, 0, len(state.persons))
	for _, p := range state.persons {
		out = append(out, clonePerson(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func listBunks(state *memoryState) []domain.Bunk {
	out := make([]domain.Bunk, 0, len(state.bunks))
	for _, b := range state.bunks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func listRequests(state *memoryState) []domain.BunkRequest {
	out := make([]domain.BunkRequest, 0, len(state.requests))
	for _, r := range state.requests {
		out = append(out, cloneRequest(r))
	}
	sortRequests(out)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// GetPerson returns a camper by id.
func (s *Store) GetPerson(id domain.PersonID) (domain.Person, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.persons[id]
	if !ok {
		return domain.Person{}, false
	}
	return clonePerson(p), true
}

// ListPersons returns all campers.
func (s *Store) ListPersons() []domain.Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPersons(&s.state)
}

// GetBunk returns a bunk by id.
func (s *Store) GetBunk(id domain.BunkID) (domain.Bunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.bunks[id]
	return b, ok
}

// ListBunks returns all bunks.
func (s *Store) ListBunks() []domain.Bunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBunks(&s.state)
}

// ListRequests returns all requests.
func (s *Store) ListRequests() []domain.BunkRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRequests(&s.state)
}

// GetRun returns a solver run by id.
func (s *Store) GetRun(id string) (domain.SolverRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.runs[id]
	if !ok {
		return domain.SolverRun{}, false
	}
	return cloneRun(r), true
}
