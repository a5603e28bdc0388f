package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateSession(Session) (Session, error)
	CreatePerson(Person) (Person, error)
	UpdatePerson(id PersonID, mutator func(*Person) error) (Person, error)
	CreateBunk(Bunk) (Bunk, error)
	UpdateBunk(id BunkID, mutator func(*Bunk) error) (Bunk, error)
	CreateRequest(BunkRequest) (BunkRequest, error)
	UpdateRequest(id string, mutator func(*BunkRequest) error) (BunkRequest, error)
	CreateLockGroup(LockGroup) (LockGroup, error)
	UpdateLockGroup(id string, mutator func(*LockGroup) error) (LockGroup, error)
	DeleteLockGroup(id string) error
	PutAssignment(Assignment) (Assignment, error)
	DeleteAssignment(key AssignmentKey) error
	CreateScenario(Scenario) (Scenario, error)
	PutScenarioAssignment(ScenarioAssignment) (ScenarioAssignment, error)
	DeleteScenarioAssignment(scenarioID string, person PersonID) error
	AppendScenarioEvent(ScenarioEvent) error
	CreateRun(SolverRun) (SolverRun, error)
	UpdateRun(id string, mutator func(*SolverRun) error) (SolverRun, error)
	ReplaceFriendGroups(session SessionID, year int, groups []FriendGroup) ([]FriendGroup, error)
	CreateConflictNote(ConflictNote) (ConflictNote, error)
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	ListSessions() []Session
	FindSession(id SessionID) (Session, bool)
	FindRequest(id string) (BunkRequest, bool)
	FindLockGroup(id string) (LockGroup, bool)
	FindAssignment(key AssignmentKey) (Assignment, bool)
	ListScenarios() []Scenario
	FindScenario(id string) (Scenario, bool)
	ListScenarioAssignments(scenarioID string) []ScenarioAssignment
	ScenarioHistory(scenarioID string) []ScenarioEvent
	ListRuns() []SolverRun
	FindRun(id string) (SolverRun, bool)
	ListFriendGroups() []FriendGroup
	ListConflictNotes() []ConflictNote
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetPerson(id PersonID) (Person, bool)
	ListPersons() []Person
	GetBunk(id BunkID) (Bunk, bool)
	ListBunks() []Bunk
	ListRequests() []BunkRequest
	GetRun(id string) (SolverRun, bool)
}
