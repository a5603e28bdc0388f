// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by bunkcore.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityPerson identifies a camper record.
	EntityPerson EntityType = "person"
	// EntitySession identifies a camp session record.
	EntitySession EntityType = "session"
	// EntityBunk identifies a bunk (cabin) record.
	EntityBunk EntityType = "bunk"
	// EntityBunkRequest identifies a persisted bunk request.
	EntityBunkRequest EntityType = "bunk_request"
	// EntityLockGroup identifies a staff-defined lock group.
	EntityLockGroup EntityType = "lock_group"
	// EntityAssignment identifies a production camper placement.
	EntityAssignment EntityType = "assignment"
	// EntityScenario identifies a draft scenario.
	EntityScenario EntityType = "scenario"
	// EntityScenarioAssignment identifies a draft placement override.
	EntityScenarioAssignment EntityType = "scenario_assignment"
	// EntitySolverRun identifies a solver invocation.
	EntitySolverRun EntityType = "solver_run"
	// EntityFriendGroup identifies a synthesized friend group.
	EntityFriendGroup EntityType = "friend_group"
	// EntityConflictNote identifies a staff conflict annotation.
	EntityConflictNote EntityType = "conflict_note"
)

// PersonID identifies a camper. Negative values are unresolved-name sentinels.
type PersonID int64

// SessionID identifies a camp session.
type SessionID int64

// BunkID identifies a bunk.
type BunkID int64

// Unresolved reports whether the id is an unresolved-name sentinel.
func (id PersonID) Unresolved() bool { return id < 0 }

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for string-keyed domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Person is a camper enrolled in exactly one session for a given year.
type Person struct {
	ID             PersonID   `json:"id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	PreferredName  string     `json:"preferred_name,omitempty"`
	SessionID      SessionID  `json:"session_id"`
	Year           int        `json:"year"`
	Grade          int        `json:"grade"`
	AgeMonths      int        `json:"age_months"`
	School         string     `json:"school,omitempty"`
	PriorBunkmates []PersonID `json:"prior_bunkmates,omitempty"`
}

// FullName returns "First Last" using the preferred first name when present.
func (p Person) FullName() string {
	first := p.FirstName
	if p.PreferredName != "" {
		first = p.PreferredName
	}
	if p.LastName == "" {
		return first
	}
	return first + " " + p.LastName
}

// Session is a bounded camp period. Nothing relates across sessions.
type Session struct {
	ID   SessionID `json:"id"`
	Name string    `json:"name"`
	Year int       `json:"year"`
}

// Bunk is the capacity-bounded unit of assignment.
type Bunk struct {
	ID        BunkID    `json:"id"`
	Name      string    `json:"name"`
	SessionID SessionID `json:"session_id"`
	Capacity  int       `json:"capacity"`
	MinGrade  int       `json:"min_grade,omitempty"`
	MaxGrade  int       `json:"max_grade,omitempty"`
}

// RequestType enumerates the persisted request kinds.
type RequestType string

// Request types.
const (
	RequestBunkWith            RequestType = "bunk_with"
	RequestNotBunkWith         RequestType = "not_bunk_with"
	RequestAgePreference       RequestType = "age_preference"
	RequestPriorYearContinuity RequestType = "prior_year_continuity"
	RequestSpreadLimited       RequestType = "spread_limited"
)

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case RequestBunkWith, RequestNotBunkWith, RequestAgePreference, RequestPriorYearContinuity, RequestSpreadLimited:
		return true
	}
	return false
}

// Positive reports whether the type expresses a wish to be placed together.
func (t RequestType) Positive() bool { return t == RequestBunkWith }

// Negative reports whether the type expresses a wish to be separated.
func (t RequestType) Negative() bool { return t == RequestNotBunkWith }

// RequestStatus is the review status of a persisted request.
type RequestStatus string

// Request statuses.
const (
	StatusResolved RequestStatus = "resolved"
	StatusPending  RequestStatus = "pending"
	StatusDeclined RequestStatus = "declined"
)

// AgeDirection is the direction of an age preference.
type AgeDirection string

// Age preference directions.
const (
	AgeOlder   AgeDirection = "older"
	AgeYounger AgeDirection = "younger"
)

// DroppedDuplicate records a collected request that was merged into another record.
type DroppedDuplicate struct {
	Source       RequestSource `json:"source"`
	SourceField  SourceField   `json:"source_field"`
	Type         RequestType   `json:"type"`
	Priority     int           `json:"priority"`
	Confidence   float64       `json:"confidence"`
	ListPosition int           `json:"list_position,omitempty"`
	OriginalText string        `json:"original_text,omitempty"`
	Reason       string        `json:"reason"`
}

// SpreadDetail explains a bunk_with converted to spread_limited.
type SpreadDetail struct {
	RequesterGrade  int `json:"requester_grade"`
	TargetGrade     int `json:"target_grade"`
	GradeDiff       int `json:"grade_diff"`
	AgeDiffMonths   int `json:"age_diff_months"`
	MaxGradeSpread  int `json:"max_grade_spread"`
	MaxAgeSpreadMos int `json:"max_age_spread_months"`
}

// CandidateMatch is one name-resolution candidate kept for review.
type CandidateMatch struct {
	PersonID   PersonID `json:"person_id"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"`
}

// RequestMetadata carries provenance and every automatic correction applied to a request.
type RequestMetadata struct {
	OriginalText      string             `json:"original_text,omitempty"`
	Reasoning         string             `json:"reasoning,omitempty"`
	Keywords          []string           `json:"keywords,omitempty"`
	ListPosition      int                `json:"list_position,omitempty"`
	SourceFields      []SourceField      `json:"source_fields,omitempty"`
	Sources           []RequestSource    `json:"sources,omitempty"`
	ResolutionMethod  string             `json:"resolution_method,omitempty"`
	Candidates        []CandidateMatch   `json:"candidates,omitempty"`
	ConfidenceBoost   float64            `json:"confidence_boost,omitempty"`
	ReciprocalBoost   bool               `json:"reciprocal_boost,omitempty"`
	DroppedDuplicates []DroppedDuplicate `json:"dropped_duplicates,omitempty"`
	Spread            *SpreadDetail      `json:"spread,omitempty"`
	SuppressedBy      string             `json:"suppressed_by,omitempty"`
	AutoResolution    string             `json:"auto_resolution,omitempty"`
	HistoricalNames   []string           `json:"historical_names,omitempty"`
	AgePreference     AgeDirection       `json:"age_preference,omitempty"`
	TemporalInfo      string             `json:"temporal_info,omitempty"`
	ReviewedBy        string             `json:"reviewed_by,omitempty"`
}

// BunkRequest is one resolved requester/target/type triple.
type BunkRequest struct {
	Base
	RequesterID          PersonID        `json:"requester_id"`
	RequesteeID          PersonID        `json:"requestee_id"`
	RequestedName        string          `json:"requested_name,omitempty"`
	SessionID            SessionID       `json:"session_id"`
	Year                 int             `json:"year"`
	RequestType          RequestType     `json:"request_type"`
	Priority             int             `json:"priority"`
	ConfidenceScore      float64         `json:"confidence_score"`
	Status               RequestStatus   `json:"status"`
	Source               RequestSource   `json:"source"`
	SourceField          SourceField     `json:"source_field"`
	IsReciprocal         bool            `json:"is_reciprocal"`
	ConflictGroupID      string          `json:"conflict_group_id,omitempty"`
	PriorityLocked       bool            `json:"priority_locked"`
	IsActive             bool            `json:"is_active"`
	RequiresManualReview bool            `json:"requires_manual_review"`
	ReviewReasons        []string        `json:"review_reasons,omitempty"`
	Metadata             RequestMetadata `json:"metadata"`
}

// Key returns the uniqueness triple of the request.
func (r BunkRequest) Key() RequestKey {
	return RequestKey{Requester: r.RequesterID, Target: r.RequesteeID, Type: r.RequestType}
}

// FlagForReview marks the request for manual review, keeping reasons unique.
func (r *BunkRequest) FlagForReview(reason string) {
	r.RequiresManualReview = true
	for _, existing := range r.ReviewReasons {
		if existing == reason {
			return
		}
	}
	r.ReviewReasons = append(r.ReviewReasons, reason)
}

// RequestKey is the (requester, target, type) uniqueness triple.
type RequestKey struct {
	Requester PersonID
	Target    PersonID
	Type      RequestType
}

// LockGroup is a staff-defined set of campers that must share a bunk.
type LockGroup struct {
	Base
	SessionID SessionID  `json:"session_id"`
	Year      int        `json:"year"`
	Name      string     `json:"name"`
	Members   []PersonID `json:"members"`
	BunkID    *BunkID    `json:"bunk_id,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
}

// Assignment is a production placement, unique per (person, session, year).
type Assignment struct {
	PersonID  PersonID  `json:"person_id"`
	SessionID SessionID `json:"session_id"`
	Year      int       `json:"year"`
	BunkID    BunkID    `json:"bunk_id"`
	Locked    bool      `json:"locked"`
}

// AssignmentKey is the last-writer-wins key of placements.
type AssignmentKey struct {
	PersonID  PersonID
	SessionID SessionID
	Year      int
}

// Key returns the uniqueness key of the assignment.
func (a Assignment) Key() AssignmentKey {
	return AssignmentKey{PersonID: a.PersonID, SessionID: a.SessionID, Year: a.Year}
}

// ScenarioOrigin records how a scenario was started.
type ScenarioOrigin string

// Scenario origins.
const (
	ScenarioFromProduction ScenarioOrigin = "copy_from_production"
	ScenarioEmpty          ScenarioOrigin = "empty"
)

// Scenario is a draft assignment overlay isolated from production.
type Scenario struct {
	Base
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	SessionID   SessionID      `json:"session_id"`
	Year        int            `json:"year"`
	Origin      ScenarioOrigin `json:"origin"`
}

// ScenarioAssignment is a draft placement that differs from production.
// A nil BunkID means the camper is explicitly unassigned in the draft.
type ScenarioAssignment struct {
	ScenarioID string    `json:"scenario_id"`
	PersonID   PersonID  `json:"person_id"`
	SessionID  SessionID `json:"session_id"`
	Year       int       `json:"year"`
	BunkID     *BunkID   `json:"bunk_id"`
	Locked     bool      `json:"locked"`
}

// ScenarioEventAction enumerates scenario history entries.
type ScenarioEventAction string

// Scenario history actions.
const (
	ScenarioEventCreated  ScenarioEventAction = "created"
	ScenarioEventMoved    ScenarioEventAction = "moved"
	ScenarioEventApplied  ScenarioEventAction = "solver_applied"
	ScenarioEventCleared  ScenarioEventAction = "cleared"
	ScenarioEventReverted ScenarioEventAction = "reverted_to_production"
)

// ScenarioEvent is one append-only history entry of a scenario.
type ScenarioEvent struct {
	ScenarioID string              `json:"scenario_id"`
	Action     ScenarioEventAction `json:"action"`
	PersonID   PersonID            `json:"person_id,omitempty"`
	FromBunk   *BunkID             `json:"from_bunk,omitempty"`
	ToBunk     *BunkID             `json:"to_bunk,omitempty"`
	RunID      string              `json:"run_id,omitempty"`
	At         time.Time           `json:"at"`
}

// RunStatus is the solver run lifecycle state.
type RunStatus string

// Solver run states: Pending -> Running -> {Completed, Failed, TimedOut}.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether no further transition can happen.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunTimedOut
}

// Placement is one camper-to-bunk decision of a solver result.
type Placement struct {
	PersonID PersonID `json:"person_id"`
	BunkID   BunkID   `json:"bunk_id"`
}

// RunStats summarises request satisfaction.
type RunStats struct {
	SatisfiedRequests int      `json:"satisfied_requests"`
	TotalRequests     int      `json:"total_requests"`
	Infeasible        []string `json:"infeasible"`
}

// RunDiagnostics lists which constraints held in the returned assignment.
type RunDiagnostics struct {
	SatisfiedSoft  []string `json:"satisfied_soft,omitempty"`
	ViolatedSoft   []string `json:"violated_soft,omitempty"`
	InfeasibleHard []string `json:"infeasible_hard,omitempty"`
	Relaxed        []string `json:"relaxed,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// RunResult is the outcome of one solve, partial when the time budget expired.
type RunResult struct {
	Assignments []Placement    `json:"assignments"`
	Stats       RunStats       `json:"stats"`
	Diagnostics RunDiagnostics `json:"diagnostics"`
	Objective   float64        `json:"objective"`
	Partial     bool           `json:"partial"`
}

// SolverRun is one solver invocation scoped to a session and optional scenario.
type SolverRun struct {
	Base
	SessionID    SessionID     `json:"session_id"`
	Year         int           `json:"year"`
	ScenarioID   string        `json:"scenario_id,omitempty"`
	Status       RunStatus     `json:"status"`
	RespectLocks bool          `json:"respect_locks"`
	ApplyResults bool          `json:"apply_results"`
	TimeLimit    time.Duration `json:"time_limit"`
	Result       *RunResult    `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	AppliedAt    *time.Time    `json:"applied_at,omitempty"`
	ApplyCount   int           `json:"apply_count"`
}

// FriendGroup is a synthesized cluster of mutually requesting campers.
type FriendGroup struct {
	Base
	SessionID    SessionID  `json:"session_id"`
	Year         int        `json:"year"`
	Members      []PersonID `json:"members"`
	Completeness float64    `json:"completeness"`
	ParentID     string     `json:"parent_id,omitempty"`
}

// ConflictNote is a staff annotation that a conflicting pair was settled with the family.
type ConflictNote struct {
	Base
	SessionID          SessionID `json:"session_id"`
	PersonA            PersonID  `json:"person_a"`
	PersonB            PersonID  `json:"person_b"`
	ResolvedWithFamily bool      `json:"resolved_with_family"`
	Confidence         float64   `json:"confidence"`
	RecordedAt         time.Time `json:"recorded_at"`
	Note               string    `json:"note,omitempty"`
}

// Covers reports whether the note concerns the unordered pair (a, b).
func (n ConflictNote) Covers(a, b PersonID) bool {
	return (n.PersonA == a && n.PersonB == b) || (n.PersonA == b && n.PersonB == a)
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}
