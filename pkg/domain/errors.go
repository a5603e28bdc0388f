package domain

import (
	"errors"
	"fmt"
)

// ProblemKind enumerates the non-fatal and fatal error taxonomy of the engine.
type ProblemKind string

// Problem kinds. Only UnsatisfiableLockGroup (and malformed configuration)
// abort a run; the rest degrade to reviewable records.
const (
	ProblemUnresolvedName         ProblemKind = "unresolved_name"
	ProblemInvalidTypeForSource   ProblemKind = "invalid_type_for_source"
	ProblemSpreadViolation        ProblemKind = "spread_violation"
	ProblemSelfReferential        ProblemKind = "self_referential"
	ProblemCrossSessionReference  ProblemKind = "cross_session_reference"
	ProblemUnsatisfiableLockGroup ProblemKind = "unsatisfiable_lock_group"
	ProblemSolverInfeasible       ProblemKind = "solver_infeasible"
	ProblemSolverTimeout          ProblemKind = "solver_timeout"
	ProblemDuplicateRequest       ProblemKind = "duplicate_request"
	ProblemOracleFailure          ProblemKind = "oracle_failure"
	ProblemNeedsReview            ProblemKind = "needs_review"
)

// Problem is an introspectable record of an automatic correction.
type Problem struct {
	Kind        ProblemKind `json:"kind"`
	RequesterID PersonID    `json:"requester_id,omitempty"`
	TargetID    PersonID    `json:"target_id,omitempty"`
	Field       SourceField `json:"field,omitempty"`
	Text        string      `json:"text,omitempty"`
	Message     string      `json:"message"`
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Kind, p.Message)
}

// ErrNotFound is returned when reference validation fails within transactional helpers.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrUnsatisfiableLockGroup is matched by errors.Is for any UnsatisfiableLockGroupError.
var ErrUnsatisfiableLockGroup = errors.New("unsatisfiable lock group")

// UnsatisfiableLockGroupError reports a lock group that cannot fit any bunk.
type UnsatisfiableLockGroupError struct {
	GroupID  string
	Members  int
	Capacity int
	Reason   string
}

func (e UnsatisfiableLockGroupError) Error() string {
	return fmt.Sprintf("lock group %s with %d members cannot be placed: %s (capacity %d)", e.GroupID, e.Members, e.Reason, e.Capacity)
}

// Is lets errors.Is match ErrUnsatisfiableLockGroup.
func (e UnsatisfiableLockGroupError) Is(target error) bool {
	return target == ErrUnsatisfiableLockGroup
}

// ErrInvalidConfig is matched by errors.Is for any ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError reports malformed configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}
