// Package constraint translates finalized requests, lock groups and friend
// groups into the typed constraint set consumed by the solver.
package constraint

import (
	"fmt"
	"sort"

	"bunkcore/pkg/domain"
)

// Kind names a constraint type.
type Kind string

// Constraint kinds.
const (
	KindHardPair       Kind = "hard_pair"
	KindHardSeparate   Kind = "hard_separate"
	KindHardFix        Kind = "hard_fix"
	KindSoftPreference Kind = "soft_preference"
	KindAgeFlow        Kind = "age_flow"
	KindGradeCohesion  Kind = "grade_cohesion"
	KindCapacity       Kind = "capacity"
	KindMustSatisfyOne Kind = "must_satisfy_one"
)

// Constraint is one typed rule handed to the solver. Hard constraints must
// hold; soft ones contribute Weight when satisfied or cost Penalty when not.
type Constraint struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	Hard    bool              `json:"hard"`
	Persons []domain.PersonID `json:"persons,omitempty"`
	Bunk    domain.BunkID     `json:"bunk,omitempty"`
	// Capacity is the bound of a capacity constraint.
	Capacity  int                 `json:"capacity,omitempty"`
	Weight    float64             `json:"weight,omitempty"`
	Penalty   float64             `json:"penalty,omitempty"`
	Direction domain.AgeDirection `json:"direction,omitempty"`
	// Requests lists the persisted requests the constraint came from.
	Requests []string `json:"requests,omitempty"`
	Origin   string   `json:"origin,omitempty"`
	// Relaxed marks a hard separation downgraded to a penalty because it
	// provably cannot hold.
	Relaxed bool `json:"relaxed,omitempty"`
}

// Enforced reports whether the solver must hold the constraint.
func (c Constraint) Enforced() bool { return c.Hard && !c.Relaxed }

// Set is the complete constraint model of one session.
type Set struct {
	SessionID   domain.SessionID `json:"session_id"`
	Year        int              `json:"year"`
	Persons     []domain.Person  `json:"persons"`
	Bunks       []domain.Bunk    `json:"bunks"`
	Constraints []Constraint     `json:"constraints"`
	Relaxed     []string         `json:"relaxed,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	// Fixed maps campers pinned by HardFix constraints to their bunk.
	Fixed map[domain.PersonID]domain.BunkID `json:"fixed,omitempty"`
}

// ByKind returns the constraints of kind k in build order.
func (s *Set) ByKind(k Kind) []Constraint {
	var out []Constraint
	for _, c := range s.Constraints {
		if c.Kind == k {
			out = append(out, c)
		}
	}
	return out
}

// Counts returns the number of constraints per kind.
func (s *Set) Counts() map[Kind]int {
	out := make(map[Kind]int)
	for _, c := range s.Constraints {
		out[c.Kind]++
	}
	return out
}

// MaxCapacity returns the largest bunk capacity of the set.
func (s *Set) MaxCapacity() int {
	max := 0
	for _, b := range s.Bunks {
		if b.Capacity > max {
			max = b.Capacity
		}
	}
	return max
}

func pairID(kind Kind, a, b domain.PersonID) string {
	return fmt.Sprintf("%s:%d-%d", kind, a, b)
}

func sortedIDs(ids []domain.PersonID) []domain.PersonID {
	out := append([]domain.PersonID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
