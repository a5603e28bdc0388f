package core

import (
	"context"
	"fmt"

	"bunkcore/pkg/domain"
)

// Built-in rule names.
const (
	RuleSessionIntegrity    = "session_integrity"
	RuleSelfReference       = "self_reference"
	RuleFieldType           = "field_type"
	RuleDuplicateTriple     = "duplicate_triple"
	RuleBunkCapacity        = "bunk_capacity"
	RuleLockGroupMembership = "lock_group_membership"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewSessionIntegrityRule())
	engine.Register(NewSelfReferenceRule())
	engine.Register(NewFieldTypeRule())
	engine.Register(NewDuplicateTripleRule())
	engine.Register(NewBunkCapacityRule())
	engine.Register(NewLockGroupMembershipRule())
	return engine
}

type ruleFunc struct {
	name string
	fn   func(view domain.RuleView, changes []domain.Change) domain.Result
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	return r.fn(view, changes), nil
}

// changedRequests returns the post-change state of every request touched in
// the transaction.
func changedRequests(changes []domain.Change) []domain.BunkRequest {
	var out []domain.BunkRequest
	for _, c := range changes {
		if c.Entity != domain.EntityBunkRequest || c.Action == domain.ActionDelete {
			continue
		}
		if r, ok := c.After.(domain.BunkRequest); ok {
			out = append(out, r)
		}
	}
	return out
}

func violation(rule string, sev domain.Severity, entity domain.EntityType, id, format string, args ...any) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
		Entity:   entity,
		EntityID: id,
	}
}

// NewSessionIntegrityRule blocks active requests whose requester is not
// enrolled in the request's session or whose target sits in another session
// unless declined, and placements that mix sessions.
func NewSessionIntegrityRule() domain.Rule {
	return ruleFunc{name: RuleSessionIntegrity, fn: func(view domain.RuleView, changes []domain.Change) domain.Result {
		var res domain.Result
		for _, r := range changedRequests(changes) {
			requester, ok := view.FindPerson(r.RequesterID)
			if !ok {
				res.Violations = append(res.Violations, violation(RuleSessionIntegrity, domain.SeverityBlock, domain.EntityBunkRequest, r.ID,
					"requester %d does not exist", r.RequesterID))
				continue
			}
			// Deactivated rows are history; the camper may have moved since.
			if !r.IsActive {
				continue
			}
			if requester.SessionID != r.SessionID || requester.Year != r.Year {
				res.Violations = append(res.Violations, violation(RuleSessionIntegrity, domain.SeverityBlock, domain.EntityBunkRequest, r.ID,
					"requester %d is enrolled in session %d/%d, request targets %d/%d", r.RequesterID, requester.SessionID, requester.Year, r.SessionID, r.Year))
			}
			if r.Status == domain.StatusDeclined || r.RequesteeID <= 0 {
				continue
			}
			if target, ok := view.FindPerson(r.RequesteeID); ok && (target.SessionID != r.SessionID || target.Year != r.Year) {
				res.Violations = append(res.Violations, violation(RuleSessionIntegrity, domain.SeverityBlock, domain.EntityBunkRequest, r.ID,
					"target %d is enrolled in session %d/%d; only a declined request may cross sessions", r.RequesteeID, target.SessionID, target.Year))
			}
		}
		for _, c := range changes {
			if c.Entity != domain.EntityAssignment || c.Action == domain.ActionDelete {
				continue
			}
			a, ok := c.After.(domain.Assignment)
			if !ok {
				continue
			}
			id := fmt.Sprint(a.PersonID)
			if p, ok := view.FindPerson(a.PersonID); ok && p.SessionID != a.SessionID {
				res.Violations = append(res.Violations, violation(RuleSessionIntegrity, domain.SeverityBlock, domain.EntityAssignment, id,
					"camper %d is enrolled in session %d, not %d", a.PersonID, p.SessionID, a.SessionID))
			}
			if b, ok := view.FindBunk(a.BunkID); ok && b.SessionID != a.SessionID {
				res.Violations = append(res.Violations, violation(RuleSessionIntegrity, domain.SeverityBlock, domain.EntityAssignment, id,
					"bunk %d belongs to session %d, not %d", a.BunkID, b.SessionID, a.SessionID))
			}
		}
		return res
	}}
}

// NewSelfReferenceRule blocks requests that target their own requester.
func NewSelfReferenceRule() domain.Rule {
	return ruleFunc{name: RuleSelfReference, fn: func(_ domain.RuleView, changes []domain.Change) domain.Result {
		var res domain.Result
		for _, r := range changedRequests(changes) {
			if r.RequesteeID == r.RequesterID {
				res.Violations = append(res.Violations, violation(RuleSelfReference, domain.SeverityBlock, domain.EntityBunkRequest, r.ID,
					"camper %d cannot request themselves", r.RequesterID))
			}
		}
		return res
	}}
}

// NewFieldTypeRule blocks request types the source field may not yield.
func NewFieldTypeRule() domain.Rule {
	return ruleFunc{name: RuleFieldType, fn: func(_ domain.RuleView, changes []domain.Change) domain.Result {
		var res domain.Result
		for _, r := range changedRequests(changes) {
			switch {
			case !r.RequestType.Valid():
				res.Violations = append(res.Violations, violation(RuleFieldType, domain.SeverityBlock, domain.EntityBunkRequest, r.ID,
					"unknown request type %q", r.RequestType))
			case r.SourceField == domain.FieldGraph:
			case !r.SourceField.Known():
				res.Violations = append(res.Violations, violation(RuleFieldType, domain.SeverityBlock, domain.EntityBunkRequest, r.ID,
					"unknown source field %q", r.SourceField))
			case !r.SourceField.Allows(r.RequestType):
				res.Violations = append(res.Violations, violation(RuleFieldType, domain.SeverityBlock, domain.EntityBunkRequest, r.ID,
					"%s may not yield %s", r.SourceField, r.RequestType))
			}
		}
		return res
	}}
}

// NewDuplicateTripleRule blocks a second active request with the same
// (requester, target, type) in one session.
func NewDuplicateTripleRule() domain.Rule {
	type scopedKey struct {
		session domain.SessionID
		year    int
		key     domain.RequestKey
	}
	return ruleFunc{name: RuleDuplicateTriple, fn: func(view domain.RuleView, changes []domain.Change) domain.Result {
		touched := make(map[scopedKey]bool)
		for _, r := range changedRequests(changes) {
			if r.IsActive {
				touched[scopedKey{r.SessionID, r.Year, r.Key()}] = true
			}
		}
		var res domain.Result
		if len(touched) == 0 {
			return res
		}
		seen := make(map[scopedKey]string)
		for _, r := range view.ListRequests() {
			k := scopedKey{r.SessionID, r.Year, r.Key()}
			if !r.IsActive || !touched[k] {
				continue
			}
			if first, dup := seen[k]; dup {
				res.Violations = append(res.Violations, violation(RuleDuplicateTriple, domain.SeverityBlock, domain.EntityBunkRequest, r.ID,
					"duplicates request %s (%d -> %d, %s)", first, r.RequesterID, r.RequesteeID, r.RequestType))
				continue
			}
			seen[k] = r.ID
		}
		return res
	}}
}

// NewBunkCapacityRule warns when production occupancy exceeds a bunk's
// capacity. Capacity is soft unless configured otherwise in the solver, so
// staff placements above it still commit.
func NewBunkCapacityRule() domain.Rule {
	return ruleFunc{name: RuleBunkCapacity, fn: func(view domain.RuleView, _ []domain.Change) domain.Result {
		occupancy := make(map[domain.BunkID]int)
		for _, a := range view.ListAssignments() {
			occupancy[a.BunkID]++
		}
		var res domain.Result
		for _, b := range view.ListBunks() {
			if n := occupancy[b.ID]; n > b.Capacity {
				res.Violations = append(res.Violations, violation(RuleBunkCapacity, domain.SeverityWarn, domain.EntityBunk, fmt.Sprint(b.ID),
					"bunk %s over capacity: %d/%d campers", b.Name, n, b.Capacity))
			}
		}
		return res
	}}
}

// NewLockGroupMembershipRule warns about lock group members or bunks outside
// the group's session; the constraint builder skips them.
func NewLockGroupMembershipRule() domain.Rule {
	return ruleFunc{name: RuleLockGroupMembership, fn: func(view domain.RuleView, _ []domain.Change) domain.Result {
		var res domain.Result
		for _, g := range view.ListLockGroups() {
			for _, m := range g.Members {
				p, ok := view.FindPerson(m)
				if !ok || p.SessionID != g.SessionID || p.Year != g.Year {
					res.Violations = append(res.Violations, violation(RuleLockGroupMembership, domain.SeverityWarn, domain.EntityLockGroup, g.ID,
						"member %d is not enrolled in session %d/%d", m, g.SessionID, g.Year))
				}
			}
			if g.BunkID == nil {
				continue
			}
			if b, ok := view.FindBunk(*g.BunkID); ok && b.SessionID != g.SessionID {
				res.Violations = append(res.Violations, violation(RuleLockGroupMembership, domain.SeverityWarn, domain.EntityLockGroup, g.ID,
					"bunk %d belongs to session %d", b.ID, b.SessionID))
			}
		}
		return res
	}}
}
