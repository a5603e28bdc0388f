package constraint

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"bunkcore/internal/config"
	"bunkcore/internal/logging"
	"bunkcore/pkg/domain"

	"go.uber.org/zap"
)

// ErrNoBunks is returned when a session has no bunk to place campers in.
var ErrNoBunks = errors.New("session has no bunks")

// Input is everything the builder needs for one session.
type Input struct {
	SessionID    domain.SessionID
	Year         int
	Persons      []domain.Person
	Bunks        []domain.Bunk
	Requests     []domain.BunkRequest
	LockGroups   []domain.LockGroup
	FriendGroups []domain.FriendGroup
	// Locked assignments become HardFix constraints.
	Locked              []domain.Assignment
	FriendGroupPriority int
}

// Builder builds constraint sets. The configuration is fixed at
// construction and never read from anywhere else.
type Builder struct {
	cfg config.ConstraintConfig
	log *zap.Logger
}

// New constructs a builder for cfg.
func New(cfg config.ConstraintConfig, log *zap.Logger) *Builder {
	return &Builder{cfg: cfg, log: logging.OrNop(log)}
}

type softEntry struct {
	req    domain.BunkRequest
	target domain.PersonID
}

// Build returns the constraint set of in, or an UnsatisfiableLockGroupError
// before any solving is attempted.
func (b *Builder) Build(in Input) (*Set, error) {
	set := &Set{SessionID: in.SessionID, Year: in.Year, Fixed: make(map[domain.PersonID]domain.BunkID)}
	enrolled := make(map[domain.PersonID]domain.Person)
	for _, p := range in.Persons {
		if p.SessionID == in.SessionID {
			enrolled[p.ID] = p
			set.Persons = append(set.Persons, p)
		}
	}
	sort.Slice(set.Persons, func(i, j int) bool { return set.Persons[i].ID < set.Persons[j].ID })
	bunks := make(map[domain.BunkID]domain.Bunk)
	for _, bk := range in.Bunks {
		if bk.SessionID == in.SessionID {
			bunks[bk.ID] = bk
			set.Bunks = append(set.Bunks, bk)
		}
	}
	sort.Slice(set.Bunks, func(i, j int) bool { return set.Bunks[i].ID < set.Bunks[j].ID })
	if len(set.Bunks) == 0 {
		return nil, ErrNoBunks
	}

	for _, a := range in.Locked {
		if _, ok := enrolled[a.PersonID]; !ok || a.SessionID != in.SessionID {
			continue
		}
		if _, ok := bunks[a.BunkID]; !ok {
			set.Warnings = append(set.Warnings, fmt.Sprintf("locked assignment of %d points at unknown bunk %d", a.PersonID, a.BunkID))
			continue
		}
		b.fix(set, a.PersonID, a.BunkID, "locked_assignment")
	}

	pairs, err := b.lockGroups(set, in, enrolled, bunks)
	if err != nil {
		return nil, err
	}
	b.requests(set, in, enrolled, pairs)
	b.friendGroups(set, in, enrolled)

	for _, bk := range set.Bunks {
		set.Constraints = append(set.Constraints, Constraint{
			ID:       fmt.Sprintf("%s:%d", KindCapacity, bk.ID),
			Kind:     KindCapacity,
			Hard:     b.cfg.HardCapacity,
			Bunk:     bk.ID,
			Capacity: bk.Capacity,
			Penalty:  b.cfg.CapacityPenalty,
		})
	}
	if b.cfg.GradeCohesionWeight > 0 {
		set.Constraints = append(set.Constraints, Constraint{
			ID:     string(KindGradeCohesion),
			Kind:   KindGradeCohesion,
			Weight: b.cfg.GradeCohesionWeight,
		})
	}
	return set, nil
}

func (b *Builder) fix(set *Set, person domain.PersonID, bunk domain.BunkID, origin string) {
	if _, done := set.Fixed[person]; done {
		return
	}
	set.Fixed[person] = bunk
	set.Constraints = append(set.Constraints, Constraint{
		ID:      fmt.Sprintf("%s:%d", KindHardFix, person),
		Kind:    KindHardFix,
		Hard:    true,
		Persons: []domain.PersonID{person},
		Bunk:    bunk,
		Origin:  origin,
	})
}

// lockGroups merges overlapping lock groups and emits one HardPair per
// merged group. It returns the co-location class of every locked camper.
func (b *Builder) lockGroups(set *Set, in Input, enrolled map[domain.PersonID]domain.Person, bunks map[domain.BunkID]domain.Bunk) (map[domain.PersonID]string, error) {
	parent := make(map[domain.PersonID]domain.PersonID)
	var find func(domain.PersonID) domain.PersonID
	find = func(x domain.PersonID) domain.PersonID {
		if parent[x] == x {
			return x
		}
		parent[x] = find(parent[x])
		return parent[x]
	}
	groups := make([]domain.LockGroup, 0, len(in.LockGroups))
	for _, lg := range in.LockGroups {
		if lg.SessionID != in.SessionID {
			continue
		}
		var members []domain.PersonID
		for _, m := range lg.Members {
			if _, ok := enrolled[m]; !ok {
				set.Warnings = append(set.Warnings, fmt.Sprintf("lock group %s member %d is not enrolled", lg.ID, m))
				continue
			}
			if _, ok := parent[m]; !ok {
				parent[m] = m
			}
			members = append(members, m)
		}
		for _, m := range members[min(1, len(members)):] {
			if ra, rb := find(members[0]), find(m); ra != rb {
				parent[rb] = ra
			}
		}
		lg.Members = members
		groups = append(groups, lg)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	type merged struct {
		ids     []string
		members []domain.PersonID
		bunks   map[domain.BunkID]bool
	}
	classes := make(map[domain.PersonID]*merged)
	var order []domain.PersonID
	for _, lg := range groups {
		if len(lg.Members) == 0 {
			continue
		}
		root := find(lg.Members[0])
		m, ok := classes[root]
		if !ok {
			m = &merged{bunks: make(map[domain.BunkID]bool)}
			classes[root] = m
			order = append(order, root)
		}
		m.ids = append(m.ids, lg.ID)
		if lg.BunkID != nil {
			m.bunks[*lg.BunkID] = true
		}
	}
	for person := range parent {
		if m, ok := classes[find(person)]; ok {
			m.members = append(m.members, person)
		}
	}

	pairs := make(map[domain.PersonID]string)
	maxCap := set.MaxCapacity()
	for _, root := range order {
		m := classes[root]
		members := sortedIDs(m.members)
		id := strings.Join(m.ids, "+")
		for _, p := range members {
			if bunk, ok := set.Fixed[p]; ok {
				m.bunks[bunk] = true
			}
		}
		if len(m.bunks) > 1 {
			return nil, domain.UnsatisfiableLockGroupError{GroupID: id, Members: len(members), Capacity: maxCap, Reason: "members are fixed to different bunks"}
		}
		limit, target := maxCap, domain.BunkID(0)
		for bunk := range m.bunks {
			bk, ok := bunks[bunk]
			if !ok {
				return nil, domain.UnsatisfiableLockGroupError{GroupID: id, Members: len(members), Reason: fmt.Sprintf("bunk %d is not part of the session", bunk)}
			}
			limit, target = bk.Capacity, bunk
		}
		if len(members) > limit {
			b.log.Error("lock group exceeds bunk capacity", zap.String("lock_group", id), zap.Int("members", len(members)), zap.Int("capacity", limit))
			return nil, domain.UnsatisfiableLockGroupError{GroupID: id, Members: len(members), Capacity: limit, Reason: "exceeds the largest available bunk"}
		}
		for _, p := range members {
			pairs[p] = id
		}
		if len(members) > 1 {
			set.Constraints = append(set.Constraints, Constraint{
				ID:      fmt.Sprintf("%s:lock:%s", KindHardPair, id),
				Kind:    KindHardPair,
				Hard:    true,
				Persons: members,
				Origin:  "lock_group",
			})
		}
		if target != 0 {
			for _, p := range members {
				b.fix(set, p, target, "lock_group")
			}
		}
	}
	return pairs, nil
}

func usable(r domain.BunkRequest, in Input, enrolled map[domain.PersonID]domain.Person) bool {
	if !r.IsActive || r.SessionID != in.SessionID || r.Status == domain.StatusDeclined {
		return false
	}
	_, ok := enrolled[r.RequesterID]
	return ok
}

func (b *Builder) requests(set *Set, in Input, enrolled map[domain.PersonID]domain.Person, pairs map[domain.PersonID]string) {
	positive := make(map[[2]domain.PersonID]domain.BunkRequest)
	for _, r := range in.Requests {
		if usable(r, in, enrolled) && r.RequestType == domain.RequestBunkWith && r.Status == domain.StatusResolved {
			positive[[2]domain.PersonID{r.RequesterID, r.RequesteeID}] = r
		}
	}

	separated := make(map[[2]domain.PersonID]int)
	mutual := make(map[[2]domain.PersonID]bool)
	soft := make(map[domain.PersonID][]softEntry)
	var requesters []domain.PersonID
	addSoft := func(r domain.BunkRequest, target domain.PersonID) {
		entries, ok := soft[r.RequesterID]
		if !ok {
			requesters = append(requesters, r.RequesterID)
		}
		for _, e := range entries {
			if e.target == target {
				return
			}
		}
		soft[r.RequesterID] = append(entries, softEntry{req: r, target: target})
	}

	for _, r := range in.Requests {
		if !usable(r, in, enrolled) {
			continue
		}
		switch r.RequestType {
		case domain.RequestNotBunkWith:
			if _, ok := enrolled[r.RequesteeID]; !ok {
				continue
			}
			key := unordered(r.RequesterID, r.RequesteeID)
			if i, ok := separated[key]; ok {
				set.Constraints[i].Requests = append(set.Constraints[i].Requests, r.ID)
				continue
			}
			c := Constraint{
				ID:      pairID(KindHardSeparate, key[0], key[1]),
				Kind:    KindHardSeparate,
				Hard:    true,
				Persons: []domain.PersonID{key[0], key[1]},
				Weight:  b.weight(r, 0),
				Origin:  string(r.Source),
			}
			if r.ID != "" {
				c.Requests = []string{r.ID}
			}
			if reason, infeasible := b.provablyInfeasible(set, pairs, key); infeasible {
				c.Relaxed = true
				msg := fmt.Sprintf("%s relaxed: %s", c.ID, reason)
				set.Relaxed = append(set.Relaxed, msg)
				b.log.Warn("relaxed hard separation", zap.String("constraint", c.ID), zap.String("reason", reason))
			}
			separated[key] = len(set.Constraints)
			set.Constraints = append(set.Constraints, c)

		case domain.RequestBunkWith:
			if r.Status != domain.StatusResolved {
				continue
			}
			if _, ok := enrolled[r.RequesteeID]; !ok {
				continue
			}
			key := unordered(r.RequesterID, r.RequesteeID)
			back, reciprocal := positive[[2]domain.PersonID{r.RequesteeID, r.RequesterID}]
			if reciprocal && b.mutualSafety(r, back) {
				if !mutual[key] {
					mutual[key] = true
					set.Constraints = append(set.Constraints, Constraint{
						ID:       pairID(KindHardPair, key[0], key[1]),
						Kind:     KindHardPair,
						Hard:     true,
						Persons:  []domain.PersonID{key[0], key[1]},
						Requests: nonEmpty(r.ID, back.ID),
						Origin:   "mutual_staff",
					})
				}
				continue
			}
			addSoft(r, r.RequesteeID)

		case domain.RequestPriorYearContinuity:
			if r.Status != domain.StatusResolved {
				continue
			}
			for _, c := range r.Metadata.Candidates {
				if _, ok := enrolled[c.PersonID]; ok && c.PersonID != r.RequesterID {
					addSoft(r, c.PersonID)
				}
			}

		case domain.RequestAgePreference:
			if r.Status != domain.StatusResolved || r.Metadata.AgePreference == "" || b.cfg.AgeFlowWeight == 0 {
				continue
			}
			set.Constraints = append(set.Constraints, Constraint{
				ID:        fmt.Sprintf("%s:%d", KindAgeFlow, r.RequesterID),
				Kind:      KindAgeFlow,
				Persons:   []domain.PersonID{r.RequesterID},
				Direction: r.Metadata.AgePreference,
				Weight:    b.cfg.AgeFlowWeight * b.weight(r, 0),
				Requests:  nonEmpty(r.ID),
				Origin:    string(r.Source),
			})
		}
	}

	for _, requester := range requesters {
		entries := soft[requester]
		sort.SliceStable(entries, func(i, j int) bool {
			a, c := entries[i].req, entries[j].req
			if a.Priority != c.Priority {
				return a.Priority > c.Priority
			}
			if a.ConfidenceScore != c.ConfidenceScore {
				return a.ConfidenceScore > c.ConfidenceScore
			}
			return a.Metadata.ListPosition < c.Metadata.ListPosition
		})
		targets := []domain.PersonID{requester}
		var ids []string
		for n, e := range entries {
			set.Constraints = append(set.Constraints, Constraint{
				ID:       fmt.Sprintf("%s:%d->%d", KindSoftPreference, requester, e.target),
				Kind:     KindSoftPreference,
				Persons:  []domain.PersonID{requester, e.target},
				Weight:   b.weight(e.req, n),
				Requests: nonEmpty(e.req.ID),
				Origin:   string(e.req.RequestType),
			})
			targets = append(targets, e.target)
			if e.req.ID != "" {
				ids = append(ids, e.req.ID)
			}
		}
		if b.cfg.MustSatisfyOne {
			set.Constraints = append(set.Constraints, Constraint{
				ID:       fmt.Sprintf("%s:%d", KindMustSatisfyOne, requester),
				Kind:     KindMustSatisfyOne,
				Persons:  targets,
				Penalty:  b.cfg.MustSatisfyOnePenalty,
				Requests: ids,
			})
		}
	}
}

// weight is priority x confidence x source multiplier x diminishing factor
// of the n-th request of the requester.
func (b *Builder) weight(r domain.BunkRequest, n int) float64 {
	return float64(r.Priority) * r.ConfidenceScore * b.cfg.Multiplier(r.Source) * b.cfg.DiminishingFactor(n)
}

func (b *Builder) mutualSafety(x, y domain.BunkRequest) bool {
	return x.Source.Authoritative() && y.Source.Authoritative() &&
		x.ConfidenceScore >= b.cfg.MutualHardPairConfidence &&
		y.ConfidenceScore >= b.cfg.MutualHardPairConfidence
}

// provablyInfeasible reports why a separation of key can never hold.
func (b *Builder) provablyInfeasible(set *Set, pairs map[domain.PersonID]string, key [2]domain.PersonID) (string, bool) {
	if g, ok := pairs[key[0]]; ok && pairs[key[1]] == g {
		return "both campers are in lock group " + g, true
	}
	x, okx := set.Fixed[key[0]]
	y, oky := set.Fixed[key[1]]
	if okx && oky && x == y {
		return fmt.Sprintf("both campers are fixed to bunk %d", x), true
	}
	return "", false
}

func (b *Builder) friendGroups(set *Set, in Input, enrolled map[domain.PersonID]domain.Person) {
	priority := in.FriendGroupPriority
	if priority <= 0 {
		priority = domain.PriorityMin
	}
	for _, g := range in.FriendGroups {
		if g.SessionID != in.SessionID {
			continue
		}
		var members []domain.PersonID
		for _, m := range g.Members {
			if _, ok := enrolled[m]; ok {
				members = append(members, m)
			}
		}
		if len(members) < 2 {
			continue
		}
		set.Constraints = append(set.Constraints, Constraint{
			ID:      fmt.Sprintf("%s:group:%s", KindSoftPreference, g.ID),
			Kind:    KindSoftPreference,
			Persons: sortedIDs(members),
			Weight:  float64(priority) * g.Completeness * b.cfg.Multiplier(domain.SourceSystem),
			Origin:  "friend_group",
		})
	}
}

func unordered(a, b domain.PersonID) [2]domain.PersonID {
	if a > b {
		a, b = b, a
	}
	return [2]domain.PersonID{a, b}
}

func nonEmpty(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
