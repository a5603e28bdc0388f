package solver

import (
	"fmt"
	"sort"

	"bunkcore/internal/constraint"
	"bunkcore/pkg/domain"
)

const (
	separationPenalty = 1e6
	unplacedPenalty   = 1e5
)

type softTerm struct {
	id      string
	persons []int
	weight  float64
	counted int
}

type mustTerm struct {
	id        string
	requester int
	targets   []int
	penalty   float64
}

type ageTerm struct {
	id      string
	person  int
	older   bool
	weight  float64
	counted int
}

type sepTerm struct {
	id      string
	a, b    int
	counted int
}

type pairTerm struct {
	id      string
	counted int
}

// model is the integer-indexed form of a constraint set.
type model struct {
	persons  []domain.Person
	pidx     map[domain.PersonID]int
	bunks    []domain.Bunk
	bidx     map[domain.BunkID]int
	capacity []int
	hardCap  []bool
	capPen   []float64

	blocks  [][]int
	blockOf []int
	fixed   []int

	seps     []sepTerm
	sepAdj   [][]int
	soft     []softTerm
	must     []mustTerm
	ages     []ageTerm
	pairs    []pairTerm
	grade    float64
	infeas   []string
	relaxed  []string
	warnings []string
}

func newModel(set *constraint.Set) *model {
	m := &model{
		pidx:     make(map[domain.PersonID]int),
		bidx:     make(map[domain.BunkID]int),
		relaxed:  append([]string(nil), set.Relaxed...),
		warnings: append([]string(nil), set.Warnings...),
	}
	for _, p := range set.Persons {
		m.pidx[p.ID] = len(m.persons)
		m.persons = append(m.persons, p)
	}
	for _, b := range set.Bunks {
		m.bidx[b.ID] = len(m.bunks)
		m.bunks = append(m.bunks, b)
		m.capacity = append(m.capacity, b.Capacity)
		m.hardCap = append(m.hardCap, true)
		m.capPen = append(m.capPen, 0)
	}
	m.sepAdj = make([][]int, len(m.persons))

	parent := make([]int, len(m.persons))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	fixedBunk := make(map[int]int)

	for _, c := range set.Constraints {
		idx := m.indexes(c.Persons)
		switch c.Kind {
		case constraint.KindHardPair:
			if !c.Enforced() || len(idx) < 2 {
				continue
			}
			for _, p := range idx[1:] {
				if ra, rb := find(idx[0]), find(p); ra != rb {
					parent[rb] = ra
				}
			}
			if c.Origin == "mutual_staff" {
				m.pairs = append(m.pairs, pairTerm{id: c.ID, counted: count(c)})
			}
		case constraint.KindHardFix:
			b, ok := m.bidx[c.Bunk]
			if !ok || len(idx) == 0 {
				continue
			}
			fixedBunk[idx[0]] = b
		case constraint.KindHardSeparate:
			if len(idx) != 2 {
				continue
			}
			if !c.Enforced() {
				continue
			}
			s := len(m.seps)
			m.seps = append(m.seps, sepTerm{id: c.ID, a: idx[0], b: idx[1], counted: count(c)})
			m.sepAdj[idx[0]] = append(m.sepAdj[idx[0]], s)
			m.sepAdj[idx[1]] = append(m.sepAdj[idx[1]], s)
		case constraint.KindSoftPreference:
			if len(idx) < 2 {
				continue
			}
			counted := count(c)
			if c.Origin == "friend_group" {
				counted = 0
			}
			m.soft = append(m.soft, softTerm{id: c.ID, persons: idx, weight: c.Weight, counted: counted})
		case constraint.KindMustSatisfyOne:
			if len(idx) < 2 {
				continue
			}
			m.must = append(m.must, mustTerm{id: c.ID, requester: idx[0], targets: idx[1:], penalty: c.Penalty})
		case constraint.KindAgeFlow:
			if len(idx) == 0 {
				continue
			}
			m.ages = append(m.ages, ageTerm{id: c.ID, person: idx[0], older: c.Direction == domain.AgeOlder, weight: c.Weight, counted: count(c)})
		case constraint.KindCapacity:
			if b, ok := m.bidx[c.Bunk]; ok {
				m.capacity[b] = c.Capacity
				m.hardCap[b] = c.Hard
				m.capPen[b] = c.Penalty
			}
		case constraint.KindGradeCohesion:
			m.grade += c.Weight
		}
	}

	m.blockOf = make([]int, len(m.persons))
	roots := make(map[int]int)
	for p := range m.persons {
		r := find(p)
		bi, ok := roots[r]
		if !ok {
			bi = len(m.blocks)
			roots[r] = bi
			m.blocks = append(m.blocks, nil)
			m.fixed = append(m.fixed, -1)
		}
		m.blocks[bi] = append(m.blocks[bi], p)
		m.blockOf[p] = bi
	}
	for p, b := range fixedBunk {
		bi := m.blockOf[p]
		switch {
		case m.fixed[bi] == -1:
			m.fixed[bi] = b
		case m.fixed[bi] != b:
			m.infeas = append(m.infeas, fmt.Sprintf("%s:%d", constraint.KindHardFix, m.persons[p].ID))
		}
	}
	for _, s := range m.seps {
		if m.blockOf[s.a] == m.blockOf[s.b] {
			m.infeas = append(m.infeas, s.id)
		}
	}
	sort.Strings(m.infeas)
	return m
}

func (m *model) indexes(ids []domain.PersonID) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if i, ok := m.pidx[id]; ok {
			out = append(out, i)
		}
	}
	return out
}

func count(c constraint.Constraint) int {
	if n := len(c.Requests); n > 0 {
		return n
	}
	return 1
}

// state is a candidate assignment: bunk index per person, -1 when unplaced.
type state struct {
	bunkOf []int
	load   []int
}

func (m *model) newState() *state {
	st := &state{bunkOf: make([]int, len(m.persons)), load: make([]int, len(m.bunks))}
	for i := range st.bunkOf {
		st.bunkOf[i] = -1
	}
	return st
}

func (m *model) place(st *state, block, bunk int) {
	for _, p := range m.blocks[block] {
		if old := st.bunkOf[p]; old >= 0 {
			st.load[old]--
		}
		st.bunkOf[p] = bunk
		if bunk >= 0 {
			st.load[bunk]++
		}
	}
}

// fits reports whether block can move to bunk without breaking a hard
// capacity or an enforced separation.
func (m *model) fits(st *state, block, bunk int) bool {
	size := len(m.blocks[block])
	if st.bunkOf[m.blocks[block][0]] == bunk {
		return true
	}
	if m.hardCap[bunk] && st.load[bunk]+size > m.capacity[bunk] {
		return false
	}
	return !m.separated(st, block, bunk)
}

func (m *model) separated(st *state, block, bunk int) bool {
	for _, p := range m.blocks[block] {
		for _, s := range m.sepAdj[p] {
			other := m.seps[s].a
			if other == p {
				other = m.seps[s].b
			}
			if m.blockOf[other] != block && st.bunkOf[other] == bunk {
				return true
			}
		}
	}
	return false
}

// score is the objective: satisfied soft weight minus penalties.
func (m *model) score(st *state) float64 {
	var total float64
	for _, b := range st.bunkOf {
		if b < 0 {
			total -= unplacedPenalty
		}
	}
	for _, t := range m.soft {
		total += t.weight * together(st, t.persons)
	}
	for _, t := range m.must {
		if !m.mustHolds(st, t) {
			total -= t.penalty
		}
	}
	for _, t := range m.ages {
		total += t.weight * m.ageFraction(st, t)
	}
	for _, s := range m.seps {
		if st.bunkOf[s.a] >= 0 && st.bunkOf[s.a] == st.bunkOf[s.b] {
			total -= separationPenalty
		}
	}
	for b := range m.bunks {
		if over := st.load[b] - m.capacity[b]; over > 0 && !m.hardCap[b] {
			total -= float64(over) * m.capPen[b]
		}
	}
	if m.grade > 0 {
		total -= m.grade * m.gradeSpread(st)
	}
	return total
}

// together is the share of the term's pairs that share a bunk.
func together(st *state, persons []int) float64 {
	pairs, hits := 0, 0
	for i := 0; i < len(persons); i++ {
		for j := i + 1; j < len(persons); j++ {
			pairs++
			if st.bunkOf[persons[i]] >= 0 && st.bunkOf[persons[i]] == st.bunkOf[persons[j]] {
				hits++
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	return float64(hits) / float64(pairs)
}

func (m *model) mustHolds(st *state, t mustTerm) bool {
	b := st.bunkOf[t.requester]
	if b < 0 {
		return false
	}
	for _, p := range t.targets {
		if st.bunkOf[p] == b {
			return true
		}
	}
	return false
}

func (m *model) age(p int) int {
	if a := m.persons[p].AgeMonths; a > 0 {
		return a
	}
	return m.persons[p].Grade * 12
}

// ageFraction is the share of bunkmates in the preferred age direction.
func (m *model) ageFraction(st *state, t ageTerm) float64 {
	b := st.bunkOf[t.person]
	if b < 0 {
		return 0
	}
	mates, hits := 0, 0
	mine := m.age(t.person)
	for p, pb := range st.bunkOf {
		if pb != b || p == t.person {
			continue
		}
		mates++
		if (t.older && m.age(p) > mine) || (!t.older && m.age(p) < mine) {
			hits++
		}
	}
	if mates == 0 {
		return 0
	}
	return float64(hits) / float64(mates)
}

// gradeSpread sums the grade range of every bunk plus the distance of
// campers outside a bunk's grade band.
func (m *model) gradeSpread(st *state) float64 {
	lo := make([]int, len(m.bunks))
	hi := make([]int, len(m.bunks))
	seen := make([]bool, len(m.bunks))
	var outside int
	for p, b := range st.bunkOf {
		if b < 0 {
			continue
		}
		g := m.persons[p].Grade
		if !seen[b] {
			lo[b], hi[b], seen[b] = g, g, true
		}
		lo[b], hi[b] = min(lo[b], g), max(hi[b], g)
		bk := m.bunks[b]
		if bk.MinGrade > 0 && g < bk.MinGrade {
			outside += bk.MinGrade - g
		}
		if bk.MaxGrade > 0 && g > bk.MaxGrade {
			outside += g - bk.MaxGrade
		}
	}
	spread := 0
	for b := range m.bunks {
		if seen[b] {
			spread += hi[b] - lo[b]
		}
	}
	return float64(spread + outside)
}
