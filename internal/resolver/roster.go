package resolver

import (
	"sort"
	"strconv"

	"bunkcore/pkg/domain"

	"github.com/cespare/xxhash/v2"
)

type entry struct {
	person    domain.Person
	first     string
	preferred string
	last      string
	full      string
	firstSdx  string
	lastSdx   string
}

// Roster is the session-scoped search space of the resolver. Only persons
// enrolled in the roster's session are ever candidates.
type Roster struct {
	session domain.SessionID
	entries []entry
	names   []string
	byID    map[domain.PersonID]int
	// version fingerprints the membership and the matchable fields of every
	// member; match caches are keyed by it.
	version uint64
}

// NewRoster indexes the persons of session, ignoring everyone else.
func NewRoster(session domain.SessionID, persons []domain.Person) *Roster {
	r := &Roster{session: session, byID: make(map[domain.PersonID]int)}
	for _, p := range persons {
		if p.SessionID != session {
			continue
		}
		e := entry{
			person:    p,
			first:     Normalize(p.FirstName),
			preferred: Normalize(p.PreferredName),
			last:      Normalize(p.LastName),
		}
		e.full = Normalize(p.FirstName + " " + p.LastName)
		e.firstSdx = soundex(e.first)
		e.lastSdx = soundex(e.last)
		r.byID[p.ID] = len(r.entries)
		r.entries = append(r.entries, e)
		r.names = append(r.names, e.full)
	}
	r.version = r.fingerprint()
	return r
}

func (r *Roster) fingerprint() uint64 {
	order := make([]int, len(r.entries))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return r.entries[order[a]].person.ID < r.entries[order[b]].person.ID })
	d := xxhash.New()
	_, _ = d.WriteString(strconv.FormatInt(int64(r.session), 10))
	for _, i := range order {
		e := r.entries[i]
		_, _ = d.WriteString("|" + strconv.FormatInt(int64(e.person.ID), 10) + ":" + e.first + ":" + e.preferred + ":" + e.last)
	}
	return d.Sum64()
}

// Version returns the roster fingerprint. Rosters with equal members share it.
func (r *Roster) Version() uint64 { return r.version }

// Session returns the roster's session.
func (r *Roster) Session() domain.SessionID { return r.session }

// Person returns a roster member by id.
func (r *Roster) Person(id domain.PersonID) (domain.Person, bool) {
	i, ok := r.byID[id]
	if !ok {
		return domain.Person{}, false
	}
	return r.entries[i].person, true
}

// Persons returns every roster member.
func (r *Roster) Persons() []domain.Person {
	out := make([]domain.Person, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.person)
	}
	return out
}

// Len implements fuzzy.Source.
func (r *Roster) Len() int { return len(r.names) }

// String implements fuzzy.Source.
func (r *Roster) String(i int) string { return r.names[i] }
