// Package resolver maps free-text camper names onto session-scoped person
// identities with banded confidence.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"bunkcore/internal/config"
	"bunkcore/internal/logging"
	"bunkcore/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"
)

// Method names how a candidate matched.
type Method string

// Match methods and their fixed confidence bands.
const (
	MethodExact      Method = "exact"
	MethodNickname   Method = "nickname"
	MethodFuzzy      Method = "fuzzy"
	MethodPhonetic   Method = "phonetic"
	MethodTieBreak   Method = "ai_tiebreak"
	MethodExplicit   Method = "explicit_id"
	MethodUnresolved Method = "unresolved"
)

var bands = map[Method]float64{
	MethodExact:    1.00,
	MethodNickname: 0.90,
	MethodFuzzy:    0.80,
	MethodPhonetic: 0.70,
}

// Band returns the base confidence of a method.
func Band(m Method) float64 { return bands[m] }

// Match is one scored candidate.
type Match struct {
	PersonID   domain.PersonID
	Confidence float64
	Method     Method
}

// Hint carries optional disambiguation signals about the requester.
type Hint struct {
	RequesterID domain.PersonID
	AgeMonths   int
	School      string
	// Associates are people linked to the requester (prior bunkmates,
	// people who asked for the requester) used for social-graph boosts.
	Associates []domain.PersonID
}

// Result is the outcome of resolving one name.
type Result struct {
	Name       string
	Normalized string
	PersonID   domain.PersonID
	Confidence float64
	Method     Method
	Resolved   bool
	// Ambiguous is set when several candidates stayed within the
	// ambiguity margin after boosts and tie-breaking.
	Ambiguous  bool
	Candidates []Match
}

// TieBreaker picks one person among ambiguous candidates, returning 0 when
// it cannot decide.
type TieBreaker interface {
	TieBreak(ctx context.Context, name string, candidates []domain.Person) (domain.PersonID, error)
}

type cacheKey struct {
	session domain.SessionID
	roster  uint64
	name    string
}

// Resolver resolves names against a session roster.
type Resolver struct {
	cfg   config.ResolverConfig
	tie   TieBreaker
	cache *lru.Cache[cacheKey, []Match]
	nick  map[string]map[string]bool
	log   *zap.Logger
}

// New constructs a resolver. tie may be nil.
func New(cfg config.ResolverConfig, tie TieBreaker, log *zap.Logger) (*Resolver, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[cacheKey, []Match](size)
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	nick := make(map[string]map[string]bool)
	link := func(a, b string) {
		if nick[a] == nil {
			nick[a] = make(map[string]bool)
		}
		nick[a][b] = true
	}
	for canonical, shorts := range cfg.Nicknames {
		c := Normalize(canonical)
		for _, s := range shorts {
			s = Normalize(s)
			link(c, s)
			link(s, c)
		}
	}
	return &Resolver{cfg: cfg, tie: tie, cache: cache, nick: nick, log: logging.OrNop(log)}, nil
}

// Resolve scores name against roster. Only roster members are considered.
func (r *Resolver) Resolve(ctx context.Context, name string, roster *Roster, hint Hint) Result {
	normalized := Normalize(name)
	res := Result{Name: name, Normalized: normalized}
	if normalized == "" || roster == nil {
		return r.unresolved(res)
	}

	key := cacheKey{session: roster.Session(), roster: roster.Version(), name: normalized}
	base, ok := r.cache.Get(key)
	if !ok {
		base = r.match(normalized, roster)
		r.cache.Add(key, base)
	}

	candidates := make([]Match, 0, len(base))
	for _, m := range base {
		if _, member := roster.Person(m.PersonID); !member {
			continue
		}
		if m.PersonID == hint.RequesterID && len(base) > 1 {
			continue
		}
		// Boosts rank candidates before clamping so saturated bands still separate.
		m.Confidence += r.boost(m.PersonID, roster, hint)
		candidates = append(candidates, m)
	}
	sortMatches(candidates)
	res.Candidates = candidates
	if len(candidates) == 0 || candidates[0].Confidence < r.cfg.MinConfidence {
		clampMatches(candidates)
		return r.unresolved(res)
	}

	best := candidates[0]
	if len(candidates) > 1 && best.Confidence-candidates[1].Confidence <= r.cfg.AmbiguityMargin {
		if picked, ok := r.tieBreak(ctx, name, candidates, roster); ok {
			best = picked
		} else {
			res.Ambiguous = true
		}
	}
	clampMatches(candidates)
	res.PersonID = best.PersonID
	res.Confidence = domain.ClampConfidence(best.Confidence)
	res.Method = best.Method
	res.Resolved = true
	return res
}

func (r *Resolver) unresolved(res Result) Result {
	res.PersonID = UnresolvedID(res.Name)
	res.Method = MethodUnresolved
	res.Confidence = 0
	res.Resolved = false
	return res
}

// match computes the best method per roster member, before boosts.
func (r *Resolver) match(normalized string, roster *Roster) []Match {
	q := tokens(normalized)
	qFirst, qLast := q[0], ""
	if len(q) > 1 {
		qLast = q[len(q)-1]
	}
	best := make(map[domain.PersonID]Method)
	consider := func(id domain.PersonID, m Method) {
		if cur, ok := best[id]; !ok || bands[m] > bands[cur] {
			best[id] = m
		}
	}
	lastOK := func(e entry) bool { return qLast == "" || qLast == e.last }

	for _, e := range roster.entries {
		id := e.person.ID
		firstHit := qFirst == e.first || (e.preferred != "" && qFirst == e.preferred)
		switch {
		case normalized == e.full, firstHit && lastOK(e):
			consider(id, MethodExact)
		case (r.nick[e.first][qFirst] || (e.preferred != "" && r.nick[e.preferred][qFirst])) && lastOK(e):
			consider(id, MethodNickname)
		}
		target := e.full
		if qLast == "" {
			target = e.first
		}
		if similarity(normalized, target) >= r.cfg.FuzzyRatio {
			consider(id, MethodFuzzy)
		}
		if soundex(qFirst) == e.firstSdx && (qLast == "" || soundex(qLast) == e.lastSdx) {
			consider(id, MethodPhonetic)
		}
	}

	// Abbreviated full names such as "sar lovel" are subsequence matches;
	// accept them as fuzzy when both initials agree.
	if qLast != "" {
		for _, fm := range fuzzy.FindFrom(normalized, roster) {
			e := roster.entries[fm.Index]
			if fm.Score > 0 && strings.HasPrefix(e.first, qFirst[:1]) && strings.HasPrefix(e.last, qLast[:1]) {
				consider(e.person.ID, MethodFuzzy)
			}
		}
	}

	out := make([]Match, 0, len(best))
	for id, m := range best {
		out = append(out, Match{PersonID: id, Confidence: bands[m], Method: m})
	}
	sortMatches(out)
	return out
}

func (r *Resolver) boost(id domain.PersonID, roster *Roster, hint Hint) float64 {
	p, ok := roster.Person(id)
	if !ok {
		return 0
	}
	var b float64
	if hint.School != "" && p.School != "" && Normalize(hint.School) == Normalize(p.School) {
		b += r.cfg.SchoolBoost
	}
	for _, a := range hint.Associates {
		if a == id {
			b += r.cfg.SocialBoost
			break
		}
	}
	if hint.AgeMonths > 0 && p.AgeMonths > 0 {
		diff := hint.AgeMonths - p.AgeMonths
		if diff < 0 {
			diff = -diff
		}
		if diff <= 12 {
			b += r.cfg.AgeBoost
		}
	}
	return b
}

func (r *Resolver) tieBreak(ctx context.Context, name string, candidates []Match, roster *Roster) (Match, bool) {
	if r.tie == nil {
		return Match{}, false
	}
	n := r.cfg.TieBreakTopN
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}
	persons := make([]domain.Person, 0, n)
	for _, m := range candidates[:n] {
		if p, ok := roster.Person(m.PersonID); ok {
			persons = append(persons, p)
		}
	}
	id, err := r.tie.TieBreak(ctx, name, persons)
	if err != nil {
		r.log.Warn("tie-break failed", zap.String("name", name), zap.Error(err))
		return Match{}, false
	}
	for _, m := range candidates[:n] {
		if m.PersonID == id {
			m.Method = MethodTieBreak
			return m, true
		}
	}
	return Match{}, false
}

func clampMatches(ms []Match) {
	for i := range ms {
		ms[i].Confidence = domain.ClampConfidence(ms[i].Confidence)
	}
}

func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Confidence != ms[j].Confidence {
			return ms[i].Confidence > ms[j].Confidence
		}
		return ms[i].PersonID < ms[j].PersonID
	})
}
