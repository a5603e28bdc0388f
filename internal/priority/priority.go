// Package priority deduplicates a requester's collected candidates and
// assigns calibrated priority and confidence.
package priority

import (
	"fmt"
	"sort"
	"strings"

	"bunkcore/internal/collect"
	"bunkcore/internal/config"
	"bunkcore/internal/logging"
	"bunkcore/pkg/domain"

	"go.uber.org/zap"
)

// Review reasons added by the resolver.
const (
	ReasonLowConfidence          = "low_confidence"
	ReasonSuppressed             = "suppressed_by_staff_negative"
	ReasonContradictory          = "contradictory_requests"
	ReasonConflictingAgeRequests = "conflicting_age_preferences"
)

// Tag classifies a candidate for priority assignment.
type Tag int

// Candidate tags. In keyword mode only WithKeyword candidates reach the top tier.
const (
	Positional Tag = iota
	WithKeyword
)

func (t Tag) String() string {
	if t == WithKeyword {
		return "with_keyword"
	}
	return "positional"
}

type tagged struct {
	collect.Candidate
	tag      Tag
	keywords []string
	priority int
}

// Lookup finds a person by id.
type Lookup func(domain.PersonID) (domain.Person, bool)

// Resolver applies the priority rules. It holds no mutable state.
type Resolver struct {
	cfg      config.PriorityConfig
	keywords []string
	log      *zap.Logger
}

// New constructs a resolver for cfg.
func New(cfg config.PriorityConfig, log *zap.Logger) *Resolver {
	kw := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &Resolver{cfg: cfg, keywords: kw, log: logging.OrNop(log)}
}

// ResolveBatch resolves every requester of batch in ascending id order.
func (r *Resolver) ResolveBatch(batch *collect.Batch, lookup Lookup) ([]domain.BunkRequest, []domain.Problem) {
	var (
		requests []domain.BunkRequest
		problems []domain.Problem
	)
	for _, id := range batch.Requesters() {
		requester, ok := lookup(id)
		if !ok {
			continue
		}
		reqs, probs := r.Resolve(requester, batch.Candidates[id], lookup)
		requests = append(requests, reqs...)
		problems = append(problems, probs...)
	}
	return requests, problems
}

// Resolve turns the complete candidate set of one requester into final
// requests. cands must hold every candidate of the requester.
func (r *Resolver) Resolve(requester domain.Person, cands []collect.Candidate, lookup Lookup) ([]domain.BunkRequest, []domain.Problem) {
	items := r.scan(cands)
	keywordMode := false
	for _, it := range items {
		if it.tag == WithKeyword {
			keywordMode = true
			break
		}
	}
	r.classify(items, keywordMode)

	var (
		targeted   = make(map[domain.PersonID][]tagged)
		order      []domain.PersonID
		ages       []tagged
		continuity []tagged
		problems   []domain.Problem
	)
	for _, it := range items {
		switch it.Type {
		case domain.RequestAgePreference:
			ages = append(ages, it)
		case domain.RequestPriorYearContinuity:
			continuity = append(continuity, it)
		default:
			if _, seen := targeted[it.TargetID]; !seen {
				order = append(order, it.TargetID)
			}
			targeted[it.TargetID] = append(targeted[it.TargetID], it)
		}
	}

	var out []domain.BunkRequest
	for _, target := range order {
		reqs, probs := r.resolvePair(targeted[target])
		out = append(out, reqs...)
		problems = append(problems, probs...)
	}
	// A request is sole when the requester has no other live request:
	// declined rows do not count, the age and continuity rows count for
	// each other.
	live := 0
	for _, req := range out {
		if req.Status != domain.StatusDeclined {
			live++
		}
	}
	hasAge, hasContinuity := len(ages) > 0, len(continuity) > 0

	if hasAge {
		age, probs := r.resolveAge(ages, live == 0 && !hasContinuity)
		out = append(out, age)
		problems = append(problems, probs...)
	}
	if hasContinuity {
		out = append(out, r.placeholder(requester, continuity, live == 0 && !hasAge))
	}

	for i := range out {
		if p, ok := r.spread(requester, &out[i], lookup); ok {
			problems = append(problems, p)
		}
		r.finalize(&out[i])
	}
	return out, problems
}

// scan is the first pass: tag each candidate by keyword presence.
func (r *Resolver) scan(cands []collect.Candidate) []tagged {
	items := make([]tagged, 0, len(cands))
	for _, c := range cands {
		it := tagged{Candidate: c, tag: Positional}
		it.keywords = r.matchKeywords(c)
		if len(it.keywords) > 0 {
			it.tag = WithKeyword
		}
		items = append(items, it)
	}
	return items
}

func (r *Resolver) matchKeywords(c collect.Candidate) []string {
	haystack := strings.ToLower(strings.Join(append([]string{c.TargetName, c.Reasoning}, c.Keywords...), " "))
	var found []string
	for _, k := range r.keywords {
		if strings.Contains(haystack, k) {
			found = append(found, k)
		}
	}
	return found
}

// classify is the second pass. Multiple keywords never add up; the top tier
// is a ceiling.
func (r *Resolver) classify(items []tagged, keywordMode bool) {
	for i := range items {
		switch {
		case keywordMode && items[i].tag == WithKeyword:
			items[i].priority = domain.PriorityMax
		case keywordMode:
			items[i].priority = r.cfg.KeywordDemoted
		default:
			items[i].priority = r.cfg.PositionPriority(items[i].Position)
		}
	}
}

// resolvePair settles every candidate naming one target.
func (r *Resolver) resolvePair(group []tagged) ([]domain.BunkRequest, []domain.Problem) {
	var pos, neg []tagged
	authNeg := false
	for _, it := range group {
		if it.Type.Negative() {
			neg = append(neg, it)
			authNeg = authNeg || it.Source.Authoritative()
		} else {
			pos = append(pos, it)
		}
	}

	var problems []domain.Problem
	merge := func(g []tagged) domain.BunkRequest {
		req, p := r.merge(g)
		problems = append(problems, p...)
		return req
	}

	switch {
	case len(pos) == 0 || len(neg) == 0:
		return []domain.BunkRequest{merge(group)}, problems

	case authNeg:
		// A staff negative outranks any positive for the pair and is kept
		// even if it is never reciprocated.
		keep := merge(neg)
		suppressed := merge(pos)
		suppressed.Status = domain.StatusDeclined
		suppressed.Metadata.SuppressedBy = fmt.Sprintf("%s %s", keep.Source, keep.RequestType)
		suppressed.FlagForReview(ReasonSuppressed)
		r.log.Info("suppressed positive request by staff negative",
			zap.Int64("requester_id", int64(keep.RequesterID)),
			zap.Int64("target_id", int64(keep.RequesteeID)))
		return []domain.BunkRequest{keep, suppressed}, problems

	default:
		winner, loser := pos, neg
		if best(neg) > best(pos) {
			winner, loser = neg, pos
		}
		keep := merge(winner)
		for _, l := range loser {
			keep.Metadata.DroppedDuplicates = append(keep.Metadata.DroppedDuplicates, dropped(l, "lower_precedence"))
		}
		keep.FlagForReview(ReasonContradictory)
		problems = append(problems, domain.Problem{
			Kind:        domain.ProblemDuplicateRequest,
			RequesterID: keep.RequesterID,
			TargetID:    keep.RequesteeID,
			Message:     fmt.Sprintf("kept %s over %d opposite request(s) by source precedence", keep.RequestType, len(loser)),
		})
		return []domain.BunkRequest{keep}, problems
	}
}

func best(g []tagged) int {
	top := -1
	for _, it := range g {
		if p := domain.Precedence(it.Source, it.Type); p > top {
			top = p
		}
	}
	return top
}

// merge collapses candidates of one triple. The highest precedence source
// keeps its record, which then carries the highest priority and confidence
// of the group plus the provenance of the rest.
func (r *Resolver) merge(group []tagged) (domain.BunkRequest, []domain.Problem) {
	sorted := append([]tagged(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		pa, pb := domain.Precedence(a.Source, a.Type), domain.Precedence(b.Source, b.Type)
		if pa != pb {
			return pa > pb
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Position < b.Position
	})
	keep := sorted[0]
	req := r.toRequest(keep)
	fields := map[domain.SourceField]bool{keep.Field: true}
	sources := map[domain.RequestSource]bool{keep.Source: true}
	for _, dup := range sorted[1:] {
		if dup.priority > req.Priority {
			req.Priority = dup.priority
		}
		if dup.Confidence > req.ConfidenceScore {
			req.ConfidenceScore = dup.Confidence
		}
		if !fields[dup.Field] {
			fields[dup.Field] = true
			req.Metadata.SourceFields = append(req.Metadata.SourceFields, dup.Field)
		}
		if !sources[dup.Source] {
			sources[dup.Source] = true
			req.Metadata.Sources = append(req.Metadata.Sources, dup.Source)
		}
		req.Metadata.Keywords = union(req.Metadata.Keywords, dup.keywords)
		for _, reason := range dup.ReviewReasons {
			req.FlagForReview(reason)
		}
		req.Metadata.DroppedDuplicates = append(req.Metadata.DroppedDuplicates, dropped(dup, "duplicate"))
	}
	if extra := len(fields) - 1; extra > 0 && !req.RequesteeID.Unresolved() {
		boost := r.cfg.MultiSourceBoost * float64(extra)
		req.Metadata.ConfidenceBoost += boost
		req.ConfidenceScore = domain.ClampConfidence(req.ConfidenceScore + boost)
	}
	if len(sorted) == 1 {
		return req, nil
	}
	return req, []domain.Problem{{
		Kind:        domain.ProblemDuplicateRequest,
		RequesterID: req.RequesterID,
		TargetID:    req.RequesteeID,
		Field:       req.SourceField,
		Message:     fmt.Sprintf("merged %d duplicate %s request(s)", len(sorted)-1, req.RequestType),
	}}
}

func (r *Resolver) resolveAge(group []tagged, sole bool) (domain.BunkRequest, []domain.Problem) {
	req, problems := r.merge(group)
	dirs := make(map[domain.AgeDirection]bool)
	for _, it := range group {
		if it.AgeDirection != "" {
			dirs[it.AgeDirection] = true
		}
	}
	if len(dirs) > 1 {
		req.FlagForReview(ReasonConflictingAgeRequests)
	}
	switch {
	case req.Source == domain.SourceParent:
		req.Priority = domain.PriorityMin
	case !sole:
		req.Priority = domain.PriorityMin
	}
	return req, problems
}

// placeholder emits the single continuity request of a requester.
func (r *Resolver) placeholder(requester domain.Person, group []tagged, sole bool) domain.BunkRequest {
	first := group[0]
	req := r.toRequest(first)
	req.RequesteeID = 0
	req.RequestedName = ""
	req.ConfidenceScore = 1
	req.Status = domain.StatusPending
	req.Metadata.ListPosition = 0
	req.Metadata.Candidates = nil
	req.Priority = domain.PriorityMax
	if !sole {
		req.Priority = domain.PriorityMax - 1
	}
	seen := make(map[domain.PersonID]bool)
	for _, it := range group {
		if seen[it.TargetID] {
			continue
		}
		seen[it.TargetID] = true
		req.Metadata.HistoricalNames = append(req.Metadata.HistoricalNames, it.TargetName)
		if it.TargetID > 0 && !it.Declined && it.TargetID != requester.ID {
			req.Metadata.Candidates = append(req.Metadata.Candidates, domain.CandidateMatch{
				PersonID: it.TargetID, Confidence: it.Confidence, Method: string(it.Method),
			})
		}
	}
	return req
}

// spread converts a bunk_with whose target sits outside the allowed spread.
func (r *Resolver) spread(requester domain.Person, req *domain.BunkRequest, lookup Lookup) (domain.Problem, bool) {
	if req.RequestType != domain.RequestBunkWith || req.Status == domain.StatusDeclined || req.RequesteeID <= 0 {
		return domain.Problem{}, false
	}
	target, ok := lookup(req.RequesteeID)
	if !ok {
		return domain.Problem{}, false
	}
	gradeDiff := abs(requester.Grade - target.Grade)
	ageDiff := 0
	if requester.AgeMonths > 0 && target.AgeMonths > 0 {
		ageDiff = abs(requester.AgeMonths - target.AgeMonths)
	}
	overGrade := requester.Grade > 0 && target.Grade > 0 && gradeDiff > r.cfg.MaxGradeSpread
	overAge := r.cfg.MaxAgeSpreadMonths > 0 && ageDiff > r.cfg.MaxAgeSpreadMonths
	if !overGrade && !overAge {
		return domain.Problem{}, false
	}
	req.RequestType = domain.RequestSpreadLimited
	req.ConfidenceScore = 1
	req.Metadata.Spread = &domain.SpreadDetail{
		RequesterGrade:  requester.Grade,
		TargetGrade:     target.Grade,
		GradeDiff:       gradeDiff,
		AgeDiffMonths:   ageDiff,
		MaxGradeSpread:  r.cfg.MaxGradeSpread,
		MaxAgeSpreadMos: r.cfg.MaxAgeSpreadMonths,
	}
	r.log.Info("converted request to spread_limited",
		zap.Int64("requester_id", int64(req.RequesterID)),
		zap.Int64("target_id", int64(req.RequesteeID)),
		zap.Int("grade_diff", gradeDiff),
		zap.Int("age_diff_months", ageDiff))
	return domain.Problem{
		Kind:        domain.ProblemSpreadViolation,
		RequesterID: req.RequesterID,
		TargetID:    req.RequesteeID,
		Field:       req.SourceField,
		Message:     fmt.Sprintf("grade diff %d, age diff %d months", gradeDiff, ageDiff),
	}, true
}

// finalize derives the review status of a request.
func (r *Resolver) finalize(req *domain.BunkRequest) {
	if req.Status == domain.StatusDeclined {
		return
	}
	if req.RequestType == domain.RequestPriorYearContinuity {
		req.Status = domain.StatusPending
		return
	}
	if req.RequestType != domain.RequestSpreadLimited && req.ConfidenceScore < r.cfg.ReviewThreshold {
		req.FlagForReview(ReasonLowConfidence)
	}
	if req.RequiresManualReview {
		req.Status = domain.StatusPending
		return
	}
	req.Status = domain.StatusResolved
}

func (r *Resolver) toRequest(it tagged) domain.BunkRequest {
	req := domain.BunkRequest{
		RequesterID:     it.RequesterID,
		RequesteeID:     it.TargetID,
		RequestedName:   it.TargetName,
		SessionID:       it.SessionID,
		Year:            it.Year,
		RequestType:     it.Type,
		Priority:        domain.ClampPriority(it.priority),
		ConfidenceScore: domain.ClampConfidence(it.Confidence),
		Status:          domain.StatusResolved,
		Source:          it.Source,
		SourceField:     it.Field,
		IsActive:        true,
		Metadata: domain.RequestMetadata{
			OriginalText:     it.OriginalText,
			Reasoning:        it.Reasoning,
			Keywords:         it.keywords,
			ListPosition:     it.Position,
			SourceFields:     []domain.SourceField{it.Field},
			Sources:          []domain.RequestSource{it.Source},
			ResolutionMethod: string(it.Method),
			Candidates:       it.Matches,
			AgePreference:    it.AgeDirection,
			TemporalInfo:     it.TemporalInfo,
		},
	}
	if it.Declined {
		req.Status = domain.StatusDeclined
	}
	for _, reason := range it.ReviewReasons {
		req.FlagForReview(reason)
	}
	return req
}

func dropped(it tagged, reason string) domain.DroppedDuplicate {
	return domain.DroppedDuplicate{
		Source:       it.Source,
		SourceField:  it.Field,
		Type:         it.Type,
		Priority:     it.priority,
		Confidence:   it.Confidence,
		ListPosition: it.Position,
		OriginalText: it.OriginalText,
		Reason:       reason,
	}
}

func union(a, b []string) []string {
	for _, s := range b {
		found := false
		for _, t := range a {
			if s == t {
				found = true
				break
			}
		}
		if !found {
			a = append(a, s)
		}
	}
	return a
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
