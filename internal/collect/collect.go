// Package collect turns raw intake fields into in-memory request candidates.
// Nothing is persisted here.
package collect

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"bunkcore/internal/config"
	"bunkcore/internal/logging"
	"bunkcore/internal/oracle"
	"bunkcore/internal/resolver"
	"bunkcore/pkg/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Review reasons attached to candidates.
const (
	ReasonUnresolvedName     = "unresolved_name"
	ReasonAmbiguousName      = "ambiguous_name"
	ReasonNeedsClarification = "needs_clarification"
	ReasonCrossSession       = "cross_session_reference"
)

// Field is one raw intake field written for a camper.
type Field struct {
	PersonID domain.PersonID    `json:"person_id"`
	Field    domain.SourceField `json:"field"`
	Text     string             `json:"text"`
}

// Candidate is one request mention found in a field. It lives only for the
// duration of a pipeline run.
type Candidate struct {
	RequesterID   domain.PersonID
	SessionID     domain.SessionID
	Year          int
	TargetID      domain.PersonID
	TargetName    string
	Type          domain.RequestType
	Source        domain.RequestSource
	Field         domain.SourceField
	Position      int
	Keywords      []string
	Confidence    float64
	OriginalText  string
	Reasoning     string
	TemporalInfo  string
	AgeDirection  domain.AgeDirection
	Method        resolver.Method
	Matches       []domain.CandidateMatch
	Declined      bool
	ReviewReasons []string
}

// HasTarget reports whether the candidate names a person.
func (c Candidate) HasTarget() bool { return c.TargetID != 0 }

func (c *Candidate) review(reason string) {
	for _, r := range c.ReviewReasons {
		if r == reason {
			return
		}
	}
	c.ReviewReasons = append(c.ReviewReasons, reason)
}

// Batch is the complete collection result of one run.
type Batch struct {
	// Candidates holds every requester's complete candidate set, in field
	// order then list position.
	Candidates map[domain.PersonID][]Candidate
	Problems   []domain.Problem
}

// Requesters returns the requesters with at least one candidate, ascending.
func (b *Batch) Requesters() []domain.PersonID {
	ids := make([]domain.PersonID, 0, len(b.Candidates))
	for id := range b.Candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Collector interprets fields with an oracle and resolves the named targets.
type Collector struct {
	oracle   oracle.Oracle
	resolver *resolver.Resolver
	workers  int
	log      *zap.Logger
}

// New constructs a collector.
func New(o oracle.Oracle, r *resolver.Resolver, cfg config.CollectConfig, log *zap.Logger) *Collector {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Collector{oracle: o, resolver: r, workers: workers, log: logging.OrNop(log)}
}

type fieldResult struct {
	candidates []Candidate
	problems   []domain.Problem
}

// Collect interprets every field concurrently and returns only once all of
// them are done, so callers always see complete per-requester sets.
func (c *Collector) Collect(ctx context.Context, persons []domain.Person, fields []Field) (*Batch, error) {
	index := make(map[domain.PersonID]domain.Person, len(persons))
	sessions := make(map[domain.SessionID]bool)
	for _, p := range persons {
		index[p.ID] = p
		sessions[p.SessionID] = true
	}
	rosters := make(map[domain.SessionID]*resolver.Roster, len(sessions))
	for s := range sessions {
		rosters[s] = resolver.NewRoster(s, persons)
	}

	results := make([]fieldResult, len(fields))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, f := range fields {
		g.Go(func() error {
			res, err := c.collectField(gctx, f, index, rosters)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}

	batch := &Batch{Candidates: make(map[domain.PersonID][]Candidate)}
	for _, res := range results {
		for _, cand := range res.candidates {
			batch.Candidates[cand.RequesterID] = append(batch.Candidates[cand.RequesterID], cand)
		}
		batch.Problems = append(batch.Problems, res.problems...)
	}
	return batch, nil
}

func (c *Collector) collectField(ctx context.Context, f Field, index map[domain.PersonID]domain.Person, rosters map[domain.SessionID]*resolver.Roster) (fieldResult, error) {
	var res fieldResult
	problem := func(p domain.Problem) {
		p.RequesterID = f.PersonID
		p.Field = f.Field
		res.problems = append(res.problems, p)
	}
	if f.Text == "" {
		return res, nil
	}
	requester, ok := index[f.PersonID]
	if !ok {
		problem(domain.Problem{Kind: domain.ProblemNeedsReview, Text: f.Text, Message: "requester is not enrolled"})
		return res, nil
	}
	if !f.Field.Known() {
		c.log.Warn("unknown source field", zap.Int64("requester_id", int64(f.PersonID)), zap.String("field", string(f.Field)))
		problem(domain.Problem{Kind: domain.ProblemInvalidTypeForSource, Text: f.Text, Message: "unknown source field " + string(f.Field)})
		return res, nil
	}
	roster := rosters[requester.SessionID]

	intents, err := c.oracle.Parse(ctx, oracle.Request{
		Text:      f.Text,
		FieldType: f.Field,
		Context: oracle.Context{
			SessionID:   requester.SessionID,
			RequesterID: requester.ID,
			AgeMonths:   requester.AgeMonths,
			Grade:       requester.Grade,
			Roster:      rosterNames(roster),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		c.log.Warn("oracle failed", zap.Int64("requester_id", int64(f.PersonID)), zap.String("field", string(f.Field)), zap.Error(err))
		problem(domain.Problem{Kind: domain.ProblemOracleFailure, Text: f.Text, Message: err.Error()})
		return res, nil
	}

	for i, in := range intents {
		if !f.Field.Allows(in.RequestType) {
			c.log.Info("dropped request type not allowed for field",
				zap.Int64("requester_id", int64(f.PersonID)),
				zap.String("field", string(f.Field)),
				zap.String("request_type", string(in.RequestType)))
			problem(domain.Problem{Kind: domain.ProblemInvalidTypeForSource, Text: in.TargetName,
				Message: fmt.Sprintf("%s cannot come from %s", in.RequestType, f.Field)})
			continue
		}
		cand := Candidate{
			RequesterID:  requester.ID,
			SessionID:    requester.SessionID,
			Year:         requester.Year,
			TargetName:   in.TargetName,
			Type:         in.RequestType,
			Source:       f.Field.Source(),
			Field:        f.Field,
			Position:     in.ListPosition,
			Keywords:     in.Keywords,
			Confidence:   in.Hint(),
			OriginalText: f.Text,
			Reasoning:    in.Reasoning,
			TemporalInfo: in.TemporalInfo,
			AgeDirection: in.AgeDirection,
		}
		if cand.Position <= 0 {
			cand.Position = i + 1
		}
		if in.NeedsClarification {
			cand.review(ReasonNeedsClarification)
		}

		if in.RequestType != domain.RequestAgePreference {
			c.target(ctx, &cand, in, requester, index, rosters, problem)
		}
		if cand.TargetID == requester.ID {
			c.log.Info("rejected self reference", zap.Int64("requester_id", int64(requester.ID)), zap.String("field", string(f.Field)))
			problem(domain.Problem{Kind: domain.ProblemSelfReferential, TargetID: requester.ID, Text: in.TargetName, Message: "request names the requester"})
			continue
		}
		res.candidates = append(res.candidates, cand)
	}
	return res, nil
}

// target fills the target identity of cand.
func (c *Collector) target(ctx context.Context, cand *Candidate, in oracle.Intent, requester domain.Person, index map[domain.PersonID]domain.Person, rosters map[domain.SessionID]*resolver.Roster, problem func(domain.Problem)) {
	continuity := in.RequestType == domain.RequestPriorYearContinuity
	if in.TargetID > 0 {
		p, ok := index[in.TargetID]
		switch {
		case !ok:
			label := "#" + strconv.FormatInt(int64(in.TargetID), 10)
			cand.TargetID = resolver.UnresolvedID(label)
			cand.TargetName = label
			cand.Method = resolver.MethodUnresolved
			cand.Confidence = 0
		case p.SessionID != requester.SessionID:
			c.decline(cand, p.ID, problem)
		default:
			cand.TargetID = p.ID
			cand.TargetName = p.FullName()
			cand.Method = resolver.MethodExplicit
		}
		return
	}
	if in.TargetName == "" {
		cand.TargetID = resolver.UnresolvedID(cand.OriginalText)
		cand.Method = resolver.MethodUnresolved
		cand.Confidence = 0
		cand.review(ReasonNeedsClarification)
		return
	}

	hint := resolver.Hint{
		RequesterID: requester.ID,
		AgeMonths:   requester.AgeMonths,
		School:      requester.School,
		Associates:  requester.PriorBunkmates,
	}
	r := c.resolver.Resolve(ctx, in.TargetName, rosters[requester.SessionID], hint)
	cand.Method = r.Method
	cand.Matches = matches(r.Candidates)
	if r.Resolved {
		cand.TargetID = r.PersonID
		cand.Confidence = domain.ClampConfidence(cand.Confidence * r.Confidence)
		if r.Ambiguous {
			cand.review(ReasonAmbiguousName)
		}
		return
	}

	if other, ok := c.otherSession(ctx, in.TargetName, requester, rosters); ok {
		c.decline(cand, other, problem)
		return
	}
	cand.TargetID = r.PersonID
	cand.Confidence = 0
	if continuity {
		return
	}
	cand.review(ReasonUnresolvedName)
	c.log.Info("unresolved name", zap.Int64("requester_id", int64(requester.ID)), zap.String("name", in.TargetName), zap.Int64("sentinel", int64(r.PersonID)))
	problem(domain.Problem{Kind: domain.ProblemUnresolvedName, TargetID: r.PersonID, Text: in.TargetName, Message: "no session member matched"})
}

// otherSession looks for an exact match of name in any other session.
func (c *Collector) otherSession(ctx context.Context, name string, requester domain.Person, rosters map[domain.SessionID]*resolver.Roster) (domain.PersonID, bool) {
	ids := make([]domain.SessionID, 0, len(rosters))
	for s := range rosters {
		if s != requester.SessionID {
			ids = append(ids, s)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, s := range ids {
		r := c.resolver.Resolve(ctx, name, rosters[s], resolver.Hint{})
		if r.Resolved && r.Method == resolver.MethodExact && !r.Ambiguous {
			return r.PersonID, true
		}
	}
	return 0, false
}

func (c *Collector) decline(cand *Candidate, target domain.PersonID, problem func(domain.Problem)) {
	cand.TargetID = target
	cand.Declined = true
	cand.Method = resolver.MethodExact
	cand.review(ReasonCrossSession)
	c.log.Info("declined cross-session reference", zap.Int64("requester_id", int64(cand.RequesterID)), zap.Int64("target_id", int64(target)))
	problem(domain.Problem{Kind: domain.ProblemCrossSessionReference, TargetID: target, Text: cand.TargetName, Message: "target is enrolled in another session"})
}

func matches(ms []resolver.Match) []domain.CandidateMatch {
	if len(ms) == 0 {
		return nil
	}
	out := make([]domain.CandidateMatch, 0, len(ms))
	for _, m := range ms {
		out = append(out, domain.CandidateMatch{PersonID: m.PersonID, Confidence: m.Confidence, Method: string(m.Method)})
	}
	return out
}

func rosterNames(r *resolver.Roster) []string {
	if r == nil {
		return nil
	}
	persons := r.Persons()
	names := make([]string, 0, len(persons))
	for _, p := range persons {
		names = append(names, p.FullName())
	}
	return names
}
