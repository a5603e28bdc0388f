// Package pipeline turns raw intake fields into the persisted request set of
// one session: collect, then (after the collection barrier) resolve
// priorities, analyze the request graph and sync the result to the store.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bunkcore/internal/collect"
	"bunkcore/internal/graph"
	"bunkcore/internal/logging"
	"bunkcore/internal/priority"
	"bunkcore/pkg/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("bunkcore/pipeline")

// Input is one processing pass over a session.
type Input struct {
	SessionID domain.SessionID
	Year      int
	Fields    []collect.Field
}

// Report summarises a pass.
type Report struct {
	SessionID    domain.SessionID     `json:"session_id"`
	Year         int                  `json:"year"`
	Created      int                  `json:"created"`
	Updated      int                  `json:"updated"`
	Deactivated  int                  `json:"deactivated"`
	FriendGroups int                  `json:"friend_groups"`
	Problems     []domain.Problem     `json:"problems,omitempty"`
	Requests     []domain.BunkRequest `json:"requests"`
	Groups       []domain.FriendGroup `json:"groups,omitempty"`
	Elapsed      time.Duration        `json:"elapsed"`
}

// Recorder observes finished passes.
type Recorder interface {
	ObservePipeline(ctx context.Context, report Report)
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option { return func(p *Pipeline) { p.log = logging.OrNop(log) } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

// WithClock overrides the time source used for note freshness.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// Pipeline wires the request-intelligence stages to a store.
type Pipeline struct {
	store     domain.PersistentStore
	collector *collect.Collector
	priority  *priority.Resolver
	graph     *graph.Analyzer
	recorder  Recorder
	log       *zap.Logger
	now       func() time.Time
}

// New constructs a pipeline.
func New(store domain.PersistentStore, collector *collect.Collector, prio *priority.Resolver, analyzer *graph.Analyzer, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, collector: collector, priority: prio, graph: analyzer, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type snapshot struct {
	persons  []domain.Person
	existing []domain.BunkRequest
	notes    []domain.ConflictNote
}

// Process runs one pass and persists its outcome in a single transaction.
func (p *Pipeline) Process(ctx context.Context, in Input) (Report, error) {
	started := p.now()
	ctx, span := tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(attribute.Int64("session.id", int64(in.SessionID)), attribute.Int("fields", len(in.Fields)))

	var snap snapshot
	err := p.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindSession(in.SessionID); !ok {
			return domain.ErrNotFound{Entity: domain.EntitySession, ID: fmt.Sprint(in.SessionID)}
		}
		for _, person := range view.ListPersons() {
			if person.Year == in.Year {
				snap.persons = append(snap.persons, person)
			}
		}
		for _, r := range view.ListRequests() {
			if r.SessionID == in.SessionID && r.Year == in.Year {
				snap.existing = append(snap.existing, r)
			}
		}
		for _, n := range view.ListConflictNotes() {
			if n.SessionID == in.SessionID {
				snap.notes = append(snap.notes, n)
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, fail(span, err)
	}

	index := make(map[domain.PersonID]domain.Person, len(snap.persons))
	for _, person := range snap.persons {
		index[person.ID] = person
	}
	// Every roster of the year stays visible so cross-session targets can be
	// declined, but only this session's requesters are collected.
	fields, outside := scopeFields(in.SessionID, in.Fields, index)

	batch, err := p.collect(ctx, snap.persons, fields)
	if err != nil {
		return Report{}, fail(span, err)
	}
	_, prioSpan := tracer.Start(ctx, "pipeline.priority")
	requests, problems := p.priority.ResolveBatch(batch, func(id domain.PersonID) (domain.Person, bool) {
		person, ok := index[id]
		return person, ok
	})
	prioSpan.SetAttributes(attribute.Int("requests", len(requests)))
	prioSpan.End()
	requests = carryOver(requests, snap.existing)

	_, graphSpan := tracer.Start(ctx, "pipeline.graph")
	analysis := p.graph.Analyze(graph.Input{SessionID: in.SessionID, Year: in.Year, Requests: requests, Notes: snap.notes, Now: p.now()})
	graphSpan.SetAttributes(attribute.Int("friend_groups", len(analysis.FriendGroups)))
	graphSpan.End()

	report := Report{SessionID: in.SessionID, Year: in.Year}
	report.Problems = append(report.Problems, outside...)
	report.Problems = append(append(append(report.Problems, batch.Problems...), problems...), analysis.Problems...)
	if err := p.persist(ctx, in, analysis, snap.existing, &report); err != nil {
		return Report{}, fail(span, err)
	}
	report.FriendGroups = len(report.Groups)
	report.Elapsed = p.now().Sub(started)

	for _, prob := range report.Problems {
		p.log.Info("automatic correction",
			zap.String("kind", string(prob.Kind)),
			zap.Int64("requester_id", int64(prob.RequesterID)),
			zap.Int64("target_id", int64(prob.TargetID)),
			zap.String("field", string(prob.Field)),
			zap.String("message", prob.Message))
	}
	p.log.Info("session processed",
		zap.Int64("session_id", int64(in.SessionID)),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("deactivated", report.Deactivated),
		zap.Int("friend_groups", report.FriendGroups),
		zap.Int("problems", len(report.Problems)),
		zap.Duration("elapsed", report.Elapsed))
	if p.recorder != nil {
		p.recorder.ObservePipeline(ctx, report)
	}
	return report, nil
}

// scopeFields keeps the fields whose requester is enrolled in session and
// reports the rest. Unknown requesters pass through so the collector reports
// them.
func scopeFields(session domain.SessionID, fields []collect.Field, index map[domain.PersonID]domain.Person) ([]collect.Field, []domain.Problem) {
	kept := make([]collect.Field, 0, len(fields))
	var problems []domain.Problem
	for _, f := range fields {
		requester, ok := index[f.PersonID]
		if !ok || requester.SessionID == session {
			kept = append(kept, f)
			continue
		}
		problems = append(problems, domain.Problem{
			Kind:        domain.ProblemCrossSessionReference,
			RequesterID: f.PersonID,
			Field:       f.Field,
			Text:        f.Text,
			Message:     fmt.Sprintf("requester is enrolled in session %d, not %d", requester.SessionID, session),
		})
	}
	return kept, problems
}

// collect is the barrier: nothing downstream runs until every field of every
// requester has been interpreted.
func (p *Pipeline) collect(ctx context.Context, persons []domain.Person, fields []collect.Field) (*collect.Batch, error) {
	ctx, span := tracer.Start(ctx, "pipeline.collect")
	defer span.End()
	batch, err := p.collector.Collect(ctx, persons, fields)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("requesters", len(batch.Candidates)))
	return batch, nil
}

// carryOver keeps staff decisions made on the previous request set: locked
// priorities and completed manual reviews survive a re-run.
func carryOver(requests, existing []domain.BunkRequest) []domain.BunkRequest {
	prior := make(map[domain.RequestKey]domain.BunkRequest, len(existing))
	for _, r := range existing {
		if cur, ok := prior[r.Key()]; ok && cur.IsActive && !r.IsActive {
			continue
		}
		prior[r.Key()] = r
	}
	for i := range requests {
		old, ok := prior[requests[i].Key()]
		if !ok {
			continue
		}
		if old.PriorityLocked {
			requests[i].Priority = old.Priority
			requests[i].PriorityLocked = true
		}
		// A cross-session decline from this pass outranks an earlier approval.
		if requests[i].Status == domain.StatusDeclined && old.Status != domain.StatusDeclined {
			continue
		}
		if old.Metadata.ReviewedBy != "" && old.Status != domain.StatusPending {
			requests[i].Status = old.Status
			requests[i].RequiresManualReview = false
			requests[i].Metadata.ReviewedBy = old.Metadata.ReviewedBy
		}
	}
	return requests
}

// persist syncs the session's request set: matching triples are updated in
// place, new ones created and vanished ones soft-deactivated.
func (p *Pipeline) persist(ctx context.Context, in Input, analysis graph.Result, existing []domain.BunkRequest, report *Report) error {
	ctx, span := tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	byKey := make(map[domain.RequestKey][]domain.BunkRequest)
	for _, r := range existing {
		byKey[r.Key()] = append(byKey[r.Key()], r)
	}
	for k := range byKey {
		// Prefer reusing an active row.
		sort.SliceStable(byKey[k], func(i, j int) bool { return byKey[k][i].IsActive && !byKey[k][j].IsActive })
	}

	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		reused := make(map[string]bool)
		for _, r := range analysis.Requests {
			rows := byKey[r.Key()]
			if len(rows) == 0 {
				created, err := tx.CreateRequest(r)
				if err != nil {
					return fmt.Errorf("create request %d->%d: %w", r.RequesterID, r.RequesteeID, err)
				}
				report.Created++
				report.Requests = append(report.Requests, created)
				continue
			}
			row := rows[0]
			byKey[r.Key()] = rows[1:]
			reused[row.ID] = true
			next := r
			updated, err := tx.UpdateRequest(row.ID, func(cur *domain.BunkRequest) error {
				next.ID = cur.ID
				next.CreatedAt = cur.CreatedAt
				*cur = next
				return nil
			})
			if err != nil {
				return fmt.Errorf("update request %s: %w", row.ID, err)
			}
			report.Updated++
			report.Requests = append(report.Requests, updated)
		}
		for _, r := range existing {
			if reused[r.ID] || !r.IsActive {
				continue
			}
			if _, err := tx.UpdateRequest(r.ID, func(cur *domain.BunkRequest) error {
				cur.IsActive = false
				return nil
			}); err != nil {
				return fmt.Errorf("deactivate request %s: %w", r.ID, err)
			}
			report.Deactivated++
		}
		groups, err := tx.ReplaceFriendGroups(in.SessionID, in.Year, analysis.FriendGroups)
		if err != nil {
			return fmt.Errorf("replace friend groups: %w", err)
		}
		report.Groups = groups
		return nil
	})
	if err != nil {
		return fail(span, err)
	}
	span.SetAttributes(attribute.Int("created", report.Created), attribute.Int("deactivated", report.Deactivated))
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
