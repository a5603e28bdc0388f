// Package core exposes transactional CRUD and staff review operations over a
// persistent store, together with the built-in invariant rules, storage
// selection and service metrics.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bunkcore/internal/infra/persistence/memory"
	"bunkcore/internal/logging"
	"bunkcore/pkg/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrAssignmentLocked is returned when a staff action would move a locked camper.
var ErrAssignmentLocked = errors.New("assignment is locked")

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) { s.log = logging.OrNop(log) }
}

// WithMetricsRecorder sets the operation metrics sink.
func WithMetricsRecorder(m MetricsRecorder) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTracer overrides the tracer; the global provider is used otherwise.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the service time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service exposes higher-level transactional operations for the camp schema.
type Service struct {
	store   domain.PersistentStore
	log     *zap.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		log:    zap.NewNop(),
		tracer: otel.Tracer("bunkcore/core"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service over an in-memory store guarded by engine.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

func (s *Service) run(ctx context.Context, op string, fn func(domain.Transaction) error) (domain.Result, error) {
	started := s.now()
	ctx, span := s.tracer.Start(ctx, "core."+op)
	defer span.End()

	res, err := s.store.RunInTransaction(ctx, fn)
	elapsed := s.now().Sub(started)
	if s.metrics != nil {
		s.metrics.Observe(ctx, op, err == nil, elapsed)
	}
	for _, v := range res.Violations {
		s.log.Warn("rule violation",
			zap.String("operation", op),
			zap.String("rule", v.Rule),
			zap.String("severity", string(v.Severity)),
			zap.String("entity", string(v.Entity)),
			zap.String("entity_id", v.EntityID),
			zap.String("message", v.Message))
	}
	span.SetAttributes(attribute.Int("violations", len(res.Violations)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Debug("operation failed", zap.String("operation", op), zap.Error(err))
		return res, err
	}
	s.log.Debug("operation committed", zap.String("operation", op), zap.Duration("elapsed", elapsed))
	return res, nil
}

// CreateSession persists a new session.
func (s *Service) CreateSession(ctx context.Context, session domain.Session) (domain.Session, domain.Result, error) {
	var created domain.Session
	res, err := s.run(ctx, "create_session", func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateSession(session)
		return err
	})
	return created, res, err
}

// CreatePerson enrolls a camper.
func (s *Service) CreatePerson(ctx context.Context, person domain.Person) (domain.Person, domain.Result, error) {
	var created domain.Person
	res, err := s.run(ctx, "create_person", func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreatePerson(person)
		return err
	})
	return created, res, err
}

// UpdatePerson mutates a camper using the provided mutator.
func (s *Service) UpdatePerson(ctx context.Context, id domain.PersonID, mutator func(*domain.Person) error) (domain.Person, domain.Result, error) {
	var updated domain.Person
	res, err := s.run(ctx, "update_person", func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdatePerson(id, mutator)
		return err
	})
	return updated, res, err
}

// CreateBunk persists a bunk.
func (s *Service) CreateBunk(ctx context.Context, bunk domain.Bunk) (domain.Bunk, domain.Result, error) {
	var created domain.Bunk
	res, err := s.run(ctx, "create_bunk", func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateBunk(bunk)
		return err
	})
	return created, res, err
}

// CreateRequest records a request entered by staff. Unset fields default to
// an active, resolved staff note.
func (s *Service) CreateRequest(ctx context.Context, req domain.BunkRequest) (domain.BunkRequest, domain.Result, error) {
	if req.SourceField == "" {
		req.SourceField = domain.FieldBunkingNotes
	}
	if req.Source == "" {
		req.Source = req.SourceField.Source()
	}
	if req.Status == "" {
		req.Status = domain.StatusResolved
	}
	if req.ConfidenceScore == 0 {
		req.ConfidenceScore = 1
	}
	req.Priority = domain.ClampPriority(req.Priority)
	req.IsActive = true
	var created domain.BunkRequest
	res, err := s.run(ctx, "create_request", func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateRequest(req)
		return err
	})
	return created, res, err
}

// ApproveRequest resolves a request held for manual review.
func (s *Service) ApproveRequest(ctx context.Context, id, reviewer string) (domain.BunkRequest, domain.Result, error) {
	return s.review(ctx, "approve_request", id, reviewer, domain.StatusResolved)
}

// RejectRequest declines a request; it stays persisted but never reaches the solver.
func (s *Service) RejectRequest(ctx context.Context, id, reviewer string) (domain.BunkRequest, domain.Result, error) {
	return s.review(ctx, "reject_request", id, reviewer, domain.StatusDeclined)
}

func (s *Service) review(ctx context.Context, op, id, reviewer string, status domain.RequestStatus) (domain.BunkRequest, domain.Result, error) {
	if reviewer == "" {
		return domain.BunkRequest{}, domain.Result{}, fmt.Errorf("%s: reviewer required", op)
	}
	var updated domain.BunkRequest
	res, err := s.run(ctx, op, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateRequest(id, func(r *domain.BunkRequest) error {
			if !r.IsActive {
				return fmt.Errorf("request %s is inactive", id)
			}
			r.Status = status
			r.RequiresManualReview = false
			r.Metadata.ReviewedBy = reviewer
			return nil
		})
		return err
	})
	if err == nil {
		s.log.Info("request reviewed",
			zap.String("request_id", id),
			zap.String("status", string(status)),
			zap.String("reviewer", reviewer))
	}
	return updated, res, err
}

// LockPriority pins a request's priority; later pipeline runs keep it.
func (s *Service) LockPriority(ctx context.Context, id string, priority int) (domain.BunkRequest, domain.Result, error) {
	if priority < domain.PriorityMin || priority > domain.PriorityMax {
		return domain.BunkRequest{}, domain.Result{}, fmt.Errorf("priority %d outside %d..%d", priority, domain.PriorityMin, domain.PriorityMax)
	}
	var updated domain.BunkRequest
	res, err := s.run(ctx, "lock_priority", func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateRequest(id, func(r *domain.BunkRequest) error {
			r.Priority = priority
			r.PriorityLocked = true
			return nil
		})
		return err
	})
	return updated, res, err
}

// UnlockPriority lets the pipeline recompute a request's priority again.
func (s *Service) UnlockPriority(ctx context.Context, id string) (domain.BunkRequest, domain.Result, error) {
	var updated domain.BunkRequest
	res, err := s.run(ctx, "unlock_priority", func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateRequest(id, func(r *domain.BunkRequest) error {
			r.PriorityLocked = false
			return nil
		})
		return err
	})
	return updated, res, err
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	SessionID   domain.SessionID
	Year        int
	Status      domain.RequestStatus
	ActiveOnly  bool
	NeedsReview bool
}

func (f RequestFilter) match(r domain.BunkRequest) bool {
	switch {
	case f.SessionID != 0 && r.SessionID != f.SessionID:
		return false
	case f.Year != 0 && r.Year != f.Year:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	case f.ActiveOnly && !r.IsActive:
		return false
	case f.NeedsReview && !r.RequiresManualReview:
		return false
	}
	return true
}

// ListRequests returns matching requests ordered by requester, then by
// descending priority.
func (s *Service) ListRequests(_ context.Context, filter RequestFilter) []domain.BunkRequest {
	var out []domain.BunkRequest
	for _, r := range s.store.ListRequests() {
		if filter.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RequesterID != out[j].RequesterID {
			return out[i].RequesterID < out[j].RequesterID
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].RequesteeID < out[j].RequesteeID
	})
	return out
}

// CreateLockGroup stores a staff lock group.
func (s *Service) CreateLockGroup(ctx context.Context, group domain.LockGroup) (domain.LockGroup, domain.Result, error) {
	if len(group.Members) < 2 {
		return domain.LockGroup{}, domain.Result{}, fmt.Errorf("lock group needs at least two members")
	}
	var created domain.LockGroup
	res, err := s.run(ctx, "create_lock_group", func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateLockGroup(group)
		return err
	})
	return created, res, err
}

// DeleteLockGroup removes a lock group.
func (s *Service) DeleteLockGroup(ctx context.Context, id string) (domain.Result, error) {
	return s.run(ctx, "delete_lock_group", func(tx domain.Transaction) error {
		return tx.DeleteLockGroup(id)
	})
}

// RecordConflictNote stores a "resolved with family" annotation.
func (s *Service) RecordConflictNote(ctx context.Context, note domain.ConflictNote) (domain.ConflictNote, domain.Result, error) {
	var created domain.ConflictNote
	res, err := s.run(ctx, "record_conflict_note", func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateConflictNote(note)
		return err
	})
	return created, res, err
}

// AssignCamper places a camper in production. A locked placement is only
// replaced by an equally locked write.
func (s *Service) AssignCamper(ctx context.Context, a domain.Assignment) (domain.Assignment, domain.Result, error) {
	var written domain.Assignment
	res, err := s.run(ctx, "assign_camper", func(tx domain.Transaction) error {
		if cur, ok := tx.Snapshot().FindAssignment(a.Key()); ok && cur.Locked && !a.Locked && cur.BunkID != a.BunkID {
			return fmt.Errorf("%w: camper %d", ErrAssignmentLocked, a.PersonID)
		}
		var err error
		written, err = tx.PutAssignment(a)
		return err
	})
	return written, res, err
}

// SetAssignmentLock locks or unlocks a production placement.
func (s *Service) SetAssignmentLock(ctx context.Context, key domain.AssignmentKey, locked bool) (domain.Assignment, domain.Result, error) {
	var written domain.Assignment
	res, err := s.run(ctx, "set_assignment_lock", func(tx domain.Transaction) error {
		cur, ok := tx.Snapshot().FindAssignment(key)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityAssignment, ID: fmt.Sprintf("%d/%d/%d", key.PersonID, key.SessionID, key.Year)}
		}
		cur.Locked = locked
		var err error
		written, err = tx.PutAssignment(cur)
		return err
	})
	return written, res, err
}

// UnassignCamper removes an unlocked production placement.
func (s *Service) UnassignCamper(ctx context.Context, key domain.AssignmentKey) (domain.Result, error) {
	return s.run(ctx, "unassign_camper", func(tx domain.Transaction) error {
		if cur, ok := tx.Snapshot().FindAssignment(key); ok && cur.Locked {
			return fmt.Errorf("%w: camper %d", ErrAssignmentLocked, key.PersonID)
		}
		return tx.DeleteAssignment(key)
	})
}
