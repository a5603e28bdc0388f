// Package orchestrator runs solver jobs in the background and commits their
// results. A run moves Pending -> Running -> {Completed, Failed, TimedOut};
// at most one run holds the write lock of a (session, scenario) scope.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bunkcore/internal/config"
	"bunkcore/internal/constraint"
	"bunkcore/internal/logging"
	"bunkcore/internal/solver"
	"bunkcore/pkg/domain"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Orchestration errors.
var (
	ErrScopeBusy       = errors.New("scope already has an active solver run")
	ErrRunNotCompleted = errors.New("solver run is not completed")
	ErrRunNotFound     = errors.New("solver run not found")
	ErrPollTimeout     = errors.New("poll attempts exhausted before the run finished")
)

var errStaleJob = errors.New("job no longer pending")

var tracer = otel.Tracer("bunkcore/orchestrator")

// Submission is the solver submission contract.
type Submission struct {
	SessionID        domain.SessionID `json:"session_id" validate:"required,gt=0"`
	Year             int              `json:"year" validate:"required,gt=0"`
	ScenarioID       string           `json:"scenario_id,omitempty"`
	RespectLocks     bool             `json:"respect_locks"`
	ApplyResults     bool             `json:"apply_results"`
	TimeLimitSeconds int              `json:"time_limit_seconds" validate:"min=0,max=3600"`
}

// Recorder observes terminal runs.
type Recorder interface {
	ObserveRun(ctx context.Context, status domain.RunStatus, elapsed time.Duration)
}

// Archiver persists terminal runs outside the store.
type Archiver interface {
	Archive(ctx context.Context, run domain.SolverRun) error
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = logging.OrNop(log) }
}

// WithRecorder sets the run metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithArchiver archives every terminal run.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithFriendGroupPriority sets the priority given to friend-group preferences.
func WithFriendGroupPriority(p int) Option {
	return func(o *Orchestrator) { o.friendPriority = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the solver run lifecycle.
type Orchestrator struct {
	store          domain.PersistentStore
	builder        *constraint.Builder
	solver         solver.Solver
	queue          Queue
	locks          Locker
	cfg            config.SolverConfig
	friendPriority int
	recorder       Recorder
	archiver       Archiver
	log            *zap.Logger
	check          *validator.Validate
	now            func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// New wires an orchestrator. Workers start with Start.
func New(store domain.PersistentStore, builder *constraint.Builder, slv solver.Solver, queue Queue, locks Locker, cfg config.SolverConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		builder:        builder,
		solver:         slv,
		queue:          queue,
		locks:          locks,
		cfg:            cfg,
		friendPriority: config.DefaultGraph().FriendGroupPriority,
		log:            zap.NewNop(),
		check:          validator.New(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the configured number of workers. They stop on Stop or when
// ctx ends.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	n := o.cfg.Workers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		o.workers.Add(1)
		go func(worker int) {
			defer o.workers.Done()
			err := o.queue.Consume(ctx, o.execute)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error("solver worker stopped", zap.Int("worker", worker), zap.Error(err))
			}
		}(i)
	}
}

// drainer is a queue that loses its jobs with the process.
type drainer interface {
	Drain() []Job
}

// Stop cancels the workers and waits for them to exit. Runs still buffered
// in an in-process queue are failed and their scopes released.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.workers.Wait()
	if d, ok := o.queue.(drainer); ok {
		for _, job := range d.Drain() {
			o.abandon(job)
		}
	}
}

// abandon fails a queued run no worker picked up.
func (o *Orchestrator) abandon(job Job) {
	defer o.release(job.Scope, job.Token)
	finished := o.now()
	_, err := o.update(context.Background(), job.RunID, func(r *domain.SolverRun) error {
		if r.Status != domain.RunPending {
			return errStaleJob
		}
		r.Status = domain.RunFailed
		r.Error = "orchestrator stopped before the run started"
		r.FinishedAt = &finished
		return nil
	})
	switch {
	case errors.Is(err, errStaleJob):
	case err != nil:
		o.log.Error("fail abandoned solver run", zap.String("run_id", job.RunID), zap.Error(err))
	default:
		o.log.Warn("solver run abandoned at shutdown", zap.String("run_id", job.RunID), zap.String("scope", job.Scope))
	}
}

// Scope names the write-lock scope of a session and optional scenario.
func Scope(session domain.SessionID, year int, scenarioID string) string {
	if scenarioID == "" {
		scenarioID = "production"
	}
	return fmt.Sprintf("%d/%d/%s", session, year, scenarioID)
}

// Validate builds the constraint set a submission would solve without
// queueing anything. An unsatisfiable lock group is returned as an error.
func (o *Orchestrator) Validate(ctx context.Context, sub Submission) (*constraint.Set, error) {
	if err := o.check.Struct(sub); err != nil {
		return nil, fmt.Errorf("invalid submission: %w", err)
	}
	var in constraint.Input
	err := o.store.View(ctx, func(view domain.TransactionView) error {
		var err error
		in, err = o.snapshot(view, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	return o.builder.Build(in)
}

func (o *Orchestrator) snapshot(view domain.TransactionView, sub Submission) (constraint.Input, error) {
	if _, ok := view.FindSession(sub.SessionID); !ok {
		return constraint.Input{}, domain.ErrNotFound{Entity: domain.EntitySession, ID: fmt.Sprint(sub.SessionID)}
	}
	if sub.ScenarioID != "" {
		sc, ok := view.FindScenario(sub.ScenarioID)
		if !ok || sc.SessionID != sub.SessionID || sc.Year != sub.Year {
			return constraint.Input{}, domain.ErrNotFound{Entity: domain.EntityScenario, ID: sub.ScenarioID}
		}
	}
	in := constraint.Input{SessionID: sub.SessionID, Year: sub.Year, FriendGroupPriority: o.friendPriority}
	for _, p := range view.ListPersons() {
		if p.SessionID == sub.SessionID && p.Year == sub.Year {
			in.Persons = append(in.Persons, p)
		}
	}
	for _, b := range view.ListBunks() {
		if b.SessionID == sub.SessionID {
			in.Bunks = append(in.Bunks, b)
		}
	}
	for _, r := range view.ListRequests() {
		if r.SessionID == sub.SessionID && r.Year == sub.Year {
			in.Requests = append(in.Requests, r)
		}
	}
	for _, g := range view.ListLockGroups() {
		if g.SessionID == sub.SessionID && g.Year == sub.Year {
			in.LockGroups = append(in.LockGroups, g)
		}
	}
	for _, g := range view.ListFriendGroups() {
		if g.SessionID == sub.SessionID && g.Year == sub.Year {
			in.FriendGroups = append(in.FriendGroups, g)
		}
	}
	if sub.RespectLocks {
		for _, a := range Effective(view, sub.SessionID, sub.Year, sub.ScenarioID) {
			if a.Locked {
				in.Locked = append(in.Locked, a)
			}
		}
	}
	return in, nil
}

// Submit snapshots the constraints, takes the scope lock, records a Pending
// run and queues it. The run id is returned without waiting for the solve.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (string, error) {
	set, err := o.Validate(ctx, sub)
	if err != nil {
		return "", err
	}
	limit := o.cfg.TimeLimit
	if sub.TimeLimitSeconds > 0 {
		limit = time.Duration(sub.TimeLimitSeconds) * time.Second
	}
	scope := Scope(sub.SessionID, sub.Year, sub.ScenarioID)
	ttl := o.cfg.LockTTL
	if ttl < 2*limit {
		ttl = 2 * limit
	}
	token, err := o.locks.Acquire(ctx, scope, ttl)
	if err != nil {
		return "", err
	}

	var run domain.SolverRun
	_, err = o.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		run, err = tx.CreateRun(domain.SolverRun{
			SessionID:    sub.SessionID,
			Year:         sub.Year,
			ScenarioID:   sub.ScenarioID,
			Status:       domain.RunPending,
			RespectLocks: sub.RespectLocks,
			ApplyResults: sub.ApplyResults,
			TimeLimit:    limit,
		})
		return err
	})
	if err != nil {
		o.release(scope, token)
		return "", fmt.Errorf("create run: %w", err)
	}
	if err := o.queue.Enqueue(ctx, Job{RunID: run.ID, Scope: scope, Token: token, Set: set}); err != nil {
		o.finish(context.WithoutCancel(ctx), run.ID, domain.RunFailed, nil, fmt.Sprintf("enqueue: %v", err))
		o.release(scope, token)
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	o.log.Info("solver run submitted",
		zap.String("run_id", run.ID),
		zap.String("scope", scope),
		zap.Int("constraints", len(set.Constraints)),
		zap.Strings("relaxed", set.Relaxed))
	return run.ID, nil
}

// execute is the worker body for one job.
func (o *Orchestrator) execute(ctx context.Context, job Job) error {
	defer o.release(job.Scope, job.Token)

	started := o.now()
	run, err := o.update(ctx, job.RunID, func(r *domain.SolverRun) error {
		if r.Status != domain.RunPending {
			return errStaleJob
		}
		r.Status = domain.RunRunning
		r.StartedAt = &started
		return nil
	})
	if errors.Is(err, errStaleJob) {
		o.log.Warn("skipping redelivered solver job", zap.String("run_id", job.RunID))
		return nil
	}
	if err != nil {
		o.log.Error("solver run start failed", zap.String("run_id", job.RunID), zap.Error(err))
		return err
	}

	ctx, span := tracer.Start(ctx, "orchestrator.solve")
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.scope", job.Scope),
		attribute.Int("constraints", len(job.Set.Constraints)))
	defer span.End()

	opts := solver.OptionsFrom(o.cfg)
	opts.TimeLimit = run.TimeLimit
	solveCtx := ctx
	if run.TimeLimit > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, run.TimeLimit)
		defer cancel()
	}
	result, solveErr := o.solver.Solve(solveCtx, job.Set, opts)

	status := domain.RunCompleted
	var message string
	switch {
	case solveErr == nil:
	case errors.Is(solveErr, context.DeadlineExceeded):
		status = domain.RunTimedOut
		message = string(domain.ProblemSolverTimeout) + ": time limit reached, best partial result kept"
	default:
		status = domain.RunFailed
		message = solveErr.Error()
		span.RecordError(solveErr)
		span.SetStatus(codes.Error, message)
	}
	if status == domain.RunCompleted && len(result.Diagnostics.InfeasibleHard) > 0 {
		o.log.Warn("solver run completed with infeasible hard constraints",
			zap.String("run_id", run.ID),
			zap.Strings("infeasible", result.Diagnostics.InfeasibleHard))
	}

	persist := context.WithoutCancel(ctx)
	var kept *domain.RunResult
	if status != domain.RunFailed || len(result.Assignments) > 0 {
		kept = &result
	}
	run, err = o.finish(persist, run.ID, status, kept, message)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("run.status", string(status)))
	if o.recorder != nil {
		o.recorder.ObserveRun(persist, status, o.now().Sub(started))
	}
	if o.archiver != nil {
		if err := o.archiver.Archive(persist, run); err != nil {
			o.log.Warn("archive solver run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	o.log.Info("solver run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Duration("elapsed", o.now().Sub(started)))

	if status == domain.RunCompleted && run.ApplyResults {
		if _, err := o.Apply(persist, run.ID); err != nil {
			o.log.Error("auto-apply failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, id string, status domain.RunStatus, result *domain.RunResult, message string) (domain.SolverRun, error) {
	finished := o.now()
	run, err := o.update(ctx, id, func(r *domain.SolverRun) error {
		r.Status = status
		r.Result = result
		r.Error = message
		r.FinishedAt = &finished
		return nil
	})
	if err != nil {
		o.log.Error("record solver run outcome failed", zap.String("run_id", id), zap.Error(err))
	}
	return run, err
}

func (o *Orchestrator) update(ctx context.Context, id string, mutate func(*domain.SolverRun) error) (domain.SolverRun, error) {
	var run domain.SolverRun
	_, err := o.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		run, err = tx.UpdateRun(id, mutate)
		return err
	})
	return run, err
}

func (o *Orchestrator) release(scope, token string) {
	if err := o.locks.Release(context.Background(), scope, token); err != nil {
		o.log.Warn("release scope lock failed", zap.String("scope", scope), zap.Error(err))
	}
}

// Status returns the current state of a run.
func (o *Orchestrator) Status(ctx context.Context, id string) (domain.SolverRun, error) {
	var run domain.SolverRun
	err := o.store.View(ctx, func(view domain.TransactionView) error {
		var ok bool
		run, ok = view.FindRun(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil
	})
	return run, err
}

// Runs lists runs of a session, newest first.
func (o *Orchestrator) Runs(ctx context.Context, session domain.SessionID) ([]domain.SolverRun, error) {
	var runs []domain.SolverRun
	err := o.store.View(ctx, func(view domain.TransactionView) error {
		for _, r := range view.ListRuns() {
			if session == 0 || r.SessionID == session {
				runs = append(runs, r)
			}
		}
		return nil
	})
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, err
}

// Poll waits for a run to reach a terminal state, checking at most attempts
// times. Zero values fall back to the configured interval and attempts.
// Exhausting the attempts returns ErrPollTimeout with the last observed run;
// the run itself keeps going.
func (o *Orchestrator) Poll(ctx context.Context, id string, interval time.Duration, attempts int) (domain.SolverRun, error) {
	if interval <= 0 {
		interval = o.cfg.PollInterval
	}
	if attempts <= 0 {
		attempts = o.cfg.PollAttempts
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var run domain.SolverRun
	for attempt := 1; ; attempt++ {
		var err error
		run, err = o.Status(ctx, id)
		if err != nil {
			return run, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if attempt >= attempts {
			return run, fmt.Errorf("%w: run %s is %s after %d attempts", ErrPollTimeout, id, run.Status, attempts)
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}
