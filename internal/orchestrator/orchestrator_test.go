package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bunkcore/internal/config"
	"bunkcore/internal/constraint"
	"bunkcore/internal/infra/persistence/memory"
	"bunkcore/internal/solver"
	"bunkcore/pkg/domain"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	session = domain.SessionID(1)
	year    = 2025
)

func seedCamp(t *testing.T, store *memory.Store) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateSession(domain.Session{ID: session, Name: "Session 1", Year: year}); err != nil {
			return err
		}
		for i := 1; i <= 4; i++ {
			if _, err := tx.CreatePerson(domain.Person{ID: domain.PersonID(i), FirstName: "Camper", LastName: string(rune('A' + i - 1)), SessionID: session, Year: year, Grade: 5, AgeMonths: 130}); err != nil {
				return err
			}
		}
		for _, b := range []domain.Bunk{{ID: 100, Name: "B-1", SessionID: session, Capacity: 2}, {ID: 200, Name: "B-2", SessionID: session, Capacity: 2}} {
			if _, err := tx.CreateBunk(b); err != nil {
				return err
			}
		}
		_, err := tx.CreateRequest(domain.BunkRequest{
			RequesterID: 1, RequesteeID: 2, SessionID: session, Year: year,
			RequestType: domain.RequestBunkWith, Priority: 10, ConfidenceScore: 1,
			Status: domain.StatusResolved, Source: domain.SourceFamily, SourceField: domain.FieldShareBunkWith, IsActive: true,
		})
		return err
	})
	require.NoError(t, err)
}

type harness struct {
	store *memory.Store
	orch  *Orchestrator
}

func newHarness(t *testing.T, slv solver.Solver, mutate func(*config.SolverConfig)) *harness {
	t.Helper()
	store := memory.NewStore(nil)
	seedCamp(t, store)
	cfg := config.DefaultSolver()
	cfg.TimeLimit = 2 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollAttempts = 400
	if mutate != nil {
		mutate(&cfg)
	}
	if slv == nil {
		slv = solver.NewLocal(nil)
	}
	orch := New(store, constraint.New(config.DefaultConstraint(), nil), slv, NewMemoryQueue(8), NewMemoryLocker(), cfg)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)
	return &harness{store: store, orch: orch}
}

func (h *harness) assignments(t *testing.T, scenarioID string) []domain.Assignment {
	t.Helper()
	var out []domain.Assignment
	require.NoError(t, h.store.View(context.Background(), func(view domain.TransactionView) error {
		out = Effective(view, session, year, scenarioID)
		return nil
	}))
	return out
}

func (h *harness) put(t *testing.T, fn func(tx domain.Transaction) error) {
	t.Helper()
	_, err := h.store.RunInTransaction(context.Background(), fn)
	require.NoError(t, err)
}

// gate blocks solves until released.
type gate struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), started: make(chan struct{}, 8)}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) solver() solver.Solver {
	local := solver.NewLocal(nil)
	return solver.Func(func(ctx context.Context, set *constraint.Set, opts solver.Options) (domain.RunResult, error) {
		g.started <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return domain.RunResult{}, ctx.Err()
		}
		return local.Solve(ctx, set, opts)
	})
}

func TestSubmitPollApplyProductionIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, Submission{SessionID: session, Year: year})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := h.orch.Poll(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, run.Status)
	require.NotNil(t, run.Result)
	assert.Len(t, run.Result.Assignments, 4)
	assert.Positive(t, run.Result.Stats.TotalRequests)
	assert.Equal(t, run.Result.Stats.TotalRequests, run.Result.Stats.SatisfiedRequests)
	assert.Empty(t, run.Result.Stats.Infeasible)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)

	report, err := h.orch.Apply(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Written)
	once := h.assignments(t, "")

	report, err = h.orch.Apply(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, report.Written)
	assert.Equal(t, 4, report.Unchanged)
	if diff := cmp.Diff(once, h.assignments(t, "")); diff != "" {
		t.Fatalf("replayed apply changed state (-once +twice):\n%s", diff)
	}

	run, err = h.orch.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, run.ApplyCount)
	assert.NotNil(t, run.AppliedAt)
}

func TestUnsatisfiableLockGroupFailsBeforeRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.put(t, func(tx domain.Transaction) error {
		_, err := tx.CreateLockGroup(domain.LockGroup{SessionID: session, Year: year, Name: "trio", Members: []domain.PersonID{1, 2, 3}})
		return err
	})

	id, err := h.orch.Submit(context.Background(), Submission{SessionID: session, Year: year})
	require.ErrorIs(t, err, domain.ErrUnsatisfiableLockGroup)
	assert.Empty(t, id)

	runs, err := h.orch.Runs(context.Background(), session)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSubmissionValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.orch.Submit(context.Background(), Submission{SessionID: session})
	require.Error(t, err)

	_, err = h.orch.Submit(context.Background(), Submission{SessionID: 9, Year: year})
	var nf domain.ErrNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, domain.EntitySession, nf.Entity)
}

func TestConcurrentSubmissionForSameScopeIsRejected(t *testing.T) {
	g := newGate()
	h := newHarness(t, g.solver(), nil)
	ctx := context.Background()

	first, err := h.orch.Submit(ctx, Submission{SessionID: session, Year: year})
	require.NoError(t, err)
	<-g.started

	_, err = h.orch.Submit(ctx, Submission{SessionID: session, Year: year})
	require.ErrorIs(t, err, ErrScopeBusy)

	run, err := h.orch.Status(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)

	g.open()
	run, err = h.orch.Poll(ctx, first, 0, 0)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, run.Status)

	// The worker releases the scope once it has recorded the outcome.
	var second string
	require.Eventually(t, func() bool {
		second, err = h.orch.Submit(ctx, Submission{SessionID: session, Year: year})
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	run, err = h.orch.Poll(ctx, second, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
}

func TestPollTimeoutDoesNotCancelRun(t *testing.T) {
	g := newGate()
	h := newHarness(t, g.solver(), nil)
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, Submission{SessionID: session, Year: year})
	require.NoError(t, err)
	<-g.started

	run, err := h.orch.Poll(ctx, id, time.Millisecond, 3)
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, domain.RunRunning, run.Status)

	g.open()
	run, err = h.orch.Poll(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
}

func TestTimedOutRunKeepsPartialResult(t *testing.T) {
	partial := solver.Func(func(ctx context.Context, set *constraint.Set, _ solver.Options) (domain.RunResult, error) {
		<-ctx.Done()
		return domain.RunResult{Assignments: []domain.Placement{{PersonID: 1, BunkID: 100}}, Partial: true}, ctx.Err()
	})
	h := newHarness(t, partial, func(cfg *config.SolverConfig) { cfg.TimeLimit = 20 * time.Millisecond })
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, Submission{SessionID: session, Year: year})
	require.NoError(t, err)
	run, err := h.orch.Poll(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Equal(t, domain.RunTimedOut, run.Status)
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.Partial)
	assert.Len(t, run.Result.Assignments, 1)
	assert.Contains(t, run.Error, string(domain.ProblemSolverTimeout))

	_, err = h.orch.Apply(ctx, id)
	require.ErrorIs(t, err, ErrRunNotCompleted)
}

func TestSolverErrorFailsRun(t *testing.T) {
	broken := solver.Func(func(context.Context, *constraint.Set, solver.Options) (domain.RunResult, error) {
		return domain.RunResult{}, errors.New("model exploded")
	})
	h := newHarness(t, broken, nil)
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, Submission{SessionID: session, Year: year})
	require.NoError(t, err)
	run, err := h.orch.Poll(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "model exploded", run.Error)
	assert.Nil(t, run.Result)

	_, err = h.orch.Apply(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestScenarioApplySkipsLockedAndLeavesProduction(t *testing.T) {
	var captured *constraint.Set
	var mu sync.Mutex
	local := solver.NewLocal(nil)
	capture := solver.Func(func(ctx context.Context, set *constraint.Set, opts solver.Options) (domain.RunResult, error) {
		mu.Lock()
		captured = set
		mu.Unlock()
		res, err := local.Solve(ctx, set, opts)
		// Place the locked camper elsewhere to prove Apply skips it.
		for i := range res.Assignments {
			if res.Assignments[i].PersonID == 3 {
				res.Assignments[i].BunkID = 100
			}
		}
		return res, err
	})
	h := newHarness(t, capture, nil)
	ctx := context.Background()

	var scenario domain.Scenario
	h.put(t, func(tx domain.Transaction) error {
		if _, err := tx.PutAssignment(domain.Assignment{PersonID: 3, SessionID: session, Year: year, BunkID: 200, Locked: true}); err != nil {
			return err
		}
		var err error
		scenario, err = tx.CreateScenario(domain.Scenario{Name: "draft", SessionID: session, Year: year, Origin: domain.ScenarioFromProduction})
		return err
	})
	production := h.assignments(t, "")

	id, err := h.orch.Submit(ctx, Submission{SessionID: session, Year: year, ScenarioID: scenario.ID, RespectLocks: true})
	require.NoError(t, err)
	run, err := h.orch.Poll(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, run.Status)

	mu.Lock()
	assert.Equal(t, domain.BunkID(200), captured.Fixed[3])
	mu.Unlock()

	report, err := h.orch.Apply(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []domain.PersonID{3}, report.SkippedLocked)
	assert.Equal(t, 3, report.Written)

	if diff := cmp.Diff(production, h.assignments(t, "")); diff != "" {
		t.Fatalf("scenario apply touched production (-want +got):\n%s", diff)
	}
	draft := h.assignments(t, scenario.ID)
	require.Len(t, draft, 4)
	for _, a := range draft {
		if a.PersonID == 3 {
			assert.Equal(t, domain.BunkID(200), a.BunkID)
			assert.True(t, a.Locked)
		}
	}

	var history []domain.ScenarioEvent
	require.NoError(t, h.store.View(ctx, func(view domain.TransactionView) error {
		history = view.ScenarioHistory(scenario.ID)
		return nil
	}))
	require.Len(t, history, 1)
	assert.Equal(t, domain.ScenarioEventApplied, history[0].Action)
	assert.Equal(t, id, history[0].RunID)

	_, err = h.orch.Apply(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(draft, h.assignments(t, scenario.ID)); diff != "" {
		t.Fatalf("replayed scenario apply changed state (-once +twice):\n%s", diff)
	}
}

func TestAutoApply(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	id, err := h.orch.Submit(ctx, Submission{SessionID: session, Year: year, ApplyResults: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, err := h.orch.Status(ctx, id)
		return err == nil && run.ApplyCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.assignments(t, ""), 4)
}

func TestMemoryLockerLeaseExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	token, err := locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.ErrorIs(t, err, ErrScopeBusy)

	_, err = locker.Acquire(ctx, "1/2025/draft", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	taken, err := locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.NoError(t, err)

	require.NoError(t, locker.Release(ctx, "1/2025/production", token))
	_, err = locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.ErrorIs(t, err, ErrScopeBusy, "stale token must not release the new lease")

	require.NoError(t, locker.Release(ctx, "1/2025/production", taken))
	_, err = locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.NoError(t, err)
}

func TestScopeNames(t *testing.T) {
	assert.Equal(t, "1/2025/production", Scope(1, 2025, ""))
	assert.Equal(t, "1/2025/abc", Scope(1, 2025, "abc"))
}

func TestStopFailsQueuedRunsAndReleasesScopes(t *testing.T) {
	store := memory.NewStore(nil)
	seedCamp(t, store)
	queue := NewMemoryQueue(4)
	locks := NewMemoryLocker()
	orch := New(store, constraint.New(config.DefaultConstraint(), nil), solver.NewLocal(nil), queue, locks, config.DefaultSolver())
	ctx := context.Background()

	// No worker ever runs, so the job stays buffered.
	id, err := orch.Submit(ctx, Submission{SessionID: session, Year: year})
	require.NoError(t, err)
	_, err = orch.Submit(ctx, Submission{SessionID: session, Year: year})
	require.ErrorIs(t, err, ErrScopeBusy)

	orch.Stop()

	run, err := orch.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Error, "stopped before the run started")
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, queue.Drain())

	token, err := locks.Acquire(ctx, Scope(session, year, ""), time.Minute)
	require.NoError(t, err, "the scope lock is released")
	require.NoError(t, locks.Release(ctx, Scope(session, year, ""), token))
}

func TestMemoryQueueLeavesJobsQueuedAfterCancel(t *testing.T) {
	queue := NewMemoryQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, queue.Enqueue(ctx, Job{RunID: "r1"}))
	cancel()

	handled := 0
	err := queue.Consume(ctx, func(context.Context, Job) error {
		handled++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, handled)
	jobs := queue.Drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, "r1", jobs[0].RunID)
}
