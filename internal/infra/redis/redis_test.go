package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bunkcore/internal/config"
	"bunkcore/internal/constraint"
	"bunkcore/internal/infra/persistence/memory"
	"bunkcore/internal/orchestrator"
	"bunkcore/internal/solver"
	"bunkcore/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := NewClient(context.Background(), srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestLockerExclusiveLease(t *testing.T) {
	srv, client := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, err := locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.ErrorIs(t, err, orchestrator.ErrScopeBusy)

	require.NoError(t, locker.Release(ctx, "1/2025/production", "someone-else"))
	_, err = locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.ErrorIs(t, err, orchestrator.ErrScopeBusy, "foreign token must not release")

	require.NoError(t, locker.Release(ctx, "1/2025/production", token))
	token, err = locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.NoError(t, err)

	srv.FastForward(2 * time.Minute)
	_, err = locker.Acquire(ctx, "1/2025/production", time.Minute)
	require.NoError(t, err, "expired lease must be free")
	assert.NotEmpty(t, token)
}

func TestQueueDeliversAndAcknowledges(t *testing.T) {
	_, client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := NewQueue(ctx, client, "runs", "solvers", nil)
	require.NoError(t, err)
	q.block = 20 * time.Millisecond

	// A second NewQueue on the same group must tolerate BUSYGROUP.
	_, err = NewQueue(ctx, client, "runs", "solvers", nil)
	require.NoError(t, err)

	set := &constraint.Set{SessionID: 1, Year: 2025, Fixed: map[domain.PersonID]domain.BunkID{3: 200}}
	require.NoError(t, q.Enqueue(ctx, orchestrator.Job{RunID: "ok", Scope: "1/2025/production", Token: "t", Set: set}))
	require.NoError(t, q.Enqueue(ctx, orchestrator.Job{RunID: "retry", Scope: "1/2025/production", Token: "t", Set: set}))

	var mu sync.Mutex
	var seen []orchestrator.Job
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(_ context.Context, job orchestrator.Job) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, job)
			if job.RunID == "retry" {
				return errors.New("not yet")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	assert.Equal(t, "ok", seen[0].RunID)
	assert.Equal(t, domain.BunkID(200), seen[0].Set.Fixed[3])
	mu.Unlock()

	pending, err := client.XPending(context.Background(), "runs", "solvers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count, "failed job stays pending")
}

func TestOrchestratorOverRedis(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	store := memory.NewStore(nil)
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateSession(domain.Session{ID: 1, Name: "Session 1", Year: 2025}); err != nil {
			return err
		}
		for i := 1; i <= 3; i++ {
			if _, err := tx.CreatePerson(domain.Person{ID: domain.PersonID(i), FirstName: "Camper", SessionID: 1, Year: 2025, Grade: 4}); err != nil {
				return err
			}
		}
		_, err := tx.CreateBunk(domain.Bunk{ID: 10, Name: "Pines", SessionID: 1, Capacity: 4})
		return err
	})
	require.NoError(t, err)

	q, err := NewQueue(ctx, client, "bunkcore:runs", "solvers", nil)
	require.NoError(t, err)
	q.block = 20 * time.Millisecond

	cfg := config.DefaultSolver()
	cfg.TimeLimit = time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollAttempts = 400
	cfg.Workers = 1
	orch := orchestrator.New(store, constraint.New(config.DefaultConstraint(), nil), solver.NewLocal(nil), q, NewLocker(client), cfg)
	orch.Start(ctx)
	defer orch.Stop()

	id, err := orch.Submit(ctx, orchestrator.Submission{SessionID: 1, Year: 2025})
	require.NoError(t, err)
	run, err := orch.Poll(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Equal(t, domain.RunCompleted, run.Status)
	require.NotNil(t, run.Result)
	assert.Len(t, run.Result.Assignments, 3)

	require.Eventually(t, func() bool {
		n, err := client.Exists(ctx, lockPrefix+orchestrator.Scope(1, 2025, "")).Result()
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond, "scope lock released after the run")
}
