package orchestrator

import (
	"context"
	"sync"
	"time"

	"bunkcore/internal/constraint"

	"github.com/google/uuid"
)

// Job is one queued solve. The constraint set is the snapshot taken at
// submission; workers never rebuild it.
type Job struct {
	RunID string          `json:"run_id"`
	Scope string          `json:"scope"`
	Token string          `json:"token"`
	Set   *constraint.Set `json:"set"`
}

// Handler processes one job. Returning an error leaves redelivery to the queue.
type Handler func(ctx context.Context, job Job) error

// Queue carries jobs from Submit to the workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume blocks, handing jobs to h until ctx ends.
	Consume(ctx context.Context, h Handler) error
}

// Locker guards a (session, scenario) scope. Acquire returns ErrScopeBusy
// while another holder's lease is live.
type Locker interface {
	Acquire(ctx context.Context, scope string, ttl time.Duration) (string, error)
	Release(ctx context.Context, scope, token string) error
}

// MemoryQueue is a buffered in-process queue.
type MemoryQueue struct {
	jobs chan Job
}

// NewMemoryQueue returns a queue holding up to buffer pending jobs.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{jobs: make(chan Job, buffer)}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements Queue. Jobs still buffered when ctx ends stay queued.
func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-q.jobs:
			_ = h(ctx, job)
		}
	}
}

// Drain removes and returns every job still buffered.
func (q *MemoryQueue) Drain() []Job {
	var out []Job
	for {
		select {
		case job := <-q.jobs:
			out = append(out, job)
		default:
			return out
		}
	}
}

type lease struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process Locker with expiring leases.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), now: time.Now}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, scope string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.leases[scope]; ok && now.Before(held.expires) {
		return "", ErrScopeBusy
	}
	token := uuid.NewString()
	l.leases[scope] = lease{token: token, expires: now.Add(ttl)}
	return token, nil
}

// Release implements Locker. Releasing a lease that has been taken over is a no-op.
func (l *MemoryLocker) Release(_ context.Context, scope, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.leases[scope]; ok && held.token == token {
		delete(l.leases, scope)
	}
	return nil
}
