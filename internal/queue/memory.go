package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/tracking"
)

var ErrEmptyQueue = errors.New("queue is empty")

type InMemoryQueue[T any] struct {
	mu    sync.Mutex
	items []T
}

func NewInMemoryQueue[T any]() *InMemoryQueue[T] {
	return &InMemoryQueue[T]{
		items: make([]T, 0),
	}
}

func (q *InMemoryQueue[T]) Enqueue(ctx context.Context, job T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, job)
	return nil
}

func (q *InMemoryQueue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return zero, ErrEmptyQueue
	}

	job := q.items[0]
	q.items = q.items[1:]
	return job, nil
}

func (q *InMemoryQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MemoryQueue pairs an in-memory FIFO with a tracker for results. Nothing
// survives a restart; used by tests and the single-process `sync` command.
type MemoryQueue struct {
	pending *InMemoryQueue[*jobs.Job]
	results *tracking.JobTracker
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: NewInMemoryQueue[*jobs.Job](),
		results: tracking.NewJobTracker(),
		now:     time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *jobs.Job) error {
	queued := job.Clone()
	queued.Status = jobs.StatusQueued
	if queued.EnqueuedAt.IsZero() {
		queued.EnqueuedAt = q.now().UTC()
	}

	if err := q.results.Register(queued); err != nil {
		return errors.Wrapf(err, "%s", job.ID)
	}
	return q.pending.Enqueue(ctx, queued)
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*jobs.Job, error) {
	return q.pending.Dequeue(ctx)
}

func (q *MemoryQueue) MarkStarted(ctx context.Context, id jobs.JobID, at time.Time) error {
	return q.results.MarkStarted(id, at)
}

func (q *MemoryQueue) Finish(ctx context.Context, result *jobs.JobResult) error {
	q.results.Finish(result)
	return nil
}

func (q *MemoryQueue) GetResult(ctx context.Context, id jobs.JobID) (*jobs.JobResult, error) {
	res, ok := q.results.Get(id, q.now())
	if !ok {
		return nil, errors.Wrapf(jobs.ErrJobNotFound, "%s", id)
	}
	return res, nil
}

func (q *MemoryQueue) ListResults(ctx context.Context, status jobs.JobStatus) ([]*jobs.JobResult, error) {
	return q.results.ListByStatus(status), nil
}

func (q *MemoryQueue) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return q.results.Purge(now), nil
}

// RecoverStale is a no-op: in-memory jobs do not outlive their process.
func (q *MemoryQueue) RecoverStale(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int, error) {
	return 0, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}
