package queue

import (
	"context"
	"time"

	"github.com/albachteng/trailsync/internal/jobs"
)

type Queue[T any] interface {
	Enqueue(ctx context.Context, job T) error
	Dequeue(ctx context.Context) (T, error)
}

// ResultStore records what happened to each job.
type ResultStore interface {
	MarkStarted(ctx context.Context, id jobs.JobID, at time.Time) error
	Finish(ctx context.Context, result *jobs.JobResult) error
	// GetResult returns jobs.ErrJobNotFound for unknown or expired ids.
	GetResult(ctx context.Context, id jobs.JobID) (*jobs.JobResult, error)
	ListResults(ctx context.Context, status jobs.JobStatus) ([]*jobs.JobResult, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// JobQueue is fed by the scheduler and the API and drained by workers.
// Enqueue marks the job's result queued.
type JobQueue interface {
	Queue[*jobs.Job]
	ResultStore
	// RecoverStale requeues started jobs that outlived their timeout (or
	// defaultTimeout) by a grace period, and returns how many it requeued.
	RecoverStale(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int, error)
	Close() error
}
