package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/queue"
)

type Options struct {
	Workers        int
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	// PurgeInterval <= 0 disables the periodic purge of expired results and
	// recovery of stale jobs. Stale jobs are still recovered once at Start.
	PurgeInterval time.Duration
}

type Dispatcher struct {
	queue    queue.JobQueue
	registry *jobs.Registry
	opts     Options
	logger   *slog.Logger
	jobChan  chan *jobs.Job
	wg       sync.WaitGroup
}

func NewDispatcher(q queue.JobQueue, registry *jobs.Registry, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &Dispatcher{
		queue:    q,
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "num_workers", d.opts.Workers)
	d.jobChan = make(chan *jobs.Job, d.opts.Workers)

	d.recoverStale(ctx, time.Now())

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func(workerID int) {
			defer d.wg.Done()
			worker := NewWorker(d.registry, d.queue, d.opts.DefaultTimeout, d.logger.With("worker_id", workerID))
			worker.Start(ctx, d.jobChan)
		}(i)
	}

	go d.pull(ctx)

	if d.opts.PurgeInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.purge(ctx)
		}()
	}

	return nil
}

func (d *Dispatcher) pull(ctx context.Context) {
	defer close(d.jobChan)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrEmptyQueue) {
				d.logger.Error("dequeue failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.PollInterval):
			}
			continue
		}

		select {
		case d.jobChan <- job:
		case <-ctx.Done():
			d.logger.Warn("dispatcher stopped with a claimed job", "job_id", job.ID)
			return
		}
	}
}

func (d *Dispatcher) purge(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.recoverStale(ctx, now)

			n, err := d.queue.PurgeExpired(ctx, now)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("purge expired results failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Info("purged expired results", "count", n)
			}
		}
	}
}

// recoverStale hands jobs left started by a dead worker back to the queue.
func (d *Dispatcher) recoverStale(ctx context.Context, now time.Time) {
	n, err := d.queue.RecoverStale(ctx, now, d.opts.DefaultTimeout)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("recover stale jobs failed", "error", err)
		}
		return
	}
	if n > 0 {
		d.logger.Warn("requeued stale jobs", "count", n)
	}
}

// Stop waits for in-flight jobs after the Start context is cancelled.
func (d *Dispatcher) Stop() {
	d.logger.Info("dispatcher stopping")
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}
