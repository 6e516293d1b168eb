package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/metrics"
	"github.com/albachteng/trailsync/internal/queue"
)

const DefaultTimeout = 180 * time.Second

type Worker struct {
	registry       *jobs.Registry
	results        queue.ResultStore
	logger         *slog.Logger
	defaultTimeout time.Duration
	now            func() time.Time
	metrics        *metrics.Metrics
}

func NewWorker(registry *jobs.Registry, results queue.ResultStore, defaultTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Worker{
		registry:       registry,
		results:        results,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
		metrics:        metrics.Default(),
	}
}

// Start processes jobs one at a time until the channel is closed or ctx is cancelled.
func (w *Worker) Start(ctx context.Context, jobCh <-chan *jobs.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobCh:
			if !ok {
				return
			}
			w.Process(ctx, job)
		}
	}
}

type outcome struct {
	value any
	err   error
}

// Process executes job and records its final result. It returns once the job
// ends or its timeout passes, whichever comes first.
func (w *Worker) Process(ctx context.Context, job *jobs.Job) *jobs.JobResult {
	task := job.Target.String()
	logger := w.logger.With("job_id", job.ID, "task", task)

	// In-flight jobs outlive dispatcher shutdown; only the job timeout stops them.
	base := context.WithoutCancel(ctx)

	started := w.now().UTC()
	if err := w.results.MarkStarted(base, job.ID, started); err != nil {
		logger.Warn("failed to mark job started", "error", err)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(jobs.WithJob(base, job), timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Newf("panic: %v", r)}
			}
		}()
		value, err := w.registry.Run(runCtx, job.Target, jobs.Bound, job.Args, job.Kwargs)
		done <- outcome{value: value, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		// The task goroutine is abandoned; its late result lands in the buffered channel.
		out = outcome{err: errors.Wrapf(jobs.ErrJobTimeout, "%s exceeded %s", task, timeout)}
	}

	ended := w.now().UTC()
	elapsed := ended.Sub(started)
	res := &jobs.JobResult{
		JobID:       job.ID,
		Description: job.Description,
		EnqueuedAt:  job.EnqueuedAt,
		StartedAt:   &started,
		EndedAt:     &ended,
		Elapsed:     &elapsed,
		ExpiresAt:   jobs.ExpiryFor(ended, job.ResultTTL),
	}

	if out.err == nil {
		payload, err := json.Marshal(out.value)
		if err != nil {
			out.err = errors.Wrap(err, "encode task result")
		} else {
			res.Status = jobs.StatusFinished
			res.Result = payload
		}
	}
	if out.err != nil {
		res.Status = jobs.StatusFailed
		res.Error = out.err.Error()
		res.Result, _ = json.Marshal(res.Error)
	}

	if err := w.results.Finish(base, res); err != nil {
		logger.Error("failed to store job result", "error", err)
	}
	w.metrics.JobFinished(task, string(res.Status), elapsed)

	if out.err != nil {
		logger.Error("job failed",
			"error", out.err,
			"timeout", errors.Is(out.err, jobs.ErrJobTimeout),
			"elapsed", elapsed)
	} else {
		logger.Info("job completed", "elapsed", fmt.Sprintf("%.2fs", elapsed.Seconds()))
	}

	return res
}
