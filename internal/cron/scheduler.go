package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	cronparser "github.com/robfig/cron/v3"

	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/metrics"
)

// Enqueuer receives dispatched jobs. It must be safe to call while workers drain the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *jobs.Job) error
}

type Option func(*Scheduler)

// WithLocation sets the zone cron expressions are evaluated in. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type Scheduler struct {
	store   Store
	queue   Enqueuer
	logger  *slog.Logger
	parser  cronparser.Parser
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewScheduler(store Store, queue Enqueuer, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		store:   store,
		queue:   queue,
		logger:  logger,
		parser:  cronparser.NewParser(cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow | cronparser.Descriptor),
		loc:     time.Local,
		now:     time.Now,
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CalculateNextRun evaluates cronExpr in the scheduler's zone and returns the
// first activation strictly after from, in UTC.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, errors.Wrapf(jobs.ErrConfig, "cron expression %q: %v", cronExpr, err)
	}

	next := schedule.Next(from.In(s.loc))
	if next.IsZero() {
		return time.Time{}, errors.Wrapf(jobs.ErrConfig, "cron expression %q never fires", cronExpr)
	}
	return next.UTC(), nil
}

// Schedule registers a job to fire at opts.At, then every opts.Interval.
func (s *Scheduler) Schedule(ctx context.Context, opts ScheduleOptions) (*jobs.Job, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	at := opts.At
	if at.IsZero() {
		at = s.now()
	}

	ttl := opts.ResultTTL
	if ttl == 0 {
		ttl = jobs.DefaultResultTTL
		if opts.Interval > 0 {
			ttl = jobs.NeverExpire
		}
	}

	rec := jobs.Recurrence{Repeat: copyRepeat(opts.Repeat)}
	if opts.Interval > 0 {
		rec.Kind = jobs.RecurInterval
		rec.Interval = opts.Interval
	}

	job := s.newJob(opts.ID, opts.Target, opts.Args, opts.Kwargs, opts.Description)
	job.ScheduledAt = at.UTC()
	job.Recurrence = rec
	job.Timeout = opts.Timeout
	job.ResultTTL = ttl

	if err := s.register(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cron registers a job whose fire times follow opts.Expr. Cron jobs keep their results forever.
func (s *Scheduler) Cron(ctx context.Context, opts CronOptions) (*jobs.Job, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	next, err := s.CalculateNextRun(opts.Expr, s.now())
	if err != nil {
		return nil, err
	}

	job := s.newJob(opts.ID, opts.Target, opts.Args, opts.Kwargs, opts.Description)
	job.ScheduledAt = next
	job.Recurrence = jobs.Recurrence{
		Kind:     jobs.RecurCron,
		CronExpr: opts.Expr,
		Repeat:   copyRepeat(opts.Repeat),
	}
	job.Timeout = opts.Timeout
	job.ResultTTL = jobs.NeverExpire

	if err := s.register(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Scheduler) newJob(id jobs.JobID, target jobs.Target, args []any, kwargs map[string]any, description string) *jobs.Job {
	if id == "" {
		id = jobs.NewJobID()
	}
	if description == "" {
		description = jobs.Describe(target, args, kwargs)
	}
	return &jobs.Job{
		ID:          id,
		Target:      target,
		Args:        args,
		Kwargs:      kwargs,
		Status:      jobs.StatusScheduled,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
}

func (s *Scheduler) register(ctx context.Context, job *jobs.Job) error {
	seq, err := s.store.NextSeq(ctx)
	if err != nil {
		return err
	}
	job.Seq = seq

	if err := s.store.Put(ctx, job); err != nil {
		return err
	}

	s.logger.Info("job scheduled",
		"job_id", job.ID,
		"task", job.Target.String(),
		"scheduled_at", job.ScheduledAt,
		"recurrence", string(job.Recurrence.Kind))
	return nil
}

// Cancel removes a pending job. Unknown or already dispatched ids are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id jobs.JobID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job cancelled", "job_id", id)
	return nil
}

// Job returns the pending job registered under id, or jobs.ErrJobNotFound.
func (s *Scheduler) Job(ctx context.Context, id jobs.JobID) (*jobs.Job, error) {
	return s.store.Load(ctx, id)
}

// Jobs lists pending jobs ordered by next fire time.
func (s *Scheduler) Jobs(ctx context.Context) ([]*jobs.Job, error) {
	return s.store.List(ctx)
}

// DispatchDue moves every job due at the current time onto the queue, in
// (fire time, registration) order, and re-adds recurring jobs. It returns the
// number of jobs this scheduler dispatched.
func (s *Scheduler) DispatchDue(ctx context.Context) (int, error) {
	now := s.now().UTC()

	ids, err := s.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	due := make([]*jobs.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.store.Load(ctx, id)
		if errors.Is(err, jobs.ErrJobNotFound) {
			// Metadata is gone: drop the orphaned entry.
			if err := s.store.Delete(ctx, id); err != nil {
				s.logger.Error("failed to drop orphaned job", "job_id", id, "error", err)
			}
			continue
		}
		if err != nil {
			s.logger.Error("failed to load due job", "job_id", id, "error", err)
			continue
		}
		if job.ScheduledAt.After(now) {
			// Another scheduler dispatched it and re-armed it meanwhile.
			continue
		}
		due = append(due, job)
	}
	sortByFireTime(due)

	dispatched := 0
	for _, job := range due {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		claimed, err := s.store.Claim(ctx, job.ID, job.ScheduledAt)
		if err != nil {
			s.logger.Error("failed to claim due job", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			s.logger.Debug("job already claimed by another scheduler", "job_id", job.ID)
			continue
		}

		if err := s.dispatch(ctx, job, now); err != nil {
			if errors.Is(err, jobs.ErrJobRunning) {
				// The slot stays pending until the previous run finishes.
				s.logger.Debug("previous run still in progress, dispatch deferred",
					"job_id", job.ID,
					"task", job.Target.String())
				continue
			}
			s.logger.Error("failed to dispatch job",
				"job_id", job.ID,
				"task", job.Target.String(),
				"error", err)
			continue
		}
		dispatched++
	}

	return dispatched, nil
}

func (s *Scheduler) dispatch(ctx context.Context, job *jobs.Job, now time.Time) error {
	run := job.Clone()
	if r := run.Recurrence.Repeat; r != nil && *r > 0 {
		*r--
	}
	run.Status = jobs.StatusQueued
	run.EnqueuedAt = now

	queued := run.Clone()
	if err := s.queue.Enqueue(ctx, queued); err != nil {
		// Put the slot back so the next pass retries it.
		if putErr := s.store.Put(ctx, job); putErr != nil {
			s.logger.Error("failed to restore job after enqueue error", "job_id", job.ID, "error", putErr)
		}
		return errors.Wrap(err, "enqueue")
	}

	s.metrics.JobDispatched(job.Target.String())
	s.logger.Info("enqueued job from schedule",
		"job_id", job.ID,
		"task", job.Target.String(),
		"scheduled_at", job.ScheduledAt)

	if !run.Recurrence.IsRecurring() || run.Recurrence.Exhausted() {
		return s.store.Delete(ctx, job.ID)
	}

	next, err := s.nextFire(run, now)
	if err != nil {
		_ = s.store.Delete(ctx, job.ID)
		return err
	}

	run.ScheduledAt = next
	run.Status = jobs.StatusScheduled
	run.EnqueuedAt = time.Time{}
	return s.store.Put(ctx, run)
}

func (s *Scheduler) nextFire(job *jobs.Job, now time.Time) (time.Time, error) {
	switch job.Recurrence.Kind {
	case jobs.RecurInterval:
		return now.Add(job.Recurrence.Interval), nil
	case jobs.RecurCron:
		return s.CalculateNextRun(job.Recurrence.CronExpr, now)
	default:
		return time.Time{}, errors.Newf("job %s is not recurring", job.ID)
	}
}

// Run dispatches due jobs every pollInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	s.logger.Info("scheduler starting", "poll_interval", pollInterval)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.DispatchDue(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("dispatch pass failed", "error", err)
	}
	if n > 0 {
		s.logger.Debug("dispatch pass complete", "dispatched", n)
	}

	if pending, err := s.store.List(ctx); err == nil {
		s.metrics.SetPending(len(pending))
	}
}

func copyRepeat(r *int) *int {
	if r == nil {
		return nil
	}
	n := *r
	return &n
}
