package main

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/albachteng/trailsync/internal/config"
	"github.com/albachteng/trailsync/internal/cron"
	"github.com/albachteng/trailsync/internal/events"
	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/queue"
	"github.com/albachteng/trailsync/internal/tasks"
	"github.com/albachteng/trailsync/internal/worker"
)

func eventsConfig(cfg config.DatabaseConfig) events.Config {
	return events.Config{
		Driver:  cfg.Driver,
		Path:    cfg.Path,
		Host:    cfg.Host,
		Port:    cfg.Port,
		User:    cfg.User,
		Auth:    cfg.Auth,
		Name:    cfg.Name,
		Charset: cfg.Charset,
	}
}

// openEvents connects to the event database and makes sure the table exists.
func openEvents(ctx context.Context, cfg config.DatabaseConfig) (*events.Store, error) {
	store, err := events.Open(eventsConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := store.CreateSchema(ctx); err != nil {
		_ = store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func taskDeps(cfg *config.Config, store tasks.EventStore, logger *slog.Logger) tasks.Deps {
	return tasks.Deps{
		Aliyun: tasks.AliyunConfig{
			AccessKey:         cfg.Aliyun.AK,
			Secret:            cfg.Aliyun.Secret,
			Region:            cfg.Aliyun.Region,
			MaxResults:        cfg.Aliyun.MaxResults,
			Window:            cfg.Aliyun.Window,
			RetryBackoff:      cfg.Aliyun.RetryBackoff,
			RequestsPerSecond: cfg.Aliyun.RequestsPerSecond,
		},
		Store:  store,
		Logger: logger,
	}
}

func newRegistry(deps tasks.Deps) (*jobs.Registry, error) {
	registry := jobs.NewRegistry()
	if err := tasks.Register(registry, deps); err != nil {
		return nil, err
	}
	return registry, nil
}

// pendingStore returns the scheduler's pending set and, for redis, the client to close.
func pendingStore(ctx context.Context, cfg config.CacheConfig) (cron.Store, *redis.Client, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close() //nolint:errcheck
			return nil, nil, errors.Wrapf(err, "connect to redis at %s", cfg.Addr)
		}
		return cron.NewRedisStore(client, cfg.Prefix), client, nil
	default:
		return cron.NewMemoryStore(), nil, nil
	}
}

func newScheduler(cfg *config.Config, store cron.Store, q cron.Enqueuer, logger *slog.Logger) (*cron.Scheduler, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}
	return cron.NewScheduler(store, q, logger, cron.WithLocation(loc)), nil
}

// registerSchedules upserts the configured recurring jobs under their stable ids,
// so restarts and several scheduler processes never duplicate them. A schedule
// already pending with the same definition is left as is, keeping its next fire
// time and remaining repeat count.
func registerSchedules(ctx context.Context, scheduler *cron.Scheduler, schedules []config.ScheduleConfig, logger *slog.Logger) error {
	for _, s := range schedules {
		target := jobs.Target{Module: s.Module, Function: s.Function}

		pending, err := scheduler.Job(ctx, jobs.JobID(s.ID))
		if err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
			return errors.Wrapf(err, "schedule %s", s.ID)
		}
		if pending != nil && sameSchedule(pending, s) {
			logger.Info("schedule already registered", "job_id", pending.ID, "task", target.String(), "next_run", pending.ScheduledAt)
			continue
		}

		var job *jobs.Job
		if s.Cron != "" {
			job, err = scheduler.Cron(ctx, cron.CronOptions{
				Expr:        s.Cron,
				Target:      target,
				Repeat:      s.Repeat,
				Timeout:     s.Timeout,
				ID:          jobs.JobID(s.ID),
				Description: s.Description,
			})
		} else {
			job, err = scheduler.Schedule(ctx, cron.ScheduleOptions{
				Target:      target,
				Interval:    s.Interval,
				Repeat:      s.Repeat,
				Timeout:     s.Timeout,
				ID:          jobs.JobID(s.ID),
				Description: s.Description,
			})
		}
		if err != nil {
			return errors.Wrapf(err, "schedule %s", s.ID)
		}
		logger.Info("schedule registered", "job_id", job.ID, "task", target.String(), "next_run", job.ScheduledAt)
	}
	return nil
}

// sameSchedule reports whether pending was registered from s. A bounded repeat
// matches while the pending count has not grown past the configured one.
func sameSchedule(pending *jobs.Job, s config.ScheduleConfig) bool {
	rec := pending.Recurrence
	if pending.Target != (jobs.Target{Module: s.Module, Function: s.Function}) || pending.Timeout != s.Timeout {
		return false
	}
	if s.Description != "" && pending.Description != s.Description {
		return false
	}
	switch {
	case s.Cron != "":
		if rec.Kind != jobs.RecurCron || rec.CronExpr != s.Cron {
			return false
		}
	default:
		if rec.Kind != jobs.RecurInterval || rec.Interval != s.Interval {
			return false
		}
	}
	if (rec.Repeat == nil) != (s.Repeat == nil) {
		return false
	}
	return rec.Repeat == nil || *rec.Repeat <= *s.Repeat
}

func dispatcherOptions(cfg config.QueueConfig) worker.Options {
	return worker.Options{
		Workers:        cfg.Workers,
		PollInterval:   cfg.PollInterval,
		DefaultTimeout: cfg.DefaultTimeout,
		PurgeInterval:  cfg.PurgeInterval,
	}
}

func openQueue(cfg config.QueueConfig) (*queue.SQLiteQueue, error) {
	return queue.NewSQLiteQueue(cfg.Path)
}
