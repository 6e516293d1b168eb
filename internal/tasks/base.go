// Package tasks holds the task modules the worker runs: ActionTrail sync and its cron entry point.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/actiontrail"
	"github.com/albachteng/trailsync/internal/jobs"
)

const (
	ModuleAliyun = "aliyun"
	ModuleCron   = "cron"
)

// AliyunConfig is the credential and paging setup for ActionTrail.
type AliyunConfig struct {
	AccessKey         string
	Secret            string
	Region            string
	MaxResults        int
	Window            time.Duration
	RetryBackoff      time.Duration
	RequestsPerSecond float64
}

// Deps are shared by every task built from the registry.
type Deps struct {
	Aliyun AliyunConfig
	Store  EventStore
	Logger *slog.Logger
	// NewAPI builds the LookupEvents client. Defaults to the Aliyun SDK.
	NewAPI func(region, accessKey, secret string) (actiontrail.LookupAPI, error)
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) newAPI(region, ak, secret string) (actiontrail.LookupAPI, error) {
	if d.NewAPI != nil {
		return d.NewAPI(region, ak, secret)
	}
	return actiontrail.NewSDKClient(region, ak, secret)
}

// Register adds the aliyun and cron modules to registry.
func Register(registry *jobs.Registry, deps Deps) error {
	if err := registry.Register(ModuleAliyun, func(ctx context.Context, mode jobs.Mode) (jobs.Task, error) {
		return NewAliyun(ctx, deps, mode)
	}, aliyunFunctions...); err != nil {
		return err
	}
	return registry.Register(ModuleCron, func(ctx context.Context, mode jobs.Mode) (jobs.Task, error) {
		return NewCron(ctx, deps, mode)
	}, cronFunctions...)
}

// taskLogger scopes the shared logger. Bound tasks log under their job id;
// cron-mode tasks are tagged instead.
func taskLogger(ctx context.Context, base *slog.Logger, module string, mode jobs.Mode) *slog.Logger {
	logger := base.With("module", module)
	if mode == jobs.CronMode {
		return logger.With("mode", "cron")
	}
	if job, ok := jobs.FromContext(ctx); ok {
		return logger.With("job_id", string(job.ID), "task", job.Target.String())
	}
	return logger
}

func unknownFunction(module, function string) error {
	return errors.Wrapf(jobs.ErrInvalidFn, "%s has no function %q", module, function)
}
