package tasks

import (
	"context"

	"github.com/albachteng/trailsync/internal/jobs"
)

const FnSyncAliyunEvents = "sync_aliyun_events"

// Cron is the entry point recurring schedules target.
type Cron struct {
	deps Deps
}

// NewCron never fails; credentials are checked when the sync task is built.
func NewCron(_ context.Context, deps Deps, _ jobs.Mode) (*Cron, error) {
	return &Cron{deps: deps}, nil
}

var cronFunctions = []string{FnSyncAliyunEvents}

func (c *Cron) Functions() []string {
	return cronFunctions
}

func (c *Cron) Execute(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	switch function {
	case FnSyncAliyunEvents:
		return c.SyncAliyunEvents(ctx)
	default:
		return nil, unknownFunction(ModuleCron, function)
	}
}

// SyncAliyunEvents runs the default-window sync with an Aliyun task built in cron mode.
func (c *Cron) SyncAliyunEvents(ctx context.Context) (*Report, error) {
	aliyun, err := NewAliyun(ctx, c.deps, jobs.CronMode)
	if err != nil {
		return nil, err
	}
	return aliyun.SyncEvents(ctx)
}
