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
	FnSyncEvents  = "sync_events"
	FnDBEventsPut = "db_events_put"
)

// Aliyun syncs ActionTrail events into the event store.
type Aliyun struct {
	source *actiontrail.Source
	store  EventStore
	logger *slog.Logger
}

func NewAliyun(ctx context.Context, deps Deps, mode jobs.Mode) (*Aliyun, error) {
	cfg := deps.Aliyun
	if cfg.AccessKey == "" || cfg.Secret == "" {
		return nil, errors.Wrap(jobs.ErrConfig, "aliyun access key and secret are required")
	}
	if deps.Store == nil {
		return nil, errors.Wrap(jobs.ErrConfig, "event store is not configured")
	}
	region := cfg.Region
	if region == "" {
		region = actiontrail.DefaultRegion
	}

	api, err := deps.newAPI(region, cfg.AccessKey, cfg.Secret)
	if err != nil {
		return nil, err
	}

	logger := taskLogger(ctx, deps.logger(), ModuleAliyun, mode)
	source := actiontrail.NewSource(api, actiontrail.Config{
		MaxResults:        cfg.MaxResults,
		Window:            cfg.Window,
		RetryBackoff:      cfg.RetryBackoff,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, logger)

	return &Aliyun{source: source, store: deps.Store, logger: logger}, nil
}

var aliyunFunctions = []string{FnSyncEvents, FnDBEventsPut}

func (a *Aliyun) Functions() []string {
	return aliyunFunctions
}

func (a *Aliyun) Execute(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	switch function {
	case FnSyncEvents:
		return a.SyncEvents(ctx)
	case FnDBEventsPut:
		start, end, err := windowArgs(args, kwargs)
		if err != nil {
			return nil, err
		}
		return a.PutEvents(ctx, start, end)
	default:
		return nil, unknownFunction(ModuleAliyun, function)
	}
}

// SyncEvents syncs the default window ending now.
func (a *Aliyun) SyncEvents(ctx context.Context) (*Report, error) {
	start, end := a.source.Window()
	return a.PutEvents(ctx, start, end)
}

// PutEvents syncs an explicit window.
func (a *Aliyun) PutEvents(ctx context.Context, start, end time.Time) (*Report, error) {
	if !end.After(start) {
		return nil, errors.Wrapf(jobs.ErrConfig, "window end %s is not after start %s",
			end.Format(actiontrail.TimeFormat), start.Format(actiontrail.TimeFormat))
	}
	a.logger.Info("syncing events",
		"start", start.Format(actiontrail.TimeFormat),
		"end", end.Format(actiontrail.TimeFormat))
	return NewSyncTask(a.source, a.store, a.logger).Run(ctx, start, end)
}

// windowArgs reads start and end either positionally or from the
// start_time/end_time keywords.
func windowArgs(args []any, kwargs map[string]any) (time.Time, time.Time, error) {
	var rawStart, rawEnd any
	if len(args) >= 2 {
		rawStart, rawEnd = args[0], args[1]
	}
	if v, ok := kwargs["start_time"]; ok {
		rawStart = v
	}
	if v, ok := kwargs["end_time"]; ok {
		rawEnd = v
	}
	if rawStart == nil || rawEnd == nil {
		return time.Time{}, time.Time{}, errors.Wrap(jobs.ErrConfig, "db_events_put needs start_time and end_time")
	}

	start, err := parseWindowTime(rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseWindowTime(rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func parseWindowTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, errors.Wrapf(jobs.ErrConfig, "window bound %v is not a string", v)
	}
	for _, layout := range []string{actiontrail.TimeFormat, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(jobs.ErrConfig, "window bound %q is not %s", s, actiontrail.TimeFormat)
}
