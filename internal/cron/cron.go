package cron

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/jobs"
)

// ScheduleOptions registers a job firing once at At, then every Interval when set.
// Repeat bounds the number of fires of a periodic job; nil repeats forever.
type ScheduleOptions struct {
	At          time.Time
	Target      jobs.Target
	Args        []any
	Kwargs      map[string]any
	Interval    time.Duration
	Repeat      *int
	ResultTTL   time.Duration
	Timeout     time.Duration
	ID          jobs.JobID
	Description string
}

// CronOptions registers a job driven by a 5-field cron expression.
type CronOptions struct {
	Expr        string
	Target      jobs.Target
	Args        []any
	Kwargs      map[string]any
	Repeat      *int
	Timeout     time.Duration
	ID          jobs.JobID
	Description string
}

// Repeat is a helper for the optional repeat counters.
func Repeat(n int) *int {
	return &n
}

func validateTarget(target jobs.Target) error {
	if target.Module == "" || target.Function == "" {
		return errors.Wrapf(jobs.ErrConfig, "incomplete task target %q", target.String())
	}
	return nil
}

func (o ScheduleOptions) validate() error {
	if err := validateTarget(o.Target); err != nil {
		return err
	}
	if o.Interval < 0 {
		return errors.Wrapf(jobs.ErrConfig, "negative interval %s", o.Interval)
	}
	if o.Repeat != nil && o.Interval == 0 {
		return errors.Wrap(jobs.ErrConfig, "can't repeat a job without interval argument")
	}
	if o.Repeat != nil && *o.Repeat < 0 {
		return errors.Wrapf(jobs.ErrConfig, "negative repeat %d", *o.Repeat)
	}
	return nil
}

func (o CronOptions) validate() error {
	if err := validateTarget(o.Target); err != nil {
		return err
	}
	if o.Repeat != nil && *o.Repeat < 0 {
		return errors.Wrapf(jobs.ErrConfig, "negative repeat %d", *o.Repeat)
	}
	return nil
}
