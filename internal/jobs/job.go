package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobID string

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusStarted   JobStatus = "started"
	StatusFinished  JobStatus = "finished"
	StatusFailed    JobStatus = "failed"
	StatusSuspended JobStatus = "suspended"
	// StatusScheduled is reported for jobs still waiting in the pending set.
	StatusScheduled JobStatus = "scheduled"
)

// NeverExpire keeps a result forever. Periodic jobs default to it.
const NeverExpire time.Duration = -1

// DefaultResultTTL matches the retention of ad-hoc task runs.
const DefaultResultTTL = 24 * time.Hour

// Target names a task implementation: a registered module and one of its functions.
type Target struct {
	Module   string `json:"module"`
	Function string `json:"function"`
}

func (t Target) String() string {
	return t.Module + "." + t.Function
}

type RecurrenceKind string

const (
	RecurNone     RecurrenceKind = ""
	RecurInterval RecurrenceKind = "interval"
	RecurCron     RecurrenceKind = "cron"
)

// Recurrence describes how a job re-fires after dispatch. A nil Repeat means
// the job repeats forever.
type Recurrence struct {
	Kind     RecurrenceKind `json:"kind,omitempty"`
	Interval time.Duration  `json:"interval,omitempty"`
	CronExpr string         `json:"cron,omitempty"`
	Repeat   *int           `json:"repeat,omitempty"`
}

func (r Recurrence) IsRecurring() bool {
	return r.Kind == RecurInterval || r.Kind == RecurCron
}

// Exhausted reports whether a bounded repeat counter has run out.
func (r Recurrence) Exhausted() bool {
	return r.Repeat != nil && *r.Repeat <= 0
}

type Job struct {
	ID          JobID          `json:"id"`
	Target      Target         `json:"target"`
	Args        []any          `json:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Recurrence  Recurrence     `json:"recurrence"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	ResultTTL   time.Duration  `json:"result_ttl,omitempty"`
	Status      JobStatus      `json:"status"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	EnqueuedAt  time.Time      `json:"enqueued_at,omitempty"`
	Seq         int64          `json:"seq"`
}

// NewJob builds a queued, non-recurring job with a fresh id.
func NewJob(target Target, args []any, kwargs map[string]any) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          NewJobID(),
		Target:      target,
		Args:        args,
		Kwargs:      kwargs,
		ScheduledAt: now,
		ResultTTL:   DefaultResultTTL,
		Status:      StatusQueued,
		Description: Describe(target, args, kwargs),
		CreatedAt:   now,
	}
}

// NewJobID returns a time-based uuid without dashes.
func NewJobID() JobID {
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	return JobID(strings.ReplaceAll(id.String(), "-", ""))
}

// Describe renders a call-like description such as "aliyun.sync_events(1, window=6)".
func Describe(target Target, args []any, kwargs map[string]any) string {
	parts := make([]string, 0, len(args)+len(kwargs))
	for _, a := range args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	for _, k := range sortedKeys(kwargs) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, kwargs[k]))
	}
	return fmt.Sprintf("%s(%s)", target, strings.Join(parts, ", "))
}

// Clone returns a copy that does not share the repeat counter.
func (j *Job) Clone() *Job {
	c := *j
	if j.Recurrence.Repeat != nil {
		n := *j.Recurrence.Repeat
		c.Recurrence.Repeat = &n
	}
	return &c
}

type jobCtxKey struct{}

// WithJob attaches the job being executed to ctx.
func WithJob(ctx context.Context, job *Job) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, job)
}

// FromContext returns the job attached by WithJob, if any.
func FromContext(ctx context.Context) (*Job, bool) {
	job, ok := ctx.Value(jobCtxKey{}).(*Job)
	return job, ok && job != nil
}
