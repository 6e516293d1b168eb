package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobResult is the outcome of one execution of a job.
type JobResult struct {
	JobID       JobID           `json:"job_id"`
	Status      JobStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Description string          `json:"description,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	// Elapsed is nil until the job has ended.
	Elapsed   *time.Duration `json:"elapsed,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Done reports whether the result is final.
func (r *JobResult) Done() bool {
	return r.Status == StatusFinished || r.Status == StatusFailed
}

// StatusView is the shape served to status queries.
type StatusView struct {
	Result      any       `json:"result"`
	Status      JobStatus `json:"status"`
	Time        *string   `json:"time"`
	Description string    `json:"description"`
}

// View renders the status query shape. Time is measured from enqueue to end.
func (r *JobResult) View() StatusView {
	v := StatusView{
		Status:      r.Status,
		Description: r.Description,
	}

	if len(r.Result) > 0 {
		var decoded any
		if err := json.Unmarshal(r.Result, &decoded); err == nil {
			v.Result = decoded
		} else {
			v.Result = string(r.Result)
		}
	}

	if r.EndedAt != nil && !r.EnqueuedAt.IsZero() {
		s := fmt.Sprintf("%.2f", r.EndedAt.Sub(r.EnqueuedAt).Seconds())
		v.Time = &s
	}

	return v
}

// ExpiryFor returns when a result stored at `at` with ttl expires; nil means never.
func ExpiryFor(at time.Time, ttl time.Duration) *time.Time {
	if ttl < 0 {
		return nil
	}
	if ttl == 0 {
		ttl = DefaultResultTTL
	}
	exp := at.Add(ttl)
	return &exp
}
