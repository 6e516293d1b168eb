package api

import (
	"time"

	"github.com/albachteng/trailsync/internal/jobs"
)

// RunTaskRequest triggers an ad-hoc task. A set At schedules it instead of
// queueing it immediately.
type RunTaskRequest struct {
	Module      string         `json:"module"`
	Function    string         `json:"function"`
	Args        []any          `json:"args,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
	ResultTTL   string         `json:"result_ttl,omitempty"`
	At          *time.Time     `json:"at,omitempty"`
	Description string         `json:"description,omitempty"`
}

type RunTaskResponse struct {
	JobID  jobs.JobID     `json:"job_id"`
	Status jobs.JobStatus `json:"status"`
}

type ScheduleView struct {
	ID          jobs.JobID      `json:"id"`
	Target      string          `json:"target"`
	Description string          `json:"description,omitempty"`
	NextRun     time.Time       `json:"next_run"`
	Recurrence  jobs.Recurrence `json:"recurrence"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
