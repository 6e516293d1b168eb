package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/cron"
	"github.com/albachteng/trailsync/internal/events"
	"github.com/albachteng/trailsync/internal/jobs"
)

func (s *Server) HandleRunTask(w http.ResponseWriter, r *http.Request) {
	var req RunTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(jobs.ErrConfig, err.Error()))
		return
	}

	target := jobs.Target{Module: req.Module, Function: req.Function}
	if err := s.Registry.Validate(target); err != nil {
		s.writeError(w, err)
		return
	}

	timeout, err := parseDuration("timeout", req.Timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ttl, err := parseDuration("result_ttl", req.ResultTTL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if req.At != nil {
		if s.Scheduler == nil {
			s.writeError(w, errors.Wrap(jobs.ErrConfig, "scheduling is not enabled on this server"))
			return
		}
		job, err := s.Scheduler.Schedule(r.Context(), cron.ScheduleOptions{
			At:          *req.At,
			Target:      target,
			Args:        req.Args,
			Kwargs:      req.Kwargs,
			ResultTTL:   ttl,
			Timeout:     timeout,
			Description: req.Description,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.Logger.Info("task scheduled", "job_id", job.ID, "task", target.String(), "at", job.ScheduledAt)
		writeJSON(w, http.StatusCreated, RunTaskResponse{JobID: job.ID, Status: job.Status})
		return
	}

	job := jobs.NewJob(target, req.Args, req.Kwargs)
	job.Timeout = timeout
	if ttl != 0 {
		job.ResultTTL = ttl
	}
	if req.Description != "" {
		job.Description = req.Description
	}

	if err := s.Queue.Enqueue(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}

	s.Logger.Info("task enqueued", "job_id", job.ID, "task", target.String())
	writeJSON(w, http.StatusCreated, RunTaskResponse{JobID: job.ID, Status: jobs.StatusQueued})
}

func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := jobs.JobID(r.PathValue("id"))

	res, err := s.Queue.GetResult(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.View())
}

func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	status := jobs.JobStatus(r.URL.Query().Get("status"))

	results, err := s.Queue.ListResults(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []*jobs.JobResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeJSON(w, http.StatusOK, []ScheduleView{})
		return
	}

	pending, err := s.Scheduler.Jobs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]ScheduleView, 0, len(pending))
	for _, job := range pending {
		views = append(views, ScheduleView{
			ID:          job.ID,
			Target:      job.Target.String(),
			Description: job.Description,
			NextRun:     job.ScheduledAt,
			Recurrence:  job.Recurrence,
		})
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].NextRun.Before(views[j].NextRun) })
	writeJSON(w, http.StatusOK, views)
}

// HandleCancelSchedule is idempotent: unknown ids also answer 204.
func (s *Server) HandleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		s.writeError(w, errors.Wrap(jobs.ErrConfig, "scheduling is not enabled on this server"))
		return
	}

	id := jobs.JobID(r.PathValue("id"))
	if err := s.Scheduler.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.Logger.Info("schedule cancelled", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		s.writeError(w, errors.Wrap(jobs.ErrConfig, "event store is not configured"))
		return
	}

	q := r.URL.Query()
	opts := events.ListOptions{ServiceName: q.Get("service")}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, errors.Wrapf(jobs.ErrConfig, "%s must be a non-negative integer", name))
			return
		}
		*dst = n
	}

	records, err := s.Events.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []*events.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(s.Checks) > 0 {
		resp.Components = make(map[string]string, len(s.Checks))
	}
	for name, check := range s.Checks {
		if err := check.Ping(ctx); err != nil {
			s.Logger.Warn("health check failed", "component", name, "error", err)
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(jobs.ErrConfig, "%s: %v", field, err)
	}
	return d, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrConfig), errors.Is(err, jobs.ErrInvalidFn):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}
