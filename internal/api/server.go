// Package api serves job status, schedules and stored events over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albachteng/trailsync/internal/cron"
	"github.com/albachteng/trailsync/internal/events"
	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/queue"
)

type Scheduler interface {
	Schedule(ctx context.Context, opts cron.ScheduleOptions) (*jobs.Job, error)
	Jobs(ctx context.Context) ([]*jobs.Job, error)
	Cancel(ctx context.Context, id jobs.JobID) error
}

type EventLister interface {
	List(ctx context.Context, opts events.ListOptions) ([]*events.Record, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Queue     queue.JobQueue
	Registry  *jobs.Registry
	Scheduler Scheduler
	Events    EventLister
	// Checks are pinged by /health, keyed by component name.
	Checks map[string]Pinger
	Logger *slog.Logger
}

func NewServer(q queue.JobQueue, registry *jobs.Registry, scheduler Scheduler, ev EventLister, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Queue:     q,
		Registry:  registry,
		Scheduler: scheduler,
		Events:    ev,
		Checks:    make(map[string]Pinger),
		Logger:    logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.HandleRunTask)
	mux.HandleFunc("GET /jobs", s.HandleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.HandleGetJob)
	mux.HandleFunc("GET /schedules", s.HandleListSchedules)
	mux.HandleFunc("DELETE /schedules/{id}", s.HandleCancelSchedule)
	mux.HandleFunc("GET /events", s.HandleListEvents)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// NewHTTPServer wraps the routes with the timeouts used in production.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
