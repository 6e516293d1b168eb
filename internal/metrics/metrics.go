// Package metrics holds the Prometheus collectors shared by the scheduler,
// the workers and the sync task.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trailsync"

type Metrics struct {
	jobsDispatched *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	pendingJobs    prometheus.Gauge
	eventsFetched  prometheus.Counter
	eventsStored   prometheus.Counter
	eventsSkipped  *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the collectors registered with the global registry.
// They are created once so repeated construction in tests does not panic.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers a fresh set of collectors with reg. Registration errors panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		jobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_dispatched_total",
			Help:      "Scheduled jobs moved from the pending set to the work queue.",
		}, []string{"task"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_finished_total",
			Help:      "Job executions by final status.",
		}, []string{"task", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time of job executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pending_jobs",
			Help:      "Jobs waiting in the pending set after the last dispatch pass.",
		}),
		eventsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_fetched_total",
			Help:      "Raw audit events received from the upstream API.",
		}),
		eventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_stored_total",
			Help:      "Audit event records newly persisted.",
		}),
		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_skipped_total",
			Help:      "Audit events not persisted, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.jobsDispatched,
		m.jobsFinished,
		m.jobDuration,
		m.pendingJobs,
		m.eventsFetched,
		m.eventsStored,
		m.eventsSkipped,
	)
	return m
}

func (m *Metrics) JobDispatched(task string) {
	if m == nil {
		return
	}
	m.jobsDispatched.WithLabelValues(task).Inc()
}

func (m *Metrics) JobFinished(task, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(task, status).Inc()
	m.jobDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingJobs.Set(float64(n))
}

func (m *Metrics) EventsFetched(n int) {
	if m == nil {
		return
	}
	m.eventsFetched.Add(float64(n))
}

func (m *Metrics) EventsStored(n int) {
	if m == nil {
		return
	}
	m.eventsStored.Add(float64(n))
}

func (m *Metrics) EventsSkipped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.eventsSkipped.WithLabelValues(reason).Add(float64(n))
}
