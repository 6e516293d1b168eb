package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albachteng/trailsync/internal/cron"
	"github.com/albachteng/trailsync/internal/events"
	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/queue"
)

type pingTask struct{}

func (pingTask) Functions() []string { return []string{"ping"} }

func (pingTask) Execute(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error) {
	return "pong", nil
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	srv       *Server
	handler   http.Handler
	queue     *queue.MemoryQueue
	scheduler *cron.Scheduler
	events    *events.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := jobs.NewRegistry()
	registry.MustRegister("util", func(ctx context.Context, mode jobs.Mode) (jobs.Task, error) {
		return pingTask{}, nil
	}, "ping")

	q := queue.NewMemoryQueue()
	scheduler := cron.NewScheduler(cron.NewMemoryStore(), q, nil, cron.WithLocation(time.UTC))

	store, err := events.Open(events.Config{Driver: events.DriverSQLite, Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateSchema(context.Background()))

	srv := NewServer(q, registry, scheduler, store, nil)
	return &testEnv{srv: srv, handler: srv.Routes(), queue: q, scheduler: scheduler, events: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestHandleRunTask(t *testing.T) {
	t.Run("enqueues immediately", func(t *testing.T) {
		env := newTestEnv(t)

		w := env.do(t, http.MethodPost, "/tasks", RunTaskRequest{Module: "util", Function: "ping", Timeout: "30s"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp RunTaskResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp.JobID)
		assert.Equal(t, jobs.StatusQueued, resp.Status)

		job, err := env.queue.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, resp.JobID, job.ID)
		assert.Equal(t, 30*time.Second, job.Timeout)
		assert.Equal(t, "util.ping()", job.Description)
	})

	t.Run("schedules when at is set", func(t *testing.T) {
		env := newTestEnv(t)
		at := time.Now().Add(time.Hour).UTC()

		w := env.do(t, http.MethodPost, "/tasks", RunTaskRequest{Module: "util", Function: "ping", At: &at})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp RunTaskResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, jobs.StatusScheduled, resp.Status)

		pending, err := env.scheduler.Jobs(context.Background())
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, resp.JobID, pending[0].ID)
	})

	t.Run("rejects bad requests", func(t *testing.T) {
		env := newTestEnv(t)

		cases := []struct {
			name string
			body any
		}{
			{"unknown module", RunTaskRequest{Module: "nope", Function: "ping"}},
			{"unknown function", RunTaskRequest{Module: "util", Function: "pong"}},
			{"missing function", RunTaskRequest{Module: "util"}},
			{"bad timeout", RunTaskRequest{Module: "util", Function: "ping", Timeout: "soon"}},
			{"not json", "{"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				w := env.do(t, http.MethodPost, "/tasks", tc.body)
				assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			})
		}
	})
}

func TestHandleGetJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := jobs.NewJob(jobs.Target{Module: "util", Function: "ping"}, nil, nil)
	require.NoError(t, env.queue.Enqueue(ctx, job))

	w := env.do(t, http.MethodGet, "/jobs/"+string(job.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view jobs.StatusView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, jobs.StatusQueued, view.Status)
	assert.Nil(t, view.Time)

	queued, err := env.queue.GetResult(ctx, job.ID)
	require.NoError(t, err)
	ended := queued.EnqueuedAt.Add(1500 * time.Millisecond)
	require.NoError(t, env.queue.Finish(ctx, &jobs.JobResult{
		JobID:   job.ID,
		Status:  jobs.StatusFinished,
		Result:  json.RawMessage(`"pong"`),
		EndedAt: &ended,
	}))

	w = env.do(t, http.MethodGet, "/jobs/"+string(job.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, jobs.StatusFinished, view.Status)
	assert.Equal(t, "pong", view.Result)
	require.NotNil(t, view.Time)
	assert.Equal(t, "1.50", *view.Time)

	w = env.do(t, http.MethodGet, "/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/jobs?status=finished", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []*jobs.JobResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestHandleSchedules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.scheduler.Cron(ctx, cron.CronOptions{
		Expr:   "*/5 * * * *",
		Target: jobs.Target{Module: "util", Function: "ping"},
		ID:     "ping-every-5m",
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var views []ScheduleView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&views))
	require.Len(t, views, 1)
	assert.Equal(t, job.ID, views[0].ID)
	assert.Equal(t, "util.ping", views[0].Target)
	assert.Equal(t, "*/5 * * * *", views[0].Recurrence.CronExpr)

	w = env.do(t, http.MethodDelete, "/schedules/ping-every-5m", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/schedules/ping-every-5m", nil)
	assert.Equal(t, http.StatusNoContent, w.Code, "cancel is idempotent")

	pending, err := env.scheduler.Jobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandleListEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i, svc := range []string{"Ecs", "Ecs", "Ram"} {
		require.NoError(t, env.events.Insert(ctx, &events.Record{
			ID:          "evt-" + string(rune('a'+i)),
			Name:        "Describe",
			RequestTime: time.Date(2024, 3, 1, 0, i, 0, 0, time.UTC),
			Type:        "ApiCall",
			Version:     "1",
			RequestID:   "req",
			ServiceName: svc,
			SourceIP:    "10.0.0.1",
			Identity:    json.RawMessage(`{}`),
		}))
	}

	w := env.do(t, http.MethodGet, "/events?service=Ecs&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var records []events.Record
	require.NoError(t, json.NewDecoder(w.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "evt-b", records[0].ID)

	w = env.do(t, http.MethodGet, "/events?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env.srv.Checks["events"] = env.events
	env.srv.Checks["redis"] = pingerFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Components["events"])
	assert.Equal(t, "connection refused", resp.Components["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
