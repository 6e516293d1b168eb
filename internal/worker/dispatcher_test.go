package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/queue"
)

// waitForCondition polls a condition function until it returns true or times out
func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

func countResults(q queue.ResultStore, status jobs.JobStatus) int {
	list, _ := q.ListResults(context.Background(), status)
	return len(list)
}

func TestDispatcher_ProcessesQueuedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	runs := make(map[jobs.JobID]int)
	registry := newRegistry(t, "test", funcTask{
		"count": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			job, _ := jobs.FromContext(ctx)
			mu.Lock()
			runs[job.ID]++
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		},
	})

	q := queue.NewMemoryQueue()
	d := NewDispatcher(q, registry, Options{Workers: 3}, nil)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	const total = 20
	for i := 0; i < total; i++ {
		job := jobs.NewJob(jobs.Target{Module: "test", Function: "count"}, nil, nil)
		job.ID = jobs.JobID(fmt.Sprintf("job-%d", i))
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitForCondition(t, func() bool {
		return countResults(q, jobs.StatusFinished) == total
	}, 5*time.Second, "all jobs finished")

	cancel()
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != total {
		t.Errorf("expected %d distinct jobs, got %d", total, len(runs))
	}
	for id, n := range runs {
		if n != 1 {
			t.Errorf("job %s ran %d times", id, n)
		}
	}
}

func TestDispatcher_GracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var finished atomic.Bool
	started := make(chan struct{})
	registry := newRegistry(t, "test", funcTask{
		"slow": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil, nil
		},
	})

	q := queue.NewMemoryQueue()
	d := NewDispatcher(q, registry, Options{Workers: 1}, nil)
	_ = d.Start(ctx)
	_ = q.Enqueue(ctx, jobs.NewJob(jobs.Target{Module: "test", Function: "slow"}, nil, nil))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	cancel()
	d.Stop()

	if !finished.Load() {
		t.Error("expected in-flight job to finish before Stop returned")
	}
}

func TestDispatcher_HandlesEmptyQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	q := queue.NewMemoryQueue()
	d := NewDispatcher(q, jobs.NewRegistry(), Options{Workers: 2, PollInterval: 5 * time.Millisecond}, nil)
	_ = d.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

// purgeCounter records how many results the dispatcher purged.
type purgeCounter struct {
	*queue.MemoryQueue
	purged atomic.Int64
}

func (p *purgeCounter) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := p.MemoryQueue.PurgeExpired(ctx, now)
	p.purged.Add(int64(n))
	return n, err
}

func TestDispatcher_PurgesExpiredResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := &purgeCounter{MemoryQueue: queue.NewMemoryQueue()}
	job := jobs.NewJob(jobs.Target{Module: "test", Function: "x"}, nil, nil)
	_ = q.Enqueue(ctx, job)
	_, _ = q.Dequeue(ctx)

	ended := time.Now()
	expires := ended.Add(10 * time.Millisecond)
	_ = q.Finish(ctx, &jobs.JobResult{JobID: job.ID, Status: jobs.StatusFinished, EndedAt: &ended, ExpiresAt: &expires})

	d := NewDispatcher(q, jobs.NewRegistry(), Options{Workers: 1, PurgeInterval: 20 * time.Millisecond}, nil)
	_ = d.Start(ctx)

	waitForCondition(t, func() bool {
		return q.purged.Load() == 1
	}, 2*time.Second, "expired result purged")

	cancel()
	d.Stop()
}

func TestDispatcher_RecoversStaleJobsOnStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	registry := newRegistry(t, "test", funcTask{
		"sync": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			runs.Add(1)
			return nil, nil
		},
	})

	q, err := queue.NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	defer q.Close()

	// One job was left started by a worker that died an hour ago; the other
	// belongs to a live worker in another process.
	for id, started := range map[jobs.JobID]time.Time{
		"orphaned": time.Now().Add(-time.Hour),
		"running":  time.Now(),
	} {
		job := jobs.NewJob(jobs.Target{Module: "test", Function: "sync"}, nil, nil)
		job.ID = id
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := q.MarkStarted(ctx, id, started); err != nil {
			t.Fatalf("mark started: %v", err)
		}
	}

	d := NewDispatcher(q, registry, Options{Workers: 1, DefaultTimeout: time.Minute}, nil)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForCondition(t, func() bool {
		res, err := q.GetResult(ctx, "orphaned")
		return err == nil && res.Status == jobs.StatusFinished
	}, 5*time.Second, "orphaned job rerun")

	cancel()
	d.Stop()

	if got := runs.Load(); got != 1 {
		t.Errorf("expected only the orphaned job to run, got %d runs", got)
	}
	res, _ := q.GetResult(context.Background(), "running")
	if res == nil || res.Status != jobs.StatusStarted {
		t.Errorf("expected the live job to stay started, got %+v", res)
	}
}
