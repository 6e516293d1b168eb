package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/albachteng/trailsync/internal/jobs"
)

func TestInMemoryQueue(t *testing.T) {
	tests := []struct {
		name      string
		cancelled bool
		want      error
	}{
		{"ok", false, nil},
		{"context canceled", true, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewInMemoryQueue[string]()
			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancelled {
				cancel()
			} else {
				defer cancel()
			}

			if err := q.Enqueue(ctx, "x"); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("fifo", func(t *testing.T) {
		q := NewInMemoryQueue[int]()
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			_ = q.Enqueue(ctx, i)
		}
		for want := 1; want <= 3; want++ {
			got, err := q.Dequeue(ctx)
			if err != nil || got != want {
				t.Fatalf("got %d (%v), want %d", got, err, want)
			}
		}
		if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmptyQueue) {
			t.Errorf("expected ErrEmptyQueue, got %v", err)
		}
	})
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueue registers queued result", func(t *testing.T) {
		q := NewMemoryQueue()
		job := newTestJob("mem")
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}

		res, err := q.GetResult(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if res.Status != jobs.StatusQueued || res.EnqueuedAt.IsZero() {
			t.Errorf("unexpected result %+v", res)
		}

		got, err := q.Dequeue(ctx)
		if err != nil || got.ID != job.ID {
			t.Fatalf("dequeue got %v (%v)", got, err)
		}
	})

	t.Run("stored job is a copy", func(t *testing.T) {
		q := NewMemoryQueue()
		job := newTestJob("copy")
		_ = q.Enqueue(ctx, job)
		job.Description = "mutated"

		got, _ := q.Dequeue(ctx)
		if got.Description == "mutated" {
			t.Error("expected queue to hold its own copy")
		}
	})

	t.Run("results expire", func(t *testing.T) {
		q := NewMemoryQueue()
		_ = q.Enqueue(ctx, newTestJob("ttl"))

		ended := time.Now()
		exp := ended.Add(-time.Second)
		_ = q.Finish(ctx, &jobs.JobResult{JobID: "ttl", Status: jobs.StatusFinished, EndedAt: &ended, ExpiresAt: &exp})

		if _, err := q.GetResult(ctx, "ttl"); !errors.Is(err, jobs.ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
		if n, _ := q.PurgeExpired(ctx, time.Now()); n != 1 {
			t.Errorf("expected 1 purged, got %d", n)
		}
	})
}

func TestMemoryQueue_EnqueueWhileRunning(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	job := jobs.NewJob(syncTarget, nil, nil)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	started := time.Now().UTC()
	if err := q.MarkStarted(ctx, job.ID, started); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	if err := q.Enqueue(ctx, job); !errors.Is(err, jobs.ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("expected nothing queued, got %v", err)
	}

	ended := started.Add(time.Second)
	_ = q.Finish(ctx, &jobs.JobResult{JobID: job.ID, Status: jobs.StatusFinished, StartedAt: &started, EndedAt: &ended})
	if err := q.Enqueue(ctx, job); err != nil {
		t.Errorf("expected enqueue after finish to succeed, got %v", err)
	}
}
