package tracking

import (
	"sort"
	"sync"
	"time"

	"github.com/albachteng/trailsync/internal/jobs"
)

// JobTracker keeps job results in memory, honouring each result's expiry.
type JobTracker struct {
	mu      sync.RWMutex
	results map[jobs.JobID]*jobs.JobResult
}

func NewJobTracker() *JobTracker {
	return &JobTracker{
		results: make(map[jobs.JobID]*jobs.JobResult),
	}
}

// Register records job as queued, replacing any earlier result under the same
// id. It returns jobs.ErrJobRunning while that earlier result is still started.
func (t *JobTracker) Register(job *jobs.Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, exists := t.results[job.ID]; exists && prev.Status == jobs.StatusStarted {
		return jobs.ErrJobRunning
	}

	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}

	t.results[job.ID] = &jobs.JobResult{
		JobID:       job.ID,
		Status:      jobs.StatusQueued,
		Description: job.Description,
		EnqueuedAt:  enqueuedAt,
	}
	return nil
}

func (t *JobTracker) MarkStarted(id jobs.JobID, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, exists := t.results[id]
	if !exists {
		return jobs.ErrJobNotFound
	}
	res.Status = jobs.StatusStarted
	res.StartedAt = &at
	return nil
}

// Finish stores the final result. A result for an unregistered id is stored as-is.
func (t *JobTracker) Finish(res *jobs.JobResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored := *res
	if prev, exists := t.results[res.JobID]; exists {
		if stored.EnqueuedAt.IsZero() {
			stored.EnqueuedAt = prev.EnqueuedAt
		}
		if stored.Description == "" {
			stored.Description = prev.Description
		}
		if stored.StartedAt == nil {
			stored.StartedAt = prev.StartedAt
		}
	}
	t.results[res.JobID] = &stored
}

// Get returns a copy of the result unless it is unknown or expired at now.
func (t *JobTracker) Get(id jobs.JobID, now time.Time) (*jobs.JobResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res, exists := t.results[id]
	if !exists || expired(res, now) {
		return nil, false
	}
	c := *res
	return &c, true
}

func (t *JobTracker) List() []*jobs.JobResult {
	return t.ListByStatus("")
}

// ListByStatus returns copies of results with status, oldest enqueue first.
// An empty status matches everything.
func (t *JobTracker) ListByStatus(status jobs.JobStatus) []*jobs.JobResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	list := make([]*jobs.JobResult, 0)
	for _, res := range t.results {
		if status != "" && res.Status != status {
			continue
		}
		if expired(res, now) {
			continue
		}
		c := *res
		list = append(list, &c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].EnqueuedAt.Before(list[j].EnqueuedAt)
	})
	return list
}

// Purge drops results expired at now and reports how many were removed.
func (t *JobTracker) Purge(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, res := range t.results {
		if expired(res, now) {
			delete(t.results, id)
			n++
		}
	}
	return n
}

func expired(res *jobs.JobResult, now time.Time) bool {
	return res.ExpiresAt != nil && !now.Before(*res.ExpiresAt)
}
