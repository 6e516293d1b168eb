package cron

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/albachteng/trailsync/internal/jobs"
)

// Store is the scheduler's shared state: an ordered set of job id -> next fire
// time plus the job metadata. Claim must be atomic across processes: exactly
// one caller gets true for a given (id, fire time) entry.
type Store interface {
	// Put upserts the job metadata and (re)adds it to the set at job.ScheduledAt.
	Put(ctx context.Context, job *jobs.Job) error
	// Due returns ids whose fire time is <= now.
	Due(ctx context.Context, now time.Time) ([]jobs.JobID, error)
	// Claim removes id from the set only while it is still pending at the fire
	// time at, and reports whether this caller removed it. An entry re-added at
	// a later time by another scheduler is not claimable with the old time.
	Claim(ctx context.Context, id jobs.JobID, at time.Time) (bool, error)
	Load(ctx context.Context, id jobs.JobID) (*jobs.Job, error)
	// Delete drops both set entry and metadata. Deleting a missing id is not an error.
	Delete(ctx context.Context, id jobs.JobID) error
	List(ctx context.Context) ([]*jobs.Job, error)
	NextSeq(ctx context.Context) (int64, error)
}

// MemoryStore keeps scheduler state in process. Only safe for a single scheduler process.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[jobs.JobID]*jobs.Job
	pending map[jobs.JobID]time.Time
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[jobs.JobID]*jobs.Job),
		pending: make(map[jobs.JobID]time.Time),
	}
}

func (m *MemoryStore) Put(ctx context.Context, job *jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.ID] = job.Clone()
	m.pending[job.ID] = job.ScheduledAt
	return nil
}

func (m *MemoryStore) Due(ctx context.Context, now time.Time) ([]jobs.JobID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]jobs.JobID, 0)
	for id, at := range m.pending {
		if !at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.pending[ids[i]].Before(m.pending[ids[j]])
	})
	return ids, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id jobs.JobID, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[id]
	if !ok || !pending.Equal(at) {
		return false, nil
	}
	delete(m.pending, id)
	return true, nil
}

func (m *MemoryStore) Load(ctx context.Context, id jobs.JobID) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id jobs.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, id)
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]*jobs.Job, 0, len(m.pending))
	for id := range m.pending {
		if job, ok := m.jobs[id]; ok {
			list = append(list, job.Clone())
		}
	}
	sortByFireTime(list)
	return list, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	return m.seq, nil
}

// sortByFireTime orders jobs by fire time, then by registration order.
func sortByFireTime(list []*jobs.Job) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ScheduledAt.Before(list[j].ScheduledAt)
		}
		return list[i].Seq < list[j].Seq
	})
}
