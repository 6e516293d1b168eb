package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/events"
	"github.com/albachteng/trailsync/internal/metrics"
)

type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateConverting State = "converting"
	StateFiltering  State = "filtering"
	StatePersisting State = "persisting"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Report counts what happened to each fetched event.
type Report struct {
	Fetched    int `json:"fetched"`
	Malformed  int `json:"malformed"`
	Duplicates int `json:"duplicates"`
	Oversized  int `json:"oversized"`
	Inserted   int `json:"inserted"`
	Failed     int `json:"failed"`
}

type EventSource interface {
	FetchEvents(ctx context.Context, start, end time.Time) ([]map[string]any, error)
}

type EventStore interface {
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	Insert(ctx context.Context, r *events.Record) error
}

// SyncTask runs one fetch-convert-filter-persist pass. A SyncTask is not reusable.
type SyncTask struct {
	source  EventSource
	store   EventStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
}

func NewSyncTask(source EventSource, store EventStore, logger *slog.Logger) *SyncTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncTask{
		source:  source,
		store:   store,
		logger:  logger,
		metrics: metrics.Default(),
		state:   StateIdle,
	}
}

func (t *SyncTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *SyncTask) enter(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.logger.Debug("sync state", "state", string(s))
}

func (t *SyncTask) fail(err error) error {
	t.enter(StateFailed)
	t.logger.Error("sync failed", "error", err)
	return err
}

// Run syncs events in [start, end]; zero bounds use the source's default window.
// Per-record problems are counted in the report and never fail the pass.
func (t *SyncTask) Run(ctx context.Context, start, end time.Time) (*Report, error) {
	if s := t.State(); s != StateIdle {
		return nil, errors.Newf("sync task already ran (state %s)", s)
	}
	report := &Report{}

	t.enter(StateFetching)
	raw, err := t.source.FetchEvents(ctx, start, end)
	if err != nil {
		return report, t.fail(errors.Wrap(err, "fetch events"))
	}
	report.Fetched = len(raw)

	t.enter(StateConverting)
	records := make([]*events.Record, 0, len(raw))
	for _, r := range raw {
		rec, err := Convert(r)
		if err != nil {
			report.Malformed++
			t.logger.Warn("dropping malformed event", "event_id", r["eventId"], "error", err)
			continue
		}
		records = append(records, rec)
	}

	t.enter(StateFiltering)
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	existing, err := t.store.ExistingIDs(ctx, ids)
	if err != nil {
		return report, t.fail(errors.Wrap(err, "load stored event ids"))
	}

	seen := make(map[string]bool, len(records))
	fresh := make([]*events.Record, 0, len(records))
	for _, rec := range records {
		if existing[rec.ID] || seen[rec.ID] {
			report.Duplicates++
			continue
		}
		seen[rec.ID] = true
		if rec.Oversized() {
			report.Oversized++
			t.logger.Warn("dropping event with oversized user agent",
				"event_id", rec.ID,
				"user_agent_len", len([]rune(rec.UserAgent)))
			continue
		}
		fresh = append(fresh, rec)
	}

	t.enter(StatePersisting)
	for _, rec := range fresh {
		if err := ctx.Err(); err != nil {
			return report, t.fail(err)
		}
		if err := t.store.Insert(ctx, rec); err != nil {
			if errors.Is(err, events.ErrDuplicate) {
				report.Duplicates++
			} else {
				report.Failed++
			}
			t.logger.Error("failed to store event", "event_id", rec.ID, "error", err)
			continue
		}
		report.Inserted++
	}

	t.enter(StateDone)
	t.metrics.EventsStored(report.Inserted)
	t.metrics.EventsSkipped("malformed", report.Malformed)
	t.metrics.EventsSkipped("duplicate", report.Duplicates)
	t.metrics.EventsSkipped("oversized", report.Oversized)
	t.metrics.EventsSkipped("failed", report.Failed)

	t.logger.Info("sync complete",
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"duplicates", report.Duplicates,
		"malformed", report.Malformed,
		"oversized", report.Oversized,
		"failed", report.Failed)
	return report, nil
}
