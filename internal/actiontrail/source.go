// Package actiontrail pulls audit events from the Aliyun ActionTrail LookupEvents API.
package actiontrail

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/albachteng/trailsync/internal/metrics"
)

var (
	// ErrTransientNetwork covers client-side timeouts. Retried once.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrUpstreamService is an error reported by the remote service. Never retried.
	ErrUpstreamService = errors.New("upstream service error")
)

// TimeFormat is the layout LookupEvents accepts for StartTime and EndTime.
const TimeFormat = "2006-01-02T15:04:05Z"

const (
	DefaultRegion       = "cn-shenzhen"
	DefaultMaxResults   = 50
	DefaultWindow       = 6 * time.Minute
	DefaultRetryBackoff = 2 * time.Second
)

type LookupRequest struct {
	StartTime  time.Time
	EndTime    time.Time
	MaxResults int
	NextToken  string
}

type LookupResponse struct {
	RequestID string
	Events    []map[string]any
	NextToken string
}

// LookupAPI is one page of LookupEvents.
type LookupAPI interface {
	LookupEvents(ctx context.Context, req LookupRequest) (*LookupResponse, error)
}

type Config struct {
	MaxResults   int
	Window       time.Duration
	RetryBackoff time.Duration
	// RequestsPerSecond <= 0 leaves page requests unthrottled.
	RequestsPerSecond float64
}

type Source struct {
	api     LookupAPI
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
}

func NewSource(api LookupAPI, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Source{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
		metrics: metrics.Default(),
	}
}

// Window returns the default lookup window ending now.
func (s *Source) Window() (time.Time, time.Time) {
	end := s.now().UTC()
	return end.Add(-s.cfg.Window), end
}

// FetchEvents returns every raw event in [start, end]. Zero bounds fall back to
// the default window. Paging follows NextToken only while it equals the number
// of events accumulated so far; anything else ends the lookup.
func (s *Source) FetchEvents(ctx context.Context, start, end time.Time) ([]map[string]any, error) {
	defStart, defEnd := s.Window()
	if start.IsZero() {
		start = defStart
	}
	if end.IsZero() {
		end = defEnd
	}

	var (
		events []map[string]any
		token  string
		seen   = make(map[string]bool)
	)
	for page := 1; ; page++ {
		resp, err := s.lookup(ctx, LookupRequest{
			StartTime:  start,
			EndTime:    end,
			MaxResults: s.cfg.MaxResults,
			NextToken:  token,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, resp.Events...)

		s.logger.Debug("fetched event page",
			"page", page,
			"events", len(resp.Events),
			"next_token", resp.NextToken,
			"request_id", resp.RequestID)

		next := resp.NextToken
		if next == "" || next != strconv.Itoa(len(events)) || seen[next] {
			break
		}
		seen[next] = true
		token = next
	}

	s.metrics.EventsFetched(len(events))
	s.logger.Info("fetched events",
		"count", len(events),
		"start", start.UTC().Format(TimeFormat),
		"end", end.UTC().Format(TimeFormat))
	return events, nil
}

// lookup requests one page, retrying a transient failure once after the backoff.
func (s *Source) lookup(ctx context.Context, req LookupRequest) (*LookupResponse, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := s.api.LookupEvents(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !errors.Is(err, ErrTransientNetwork) {
		return nil, err
	}

	s.logger.Warn("lookup timed out, retrying", "backoff", s.cfg.RetryBackoff, "error", err)
	if err := s.sleep(ctx, s.cfg.RetryBackoff); err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err = s.api.LookupEvents(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "lookup failed after retry")
	}
	return resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
