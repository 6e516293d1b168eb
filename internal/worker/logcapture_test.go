package worker

import (
	"context"
	"log/slog"
	"sync"
)

type capturedRecord struct {
	level   slog.Level
	message string
	attrs   map[string]any
}

// logCapture is a slog handler sink for asserting on worker logs.
type logCapture struct {
	mu      sync.Mutex
	records []capturedRecord
}

func (c *logCapture) logger() *slog.Logger {
	return slog.New(&captureHandler{sink: c})
}

func (c *logCapture) find(msg string) (capturedRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.message == msg {
			return r, true
		}
	}
	return capturedRecord{}, false
}

func (c *logCapture) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if r.level == slog.LevelError {
			n++
		}
	}
	return n
}

type captureHandler struct {
	sink  *logCapture
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+record.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.records = append(h.sink.records, capturedRecord{
		level:   record.Level,
		message: record.Message,
		attrs:   attrs,
	})
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{sink: h.sink, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }
