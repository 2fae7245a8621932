// Package testutil provides test utilities for structured logging.
package testutil

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

// NewTestLogger returns a logger that writes to t.Log().
// Logs only appear on test failure or when running with -v.
func NewTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

// Record is one captured log entry.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Recorder captures log records so tests can assert on warnings and errors.
// Records are also forwarded to t.Log().
type Recorder struct {
	mu      sync.Mutex
	records []Record
	attrs   []slog.Attr
	parent  *Recorder
	next    slog.Handler
}

// NewRecordingLogger returns a logger and the Recorder behind it.
func NewRecordingLogger(t testing.TB) (*slog.Logger, *Recorder) {
	t.Helper()
	r := &Recorder{next: slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug})}
	return slog.New(r), r
}

// Enabled implements slog.Handler.
func (r *Recorder) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (r *Recorder) Handle(ctx context.Context, rec slog.Record) error {
	attrs := make(map[string]any)
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	root := r.root()
	root.mu.Lock()
	root.records = append(root.records, Record{Level: rec.Level, Message: rec.Message, Attrs: attrs})
	root.mu.Unlock()
	return r.next.Handle(ctx, rec)
}

// WithAttrs implements slog.Handler.
func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Recorder{
		attrs:  append(append([]slog.Attr(nil), r.attrs...), attrs...),
		parent: r.root(),
		next:   r.next.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (r *Recorder) WithGroup(name string) slog.Handler {
	return &Recorder{attrs: r.attrs, parent: r.root(), next: r.next.WithGroup(name)}
}

// Records returns the captured records at or above level.
func (r *Recorder) Records(level slog.Level) []Record {
	root := r.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	var out []Record
	for _, rec := range root.records {
		if rec.Level >= level {
			out = append(out, rec)
		}
	}
	return out
}

// Messages returns the messages captured at exactly level.
func (r *Recorder) Messages(level slog.Level) []string {
	var out []string
	for _, rec := range r.Records(level) {
		if rec.Level == level {
			out = append(out, rec.Message)
		}
	}
	return out
}

func (r *Recorder) root() *Recorder {
	if r.parent != nil {
		return r.parent
	}
	return r
}
