package observe

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Recorder is an [slog.Handler] that keeps every record in memory. Tests
// inject slog.New(recorder) into capture sessions and assert on the
// diagnostics they emit without touching process-wide logging.
//
// Recorder is safe for concurrent use. Loggers derived with With or
// WithGroup share the parent's record buffer.
type Recorder struct {
	store *recordStore
	attrs []slog.Attr
	group string
	level slog.Level
}

type recordStore struct {
	mu      sync.Mutex
	records []slog.Record
}

// NewRecorder returns a Recorder that keeps records at level and above.
func NewRecorder(level slog.Level) *Recorder {
	return &Recorder{store: &recordStore{}, level: level}
}

// Logger is shorthand for slog.New(r).
func (r *Recorder) Logger() *slog.Logger { return slog.New(r) }

// Enabled implements [slog.Handler].
func (r *Recorder) Enabled(_ context.Context, l slog.Level) bool { return l >= r.level }

// Handle implements [slog.Handler].
func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	rec = rec.Clone()
	if len(r.attrs) > 0 {
		rec.AddAttrs(r.attrs...)
	}
	r.store.mu.Lock()
	r.store.records = append(r.store.records, rec)
	r.store.mu.Unlock()
	return nil
}

// WithAttrs implements [slog.Handler].
func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *r
	cp.attrs = append(slices.Clone(r.attrs), r.qualify(attrs)...)
	return &cp
}

// WithGroup implements [slog.Handler]. Group names prefix attribute keys
// with a dot.
func (r *Recorder) WithGroup(name string) slog.Handler {
	if name == "" {
		return r
	}
	cp := *r
	if cp.group != "" {
		cp.group += "." + name
	} else {
		cp.group = name
	}
	return &cp
}

func (r *Recorder) qualify(attrs []slog.Attr) []slog.Attr {
	if r.group == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: r.group + "." + a.Key, Value: a.Value}
	}
	return out
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []slog.Record {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return slices.Clone(r.store.records)
}

// Messages returns the message of every record, in order.
func (r *Recorder) Messages() []string {
	recs := r.Records()
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.Message
	}
	return out
}

// Has reports whether a record with msg was logged at level.
func (r *Recorder) Has(level slog.Level, msg string) bool {
	for _, rec := range r.Records() {
		if rec.Level == level && rec.Message == msg {
			return true
		}
	}
	return false
}

// Attr returns the value of key on the first record with msg.
func (r *Recorder) Attr(msg, key string) (slog.Value, bool) {
	for _, rec := range r.Records() {
		if rec.Message != msg {
			continue
		}
		var (
			val   slog.Value
			found bool
		)
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == key {
				val, found = a.Value, true
				return false
			}
			return true
		})
		return val, found
	}
	return slog.Value{}, false
}

// Reset discards all recorded records.
func (r *Recorder) Reset() {
	r.store.mu.Lock()
	r.store.records = nil
	r.store.mu.Unlock()
}

var _ slog.Handler = (*Recorder)(nil)
