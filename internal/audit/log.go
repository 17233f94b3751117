package audit

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 1000

// Sink mirrors recorded entries to an external log. Implementations must not
// block the caller.
type Sink interface {
	Write(entry Entry)
}

// Observer is notified of every recorded entry, typically for metrics.
type Observer interface {
	ObserveDecision(entry Entry)
}

// Options configures optional collaborators of a Log.
type Options struct {
	Now      func() time.Time
	Observer Observer
	Logger   *slog.Logger
}

// Log is a bounded, append-only ring buffer of access decisions. It is safe
// for concurrent use: appends are serialized and reads work on a copy.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	size     int
	sink     Sink
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewLog constructs a Log retaining at most capacity entries.
func NewLog(capacity int, sink Sink, opts Options) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		entries:  make([]Entry, capacity),
		sink:     sink,
		observer: opts.Observer,
		logger:   logger,
		now:      now,
	}
}

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int {
	return len(l.entries)
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Record appends entry, evicting the oldest one when the buffer is full, and
// mirrors it to the sink. It never fails the caller.
func (l *Log) Record(entry Entry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
	l.mu.Unlock()

	l.mirror(entry)
}

func (l *Log) mirror(entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("audit mirror panic", slog.Any("error", fmt.Errorf("%v", r)))
		}
	}()
	if l.sink != nil {
		l.sink.Write(entry)
	}
	if l.observer != nil {
		l.observer.ObserveDecision(entry)
	}
}

// snapshot returns retained entries ordered oldest first.
func (l *Log) snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, l.size)
	start := (l.next - l.size + len(l.entries)) % len(l.entries)
	for i := 0; i < l.size; i++ {
		out = append(out, l.entries[(start+i)%len(l.entries)])
	}
	return out
}

// Query returns entries matching filters, most recent first. A positive
// Limit truncates the result.
func (l *Log) Query(filters Filters) []Entry {
	all := l.snapshot()
	out := make([]Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if !filters.match(all[i]) {
			continue
		}
		out = append(out, all[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out
}

// Clear is disabled: audit history is only removed by capacity eviction.
func (l *Log) Clear(before time.Time) error {
	l.logger.Warn("audit clear rejected", slog.Time("before", before))
	return ErrClearDisabled
}
