package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSinkBuffer = 256

// SlogSink mirrors entries to a slog.Logger from a background goroutine.
// Write never blocks: when the buffer is full the entry is dropped and
// counted.
type SlogSink struct {
	logger  *slog.Logger
	queue   chan Entry
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	mu      sync.RWMutex
}

// NewSlogSink starts a sink with the given buffer size.
func NewSlogSink(logger *slog.Logger, buffer int) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultSinkBuffer
	}
	s := &SlogSink{
		logger: logger,
		queue:  make(chan Entry, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Write enqueues entry for logging.
func (s *SlogSink) Write(entry Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of entries that were not mirrored.
func (s *SlogSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting entries and waits for queued ones to be written, or
// for ctx to end.
func (s *SlogSink) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.queue)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SlogSink) run() {
	defer close(s.done)
	for entry := range s.queue {
		s.emit(entry)
	}
}

func (s *SlogSink) emit(entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.dropped.Add(1)
		}
	}()
	attrs := []slog.Attr{
		slog.String("action", entry.Action),
		slog.String("resource", entry.Resource),
		slog.String("decision", string(entry.Decision)),
		slog.String("timestamp", entry.Timestamp.Format(time.RFC3339)),
	}
	if entry.PrincipalID != nil {
		attrs = append(attrs, slog.Int64("principal_id", *entry.PrincipalID))
	}
	if entry.Role != nil {
		attrs = append(attrs, slog.String("role", string(*entry.Role)))
	}
	if entry.Reason != "" {
		attrs = append(attrs, slog.String("reason", entry.Reason))
	}
	if entry.ClientAddress != "" {
		attrs = append(attrs, slog.String("client_address", entry.ClientAddress))
	}
	level := slog.LevelInfo
	if entry.Decision == DecisionDenied {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(context.Background(), level, "access decision", attrs...)
}
