package activity

import (
	"context"
	"sync"
	"time"
)

// MemorySink keeps the most recent events in a bounded slice. Used in
// development and as the fallback when no external sink is configured.
type MemorySink struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemorySink{capacity: capacity}
}

func (s *MemorySink) Write(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if overflow := len(s.events) - s.capacity; overflow > 0 {
		s.events = append([]Event(nil), s.events[overflow:]...)
	}
	return nil
}

// Recent returns newest first.
func (s *MemorySink) Recent(_ context.Context, limit int) ([]Event, error) {
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, min(limit, len(s.events)))
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *MemorySink) Prune(_ context.Context, before time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, event := range s.events {
		if event.OccurredAt.Before(before) && (batchSize <= 0 || deleted < int64(batchSize)) {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	s.events = kept
	return deleted, nil
}
