package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"portal-auth/internal/observability"
)

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 3 * time.Second
)

type RecorderOption func(*Recorder)

func WithBufferSize(size int) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.bufferSize = size
		}
	}
}

func WithWriteTimeout(timeout time.Duration) RecorderOption {
	return func(r *Recorder) {
		if timeout > 0 {
			r.writeTimeout = timeout
		}
	}
}

// WithDropHook is called for every event that was not written.
func WithDropHook(fn func()) RecorderOption {
	return func(r *Recorder) { r.onDrop = fn }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// Recorder hands events to a sink on a single background worker. Record
// never blocks the caller: when the buffer is full the event is dropped.
type Recorder struct {
	sink         Sink
	logger       *observability.Logger
	bufferSize   int
	writeTimeout time.Duration
	onDrop       func()
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

func NewRecorder(sink Sink, logger *observability.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:         sink,
		logger:       logger,
		bufferSize:   defaultBufferSize,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.events = make(chan Event, r.bufferSize)

	go r.run()
	return r
}

func (r *Recorder) Record(_ context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(event, "recorder_closed")
		return
	}

	select {
	case r.events <- event:
	default:
		r.drop(event, "buffer_full")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := r.sink.Write(ctx, event)
		cancel()
		if err != nil {
			r.logger.Warn("activity_write_failed", map[string]any{
				"action": event.Action,
				"error":  err.Error(),
			})
			r.drop(event, "sink_error")
		}
	}
}

func (r *Recorder) drop(event Event, reason string) {
	if r.onDrop != nil {
		r.onDrop()
	}
	r.logger.Warn("activity_event_dropped", map[string]any{
		"action": event.Action,
		"reason": reason,
	})
}

// Close stops accepting events and waits until the buffered ones were
// handed to the sink or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
