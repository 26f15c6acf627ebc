// Package metrics provides the fire-and-forget event sink used by the cache
// and the executor. Emitting never blocks and never fails the caller; events
// are folded into Prometheus collectors on a background goroutine.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies a structured event.
type Kind string

// Event kinds.
const (
	KindCacheHit         Kind = "cache_hit"
	KindCacheMiss        Kind = "cache_miss"
	KindCacheError       Kind = "cache_error"
	KindInstanceCreated  Kind = "instance_created"
	KindInstanceReused   Kind = "instance_reused"
	KindInstanceEvicted  Kind = "instance_evicted"
	KindInstantiateError Kind = "instantiate_error"
	KindCPUTime          Kind = "cpu_time"
	KindTrap             Kind = "trap"
	KindGuestError       Kind = "guest_error"
	KindNoResponse       Kind = "no_response"
	KindJoinFailure      Kind = "join_failure"
	KindCancelled        Kind = "cancelled"
)

// Event is a single structured observation.
type Event struct {
	Kind     Kind
	CodeID   string
	Cause    string
	Code     int32
	Duration time.Duration
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

// Discard is a Sink that drops every event.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(Event) {}

// defaultBufferSize is the queue depth used when NewAsyncSink is given a
// non-positive size.
const defaultBufferSize = 1024

// AsyncSink queues events and applies them to the Prometheus collectors on a
// background goroutine. When the queue is full the event is dropped and
// counted.
type AsyncSink struct {
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

// NewAsyncSink starts a sink with the given queue depth.
func NewAsyncSink(buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	s := &AsyncSink{
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Emit enqueues ev without blocking.
func (s *AsyncSink) Emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		droppedEvents.Inc()
	}
}

// Close stops intake and waits for queued events to be applied.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for ev := range s.events {
		observe(ev)
		if ev.Kind != KindCPUTime && ev.Kind != KindCacheHit && ev.Kind != KindInstanceReused {
			s.logger.Debug("metric event",
				"kind", string(ev.Kind),
				"code_id", ev.CodeID,
				"cause", ev.Cause,
			)
		}
	}
}

// Recorder is a Sink that keeps every event in memory. It is intended for
// tests and debugging endpoints.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
