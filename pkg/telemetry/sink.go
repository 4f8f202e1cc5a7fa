package telemetry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/loamctl/loam/pkg/engine"
)

// NewLogSink returns an event sink that logs executor progress.
func NewLogSink(logger zerolog.Logger) engine.EventSink {
	return engine.EventSinkFunc(func(event engine.Event) {
		entry := logger.Info()
		switch event.Type {
		case engine.EventNodeFailed:
			entry = logger.Error()
		case engine.EventNodeRetrying, engine.EventNodeSkipped, engine.EventRunCancelling:
			entry = logger.Warn()
		case engine.EventStateCommit:
			entry = logger.Debug()
		}
		entry.
			Str("run_id", event.RunID).
			Str("addr", event.Addr).
			Str("event", string(event.Type)).
			Msg(event.Message)
	})
}

// MultiSink fans one event out to several sinks.
func MultiSink(sinks ...engine.EventSink) engine.EventSink {
	return engine.EventSinkFunc(func(event engine.Event) {
		for _, sink := range sinks {
			sink.Publish(event)
		}
	})
}

// BufferSink retains events in memory for run history persistence.
// Safe for concurrent publishers.
type BufferSink struct {
	mu     sync.Mutex
	events []engine.Event
	next   engine.EventSink
}

// NewBufferSink wraps next and records every event passing through.
func NewBufferSink(next engine.EventSink) *BufferSink {
	return &BufferSink{next: next}
}

// Publish implements engine.EventSink.
func (b *BufferSink) Publish(event engine.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	if b.next != nil {
		b.next.Publish(event)
	}
}

// Events returns a copy of the recorded events.
func (b *BufferSink) Events() []engine.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]engine.Event, len(b.events))
	copy(out, b.events)
	return out
}
