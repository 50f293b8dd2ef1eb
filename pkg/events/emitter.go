package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Emitter publishes realtime events. Implementations must be safe for
// concurrent use and must never block the caller for long: the pipeline
// treats every Emit as fire-and-forget.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Publisher is the underlying transport an AsyncSink drains into
// (Redis pub/sub in production). Errors are logged by the sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// AsyncSink buffers events and publishes them from a background goroutine.
// When the buffer is full the event is dropped with a warning rather than
// blocking pipeline progress.
type AsyncSink struct {
	publisher Publisher
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// DefaultSinkBuffer is the buffered-channel capacity of an AsyncSink.
const DefaultSinkBuffer = 256

// NewAsyncSink starts a sink draining into publisher. Call Close to flush
// and stop the background goroutine.
func NewAsyncSink(publisher Publisher) *AsyncSink {
	s := &AsyncSink{
		publisher: publisher,
		ch:        make(chan Event, DefaultSinkBuffer),
		done:      make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit enqueues the event for background publishing. Never blocks.
func (s *AsyncSink) Emit(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case s.ch <- event:
	default:
		slog.Warn("Event sink full, dropping event",
			"kind", event.Kind,
			"conversation_id", event.ConversationID)
	}
}

// Close stops accepting events, flushes the buffer, and waits for the
// drain goroutine to exit.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		<-s.done
	})
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for event := range s.ch {
		// Publishing is best-effort with a short bound so a dead broker
		// cannot back the sink up indefinitely.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.publisher.Publish(ctx, event); err != nil {
			slog.Warn("Failed to publish realtime event",
				"kind", event.Kind,
				"conversation_id", event.ConversationID,
				"error", err)
		}
		cancel()
	}
}
