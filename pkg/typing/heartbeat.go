// Package typing keeps the visitor-visible typing indicator alive while a
// pipeline run is generating. Clients expire the indicator after 6 seconds
// without a refresh, so the heartbeat re-publishes typing=true on a short
// interval and guarantees a terminal typing=false on every exit path.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/events"
)

// Routing identifies where typing events are addressed. All three tenant
// fields are required; a heartbeat with incomplete routing suppresses
// emission entirely (logged, not fatal).
type Routing struct {
	WebsiteID      string
	OrganizationID string
	ConversationID string
	VisitorID      string
}

func (r Routing) complete() bool {
	return r.WebsiteID != "" && r.OrganizationID != "" && r.VisitorID != ""
}

// Heartbeat publishes typing=true on an interval until stopped. Start is
// idempotent while running; Stop clears the ticker before publishing the
// terminal typing=false so a late tick can never race past the stop.
type Heartbeat struct {
	publisher events.Publisher
	routing   Routing
	interval  time.Duration
	retries   int
	retryGap  time.Duration

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	startLog sync.Once
}

// NewHeartbeat builds a heartbeat for one pipeline run.
func NewHeartbeat(publisher events.Publisher, routing Routing, cfg config.HeartbeatConfig) *Heartbeat {
	return &Heartbeat{
		publisher: publisher,
		routing:   routing,
		interval:  cfg.Interval,
		retries:   cfg.StopRetries,
		retryGap:  cfg.StopRetryDelay,
	}
}

// Start begins the heartbeat: an immediate typing=true, then one per
// interval. Calling Start while running is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	if !h.routing.complete() {
		h.startLog.Do(func() {
			slog.Error("Typing heartbeat suppressed: incomplete routing",
				"conversation_id", h.routing.ConversationID,
				"website_id", h.routing.WebsiteID,
				"visitor_id", h.routing.VisitorID)
		})
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	h.publishTyping(ctx, true)
	go h.run(h.stopCh, h.doneCh)
}

// run refreshes typing=true until stopped.
func (h *Heartbeat) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			h.publishTyping(ctx, true)
			cancel()
		}
	}
}

// Stop halts the refresh loop, then publishes typing=false with bounded
// retries. Stopping an already stopped (or never started) heartbeat is a
// no-op, so deferred stops on every exit path are safe.
func (h *Heartbeat) Stop(ctx context.Context) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	done := h.doneCh
	h.mu.Unlock()

	// The ticker goroutine must be gone before the terminal publish;
	// otherwise a concurrent tick could re-assert typing=true.
	<-done

	for attempt := 0; ; attempt++ {
		if err := h.publish(ctx, false); err == nil {
			return
		} else if attempt >= h.retries {
			slog.Warn("Failed to publish typing stop, client TTL will expire it",
				"conversation_id", h.routing.ConversationID,
				"attempts", attempt+1,
				"error", err)
			return
		}
		select {
		case <-time.After(h.retryGap):
		case <-ctx.Done():
			slog.Warn("Typing stop aborted by context",
				"conversation_id", h.routing.ConversationID)
			return
		}
	}
}

// Running reports whether the heartbeat is currently refreshing.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Heartbeat) publishTyping(ctx context.Context, isTyping bool) {
	if err := h.publish(ctx, isTyping); err != nil {
		slog.Warn("Failed to publish typing event",
			"conversation_id", h.routing.ConversationID,
			"is_typing", isTyping,
			"error", err)
	}
}

func (h *Heartbeat) publish(ctx context.Context, isTyping bool) error {
	return h.publisher.Publish(ctx, events.Event{
		Kind:           events.KindTyping,
		Audience:       events.AudienceAll,
		WebsiteID:      h.routing.WebsiteID,
		OrganizationID: h.routing.OrganizationID,
		ConversationID: h.routing.ConversationID,
		VisitorID:      h.routing.VisitorID,
		Timestamp:      time.Now(),
		Payload:        events.TypingPayload{IsTyping: isTyping},
	})
}
