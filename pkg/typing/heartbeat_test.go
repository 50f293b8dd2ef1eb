package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/events"
)

// typingCapture records typing publishes and can fail a set number of times.
type typingCapture struct {
	mu       sync.Mutex
	states   []bool
	failures int
	attempts int
}

func (c *typingCapture) Publish(_ context.Context, event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failures > 0 {
		c.failures--
		return errors.New("publish failed")
	}
	payload, ok := event.Payload.(events.TypingPayload)
	if ok {
		c.states = append(c.states, payload.IsTyping)
	}
	return nil
}

func (c *typingCapture) snapshot() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(c.states))
	copy(out, c.states)
	return out
}

func testConfig() config.HeartbeatConfig {
	return config.HeartbeatConfig{
		Interval:       20 * time.Millisecond,
		StopRetries:    2,
		StopRetryDelay: 5 * time.Millisecond,
	}
}

func fullRouting() Routing {
	return Routing{
		WebsiteID:      "site1",
		OrganizationID: "org1",
		ConversationID: "c1",
		VisitorID:      "v1",
	}
}

func TestHeartbeatStartEmitsImmediately(t *testing.T) {
	cap := &typingCapture{}
	hb := NewHeartbeat(cap, fullRouting(), testConfig())
	ctx := context.Background()

	hb.Start(ctx)
	defer hb.Stop(ctx)

	states := cap.snapshot()
	require.NotEmpty(t, states)
	assert.True(t, states[0])
}

func TestHeartbeatRefreshes(t *testing.T) {
	cap := &typingCapture{}
	hb := NewHeartbeat(cap, fullRouting(), testConfig())
	ctx := context.Background()

	hb.Start(ctx)
	time.Sleep(70 * time.Millisecond)
	hb.Stop(ctx)

	states := cap.snapshot()
	// Immediate true plus at least two ticks, then the terminal false.
	require.GreaterOrEqual(t, len(states), 4)
	assert.False(t, states[len(states)-1])
	for _, s := range states[:len(states)-1] {
		assert.True(t, s)
	}
}

func TestHeartbeatStartIsIdempotent(t *testing.T) {
	cap := &typingCapture{}
	cfg := testConfig()
	cfg.Interval = time.Second // no tick during this test
	hb := NewHeartbeat(cap, fullRouting(), cfg)
	ctx := context.Background()

	hb.Start(ctx)
	hb.Start(ctx)
	hb.Start(ctx)
	hb.Stop(ctx)

	// One immediate true (not three) and one terminal false.
	states := cap.snapshot()
	assert.Equal(t, []bool{true, false}, states)
}

func TestHeartbeatStopIsIdempotent(t *testing.T) {
	cap := &typingCapture{}
	hb := NewHeartbeat(cap, fullRouting(), testConfig())
	ctx := context.Background()

	hb.Start(ctx)
	hb.Stop(ctx)
	before := len(cap.snapshot())
	hb.Stop(ctx)
	hb.Stop(ctx)

	// Exactly one typing=false: repeated stops publish nothing.
	assert.Equal(t, before, len(cap.snapshot()))
}

func TestHeartbeatStopWithoutStart(t *testing.T) {
	cap := &typingCapture{}
	hb := NewHeartbeat(cap, fullRouting(), testConfig())

	hb.Stop(context.Background())
	assert.Empty(t, cap.snapshot())
}

func TestHeartbeatStopRetries(t *testing.T) {
	// First two stop attempts fail, third succeeds.
	cap := &typingCapture{}
	hb := NewHeartbeat(cap, fullRouting(), testConfig())
	ctx := context.Background()

	hb.Start(ctx)
	cap.mu.Lock()
	cap.failures = 2
	cap.mu.Unlock()
	hb.Stop(ctx)

	states := cap.snapshot()
	require.NotEmpty(t, states)
	assert.False(t, states[len(states)-1], "typing=false must land after retries")
}

func TestHeartbeatAllStopRetriesFailIsNotFatal(t *testing.T) {
	cap := &typingCapture{}
	hb := NewHeartbeat(cap, fullRouting(), testConfig())
	ctx := context.Background()

	hb.Start(ctx)
	cap.mu.Lock()
	cap.failures = 10
	cap.mu.Unlock()
	// Must return without panicking; the client TTL elides the indicator.
	hb.Stop(ctx)
	assert.False(t, hb.Running())
}

func TestHeartbeatSuppressedWithoutRouting(t *testing.T) {
	cap := &typingCapture{}
	hb := NewHeartbeat(cap, Routing{ConversationID: "c1"}, testConfig())
	ctx := context.Background()

	hb.Start(ctx)
	hb.Stop(ctx)

	assert.Empty(t, cap.snapshot())
	assert.False(t, hb.Running())
}

func TestHeartbeatRestartAfterStop(t *testing.T) {
	cap := &typingCapture{}
	hb := NewHeartbeat(cap, fullRouting(), testConfig())
	ctx := context.Background()

	hb.Start(ctx)
	hb.Stop(ctx)
	hb.Start(ctx)
	assert.True(t, hb.Running())
	hb.Stop(ctx)

	states := cap.snapshot()
	// true ... false true ... false
	assert.False(t, states[len(states)-1])
}
