package pause

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/aicore/pkg/kv"
	"github.com/relaydesk/aicore/pkg/models"
)

// fakeConvStore implements both reader and writer over a map.
type fakeConvStore struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation
	reads int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{convs: map[string]*models.Conversation{}}
}

func (f *fakeConvStore) GetConversationByID(_ context.Context, id string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	c := f.convs[id]
	cp := *c
	return &cp, nil
}

func (f *fakeConvStore) SetConversationAiPause(_ context.Context, id string, until *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[id]; ok {
		c.AiPausedUntil = until
	} else {
		f.convs[id] = &models.Conversation{ID: id, AiPausedUntil: until}
	}
	return nil
}

func newSwitch(t *testing.T) (*Switch, *fakeConvStore) {
	t.Helper()
	store := newFakeConvStore()
	store.convs["c1"] = &models.Conversation{ID: "c1", Status: models.ConversationStatusOpen}
	return NewSwitch(kv.NewMemoryStore(), store, store), store
}

func TestPauseAndResume(t *testing.T) {
	sw, store := newSwitch(t)
	ctx := context.Background()

	paused, err := sw.IsPaused(ctx, "c1", nil)
	require.NoError(t, err)
	assert.False(t, paused)

	until := time.Now().Add(time.Hour)
	require.NoError(t, sw.Pause(ctx, "c1", &until))

	paused, err = sw.IsPaused(ctx, "c1", nil)
	require.NoError(t, err)
	assert.True(t, paused)
	require.NotNil(t, store.convs["c1"].AiPausedUntil)

	require.NoError(t, sw.Resume(ctx, "c1"))
	paused, err = sw.IsPaused(ctx, "c1", nil)
	require.NoError(t, err)
	assert.False(t, paused)
	assert.Nil(t, store.convs["c1"].AiPausedUntil)
}

func TestIndefinitePause(t *testing.T) {
	sw, store := newSwitch(t)
	ctx := context.Background()

	require.NoError(t, sw.Pause(ctx, "c1", nil))

	paused, err := sw.IsPaused(ctx, "c1", nil)
	require.NoError(t, err)
	assert.True(t, paused)
	// Durable column carries a far-future timestamp, not nil.
	require.NotNil(t, store.convs["c1"].AiPausedUntil)
	assert.True(t, store.convs["c1"].AiPausedUntil.After(time.Now().AddDate(50, 0, 0)))
}

func TestPauseInThePastIsNotPaused(t *testing.T) {
	sw, _ := newSwitch(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, sw.Pause(ctx, "c1", &past))

	paused, err := sw.IsPaused(ctx, "c1", nil)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestIsPausedUsesCacheAfterFirstRead(t *testing.T) {
	sw, store := newSwitch(t)
	ctx := context.Background()

	_, err := sw.IsPaused(ctx, "c1", nil)
	require.NoError(t, err)
	readsAfterFirst := store.reads

	// Subsequent checks hit the KV cache, not the DB.
	for i := 0; i < 5; i++ {
		_, err = sw.IsPaused(ctx, "c1", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, readsAfterFirst, store.reads)
}

func TestIsPausedWithProvidedConversationSkipsDB(t *testing.T) {
	sw, store := newSwitch(t)
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	conv := &models.Conversation{ID: "c2", AiPausedUntil: &until}

	paused, err := sw.IsPaused(ctx, "c2", conv)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Zero(t, store.reads)
}
