package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStores returns one instance of every Store implementation so the same
// behavioral assertions run against both.
func newStores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb),
	}
}

func TestQueuePushPeekOrder(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			added, err := store.QueuePush(ctx, "q", "m2", 200)
			require.NoError(t, err)
			assert.True(t, added)
			added, err = store.QueuePush(ctx, "q", "m1", 100)
			require.NoError(t, err)
			assert.True(t, added)

			// Duplicate push is a no-op.
			added, err = store.QueuePush(ctx, "q", "m1", 999)
			require.NoError(t, err)
			assert.False(t, added)

			head, err := store.QueuePeek(ctx, "q")
			require.NoError(t, err)
			assert.Equal(t, "m1", head)

			batch, err := store.QueuePeekBatch(ctx, "q", 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"m1", "m2"}, batch)

			n, err := store.QueueLen(ctx, "q")
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)
		})
	}
}

func TestQueueTieBreakByMember(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Equal scores: lexicographic member order decides.
			_, err := store.QueuePush(ctx, "q", "b", 100)
			require.NoError(t, err)
			_, err = store.QueuePush(ctx, "q", "a", 100)
			require.NoError(t, err)

			batch, err := store.QueuePeekBatch(ctx, "q", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, batch)
		})
	}
}

func TestQueueRemove(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.QueuePush(ctx, "q", "m1", 1)
			require.NoError(t, err)
			_, err = store.QueuePush(ctx, "q", "m2", 2)
			require.NoError(t, err)

			removed, err := store.QueueRemove(ctx, "q", "m1", "missing")
			require.NoError(t, err)
			assert.EqualValues(t, 1, removed)

			// Repeated removal is a no-op.
			removed, err = store.QueueRemove(ctx, "q", "m1")
			require.NoError(t, err)
			assert.EqualValues(t, 0, removed)

			head, err := store.QueuePeek(ctx, "q")
			require.NoError(t, err)
			assert.Equal(t, "m2", head)
		})
	}
}

func TestQueuePeekEmpty(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.QueuePeek(context.Background(), "empty")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListFIFO(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.ListPush(ctx, "jobs", "a", "b"))
			require.NoError(t, store.ListPush(ctx, "jobs", "c"))

			for _, want := range []string{"a", "b", "c"} {
				got, err := store.ListPop(ctx, "jobs")
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			_, err := store.ListPop(ctx, "jobs")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGetSetDel(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "k", "v", 0))
			v, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", v)

			require.NoError(t, store.Del(ctx, "k"))
			_, err = store.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSetNX(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.SetNX(ctx, "k", "first", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.SetNX(ctx, "k", "second", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			v, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "first", v)
		})
	}
}

func TestIncr(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := store.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			n, err = store.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)
		})
	}
}

func TestLockSingleHolder(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Lock(ctx, "lock", "holder-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// Another holder cannot take it.
			ok, err = store.Lock(ctx, "lock", "holder-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			// Same holder re-enters.
			ok, err = store.Lock(ctx, "lock", "holder-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestRenewRequiresHolder(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Lock(ctx, "lock", "holder-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = store.Renew(ctx, "lock", "holder-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Renew(ctx, "lock", "holder-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			// Renewing a lock that does not exist fails.
			ok, err = store.Renew(ctx, "other", "holder-a", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Lock(ctx, "lock", "holder-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			// Wrong holder: lock survives.
			require.NoError(t, store.Release(ctx, "lock", "holder-b"))
			ok, err = store.Lock(ctx, "lock", "holder-c", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			// Right holder: lock is freed.
			require.NoError(t, store.Release(ctx, "lock", "holder-a"))
			ok, err = store.Lock(ctx, "lock", "holder-c", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "k", "v", time.Second))
	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreLockExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisStore(rdb)
	ctx := context.Background()

	ok, err := store.Lock(ctx, "lock", "holder-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(100 * time.Millisecond)

	ok, err = store.Lock(ctx, "lock", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be acquirable by a new holder")
}
