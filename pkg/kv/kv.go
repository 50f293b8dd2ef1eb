// Package kv abstracts the shared key-value store used for cross-pod
// coordination: per-conversation trigger queues, drain locks, failure
// counters, pause flags, and the workflow dedup registry.
//
// Two implementations exist: RedisStore (production, go-redis) and
// MemoryStore (in-process fake for tests). The interface is deliberately
// small so the scheduling core never depends on Redis semantics directly.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or queue head does not exist.
var ErrNotFound = errors.New("kv: not found")

// Store is the coordination-store contract.
//
// Queue* methods operate on score-ordered sets with unique members: pushes
// are idempotent per member, peeks return members in ascending (score,
// member) order. Scores are millisecond timestamps, so ULID members make
// the order total.
//
// Lock/Renew/Release implement a single-holder lock fenced by a holder
// token. Lock is re-entrant only for an equal holder; Renew and Release are
// no-ops (false/ErrNotLockHolder) for anyone else.
type Store interface {
	// QueuePush adds member with the given score unless already present.
	// Returns true when the member was newly added.
	QueuePush(ctx context.Context, key, member string, score float64) (bool, error)
	// QueuePeek returns the head member, or ErrNotFound when empty.
	QueuePeek(ctx context.Context, key string) (string, error)
	// QueuePeekBatch returns up to n head members in order.
	QueuePeekBatch(ctx context.Context, key string, n int64) ([]string, error)
	// QueueRemove removes the given members, returning how many existed.
	QueueRemove(ctx context.Context, key string, members ...string) (int64, error)
	// QueueLen returns the number of queued members.
	QueueLen(ctx context.Context, key string) (int64, error)

	// ListPush appends values to the tail of a FIFO list.
	ListPush(ctx context.Context, key string, values ...string) error
	// ListPop removes and returns the head of a FIFO list, or ErrNotFound.
	ListPop(ctx context.Context, key string) (string, error)

	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with an optional TTL (zero = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if the key does not exist. Returns true when
	// the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Lock acquires the single-holder lock at key for holder. Returns true
	// when held by this holder after the call (fresh or re-entrant).
	Lock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Renew extends the lock TTL if holder still owns it.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release drops the lock if holder owns it; otherwise a no-op.
	Release(ctx context.Context, key, holder string) error
}
