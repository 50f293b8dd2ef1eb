package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaydesk/aicore/pkg/kv"
)

// TriggerQueue is the ordered per-conversation list of pending trigger
// message ids. Members are unique (dedup on push) and ordered by
// (createdAt, id) — the score is the creation timestamp in milliseconds
// and ULID members make ties total.
type TriggerQueue struct {
	store kv.Store
}

// NewTriggerQueue builds a TriggerQueue over the shared KV store.
func NewTriggerQueue(store kv.Store) *TriggerQueue {
	return &TriggerQueue{store: store}
}

// Push appends a message id unless already queued. Returns true when the
// id was newly added.
func (q *TriggerQueue) Push(ctx context.Context, conversationID, messageID string, createdAt time.Time) (bool, error) {
	return q.store.QueuePush(ctx, queueKey(conversationID), messageID, float64(createdAt.UnixMilli()))
}

// Peek returns the head message id, or kv.ErrNotFound when empty.
func (q *TriggerQueue) Peek(ctx context.Context, conversationID string) (string, error) {
	return q.store.QueuePeek(ctx, queueKey(conversationID))
}

// PeekBatch returns up to n head ids in order.
func (q *TriggerQueue) PeekBatch(ctx context.Context, conversationID string, n int) ([]string, error) {
	return q.store.QueuePeekBatch(ctx, queueKey(conversationID), int64(n))
}

// Remove deletes the given ids. Repeated removals are no-ops, so the
// cursor-then-dequeue sequence is safe to re-enter.
func (q *TriggerQueue) Remove(ctx context.Context, conversationID string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := q.store.QueueRemove(ctx, queueKey(conversationID), messageIDs...)
	return err
}

// Len returns the number of queued triggers.
func (q *TriggerQueue) Len(ctx context.Context, conversationID string) (int64, error) {
	return q.store.QueueLen(ctx, queueKey(conversationID))
}

// DrainLock is the single-holder per-conversation drain lock, fenced by
// the job id acting as holder token. Locks held by this pod are tracked
// in a per-pod ledger so a restart can release leftovers immediately
// instead of waiting out the TTL.
type DrainLock struct {
	store kv.Store
	ttl   time.Duration
	podID string
}

// NewDrainLock builds a DrainLock with the given TTL. podID scopes the
// held-lock ledger; empty disables ledger tracking.
func NewDrainLock(store kv.Store, ttl time.Duration, podID string) *DrainLock {
	return &DrainLock{store: store, ttl: ttl, podID: podID}
}

// Acquire takes the lock for holder. Re-entrant only for an equal holder.
func (l *DrainLock) Acquire(ctx context.Context, conversationID, holder string) (bool, error) {
	held, err := l.store.Lock(ctx, lockKey(conversationID), holder, l.ttl)
	if err != nil || !held {
		return held, err
	}
	if l.podID != "" {
		if _, lerr := l.store.QueuePush(ctx, heldLocksKey(l.podID), conversationID+"|"+holder,
			float64(time.Now().UnixMilli())); lerr != nil {
			// Ledger is advisory; the TTL still bounds a leaked lock.
			slog.Warn("Failed to record held lock", "conversation_id", conversationID, "error", lerr)
		}
	}
	return true, nil
}

// Renew extends the lock if holder still owns it. A false return must
// break the drain loop: another worker may own the conversation now.
func (l *DrainLock) Renew(ctx context.Context, conversationID, holder string) (bool, error) {
	return l.store.Renew(ctx, lockKey(conversationID), holder, l.ttl)
}

// Release drops the lock if holder owns it.
func (l *DrainLock) Release(ctx context.Context, conversationID, holder string) error {
	if err := l.store.Release(ctx, lockKey(conversationID), holder); err != nil {
		return err
	}
	if l.podID != "" {
		if _, err := l.store.QueueRemove(ctx, heldLocksKey(l.podID), conversationID+"|"+holder); err != nil {
			slog.Warn("Failed to clear held lock record", "conversation_id", conversationID, "error", err)
		}
	}
	return nil
}

// FailureCounter tracks consecutive pipeline failures per trigger so
// retries stay bounded. Counters expire after the configured TTL.
type FailureCounter struct {
	store kv.Store
	ttl   time.Duration
}

// NewFailureCounter builds a FailureCounter.
func NewFailureCounter(store kv.Store, ttl time.Duration) *FailureCounter {
	return &FailureCounter{store: store, ttl: ttl}
}

// Incr bumps the counter for a trigger and returns the new count.
func (c *FailureCounter) Incr(ctx context.Context, conversationID, messageID string) (int64, error) {
	key := failKey(conversationID, messageID)
	count, err := c.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := c.store.Expire(ctx, key, c.ttl); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return count, err
	}
	return count, nil
}

// Clear resets the counter for a trigger.
func (c *FailureCounter) Clear(ctx context.Context, conversationID, messageID string) error {
	return c.store.Del(ctx, failKey(conversationID, messageID))
}
