// Package pause implements the per-conversation AI kill-switch. The flag
// is durable on the conversation row (aiPausedUntil) with a Redis-cached
// fast path consulted at drain entry and between pipeline stages.
package pause

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaydesk/aicore/pkg/kv"
	"github.com/relaydesk/aicore/pkg/models"
)

// pause flag cache values.
const (
	flagOff = "off"
	flagOn  = "on"
)

// offCacheTTL bounds how long a cached "off" can mask a concurrent pause
// written by another pod directly to the database.
const offCacheTTL = 30 * time.Second

// indefiniteTTL caps cache entries for pauses with no end time.
const indefiniteTTL = 24 * time.Hour

// ConversationReader loads the durable pause state.
type ConversationReader interface {
	GetConversationByID(ctx context.Context, id string) (*models.Conversation, error)
}

// PauseWriter persists the durable pause state.
type PauseWriter interface {
	SetConversationAiPause(ctx context.Context, id string, until *time.Time) error
}

// Switch is the kill-switch. Safe for concurrent use.
type Switch struct {
	store  kv.Store
	reader ConversationReader
	writer PauseWriter
}

// NewSwitch builds a Switch over the shared KV store and the conversation
// store.
func NewSwitch(store kv.Store, reader ConversationReader, writer PauseWriter) *Switch {
	return &Switch{store: store, reader: reader, writer: writer}
}

// Key returns the cache key for a conversation's pause flag.
func Key(conversationID string) string {
	return "ai:pause:" + conversationID
}

// Pause stops the agent for the conversation. A nil until pauses
// indefinitely (until an explicit Resume), stored as a far-future
// timestamp so the durable column stays the single source of truth.
func (s *Switch) Pause(ctx context.Context, conversationID string, until *time.Time) error {
	if until == nil {
		forever := time.Now().AddDate(100, 0, 0)
		until = &forever
	}
	if err := s.writer.SetConversationAiPause(ctx, conversationID, until); err != nil {
		return err
	}
	ttl := time.Until(*until)
	if ttl <= 0 {
		// Already in the past: nothing to cache.
		return s.store.Del(ctx, Key(conversationID))
	}
	if ttl > indefiniteTTL {
		ttl = indefiniteTTL
	}
	if err := s.store.Set(ctx, Key(conversationID), flagOn, ttl); err != nil {
		// Cache failure is not fatal; the durable flag still applies.
		slog.Warn("Failed to cache pause flag", "conversation_id", conversationID, "error", err)
	}
	return nil
}

// Resume re-enables the agent. Pending queue entries stay put; the next
// trigger starts a fresh drain.
func (s *Switch) Resume(ctx context.Context, conversationID string) error {
	if err := s.writer.SetConversationAiPause(ctx, conversationID, nil); err != nil {
		return err
	}
	if err := s.store.Set(ctx, Key(conversationID), flagOff, offCacheTTL); err != nil {
		slog.Warn("Failed to cache resume flag", "conversation_id", conversationID, "error", err)
	}
	return nil
}

// IsPaused reports the pause state, cache first. conv may be nil; when
// provided it avoids a DB read on cache miss.
func (s *Switch) IsPaused(ctx context.Context, conversationID string, conv *models.Conversation) (bool, error) {
	raw, err := s.store.Get(ctx, Key(conversationID))
	if err == nil {
		return raw != flagOff, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		// Degraded cache: fall through to the durable flag.
		slog.Warn("Pause cache read failed", "conversation_id", conversationID, "error", err)
	}

	if conv == nil {
		conv, err = s.reader.GetConversationByID(ctx, conversationID)
		if err != nil {
			return false, err
		}
	}

	now := time.Now()
	paused := conv.IsPausedAt(now)
	// Refill the cache so the fast path works for the rest of the drain.
	if paused {
		ttl := indefiniteTTL
		if conv.AiPausedUntil != nil {
			ttl = conv.AiPausedUntil.Sub(now)
		}
		_ = s.store.Set(ctx, Key(conversationID), flagOn, ttl)
	} else {
		_ = s.store.Set(ctx, Key(conversationID), flagOff, offCacheTTL)
	}
	return paused, nil
}
