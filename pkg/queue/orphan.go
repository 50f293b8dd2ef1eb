package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/aicore/pkg/kv"
)

// orphanScanLimit bounds one startup cleanup pass. A pod never holds more
// locks than it has workers, so anything near this is leftover state.
const orphanScanLimit = 1024

// CleanupStartupOrphans releases drain locks this pod recorded before a
// crash or unclean shutdown. Safe to call on every boot: releasing a lock
// someone else now holds is a no-op because the holder token differs.
func CleanupStartupOrphans(ctx context.Context, store kv.Store, podID string) (int, error) {
	key := heldLocksKey(podID)
	members, err := store.QueuePeekBatch(ctx, key, orphanScanLimit)
	if err != nil {
		return 0, fmt.Errorf("orphan cleanup: reading held-lock ledger: %w", err)
	}

	released := 0
	for _, member := range members {
		conversationID, holder, ok := strings.Cut(member, "|")
		if !ok {
			slog.Warn("Malformed held-lock record, dropping", "pod_id", podID, "record", member)
		} else if err := store.Release(ctx, lockKey(conversationID), holder); err != nil {
			slog.Warn("Failed to release orphaned drain lock",
				"pod_id", podID, "conversation_id", conversationID, "error", err)
			continue
		} else {
			released++
		}
		if _, err := store.QueueRemove(ctx, key, member); err != nil {
			slog.Warn("Failed to clear held-lock record", "pod_id", podID, "error", err)
		}
	}

	if released > 0 {
		slog.Info("Released orphaned drain locks", "pod_id", podID, "count", released)
	}
	return released, nil
}

// runStalledDetection periodically scans this pod's held-lock ledger for
// locks no worker is draining anymore. A drain abandoned past the
// graceful shutdown timeout keeps its ledger entry; without this scan
// the conversation stays blocked until the lock TTL runs out.
func (p *WorkerPool) runStalledDetection(ctx context.Context) {
	if p.cfg.StalledInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.StalledInterval)
	defer ticker.Stop()

	strikes := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.checkStalledLocks(ctx, strikes); err != nil {
				slog.Error("Stalled lock scan failed", "pod_id", p.podID, "error", err)
			}
		}
	}
}

// checkStalledLocks runs one scan pass. A ledger entry whose conversation
// no worker is draining collects a strike per pass and is released once
// it reaches MaxStalledCount consecutive misses. The release is fenced by
// the recorded holder token, so a lock that has since moved to another
// job is left alone.
func (p *WorkerPool) checkStalledLocks(ctx context.Context, strikes map[string]int) error {
	key := heldLocksKey(p.podID)
	members, err := p.store.QueuePeekBatch(ctx, key, orphanScanLimit)
	if err != nil {
		return fmt.Errorf("stalled scan: reading held-lock ledger: %w", err)
	}

	present := make(map[string]struct{}, len(members))
	for _, member := range members {
		present[member] = struct{}{}
		conversationID, holder, ok := strings.Cut(member, "|")
		if !ok {
			slog.Warn("Malformed held-lock record, dropping", "pod_id", p.podID, "record", member)
			if _, err := p.store.QueueRemove(ctx, key, member); err != nil {
				slog.Warn("Failed to clear held-lock record", "pod_id", p.podID, "error", err)
			}
			continue
		}
		if p.draining(conversationID) {
			delete(strikes, member)
			continue
		}
		strikes[member]++
		if strikes[member] < p.cfg.MaxStalledCount {
			continue
		}
		if err := p.store.Release(ctx, lockKey(conversationID), holder); err != nil {
			slog.Warn("Failed to release stalled drain lock",
				"pod_id", p.podID, "conversation_id", conversationID, "error", err)
			continue
		}
		if _, err := p.store.QueueRemove(ctx, key, member); err != nil {
			slog.Warn("Failed to clear held-lock record", "pod_id", p.podID, "error", err)
		}
		delete(strikes, member)
		slog.Warn("Released stalled drain lock",
			"pod_id", p.podID, "conversation_id", conversationID, "holder", holder)
	}

	// Entries released normally drop their strikes.
	for member := range strikes {
		if _, ok := present[member]; !ok {
			delete(strikes, member)
		}
	}
	return nil
}

// draining reports whether any worker is currently draining the
// conversation.
func (p *WorkerPool) draining(conversationID string) bool {
	for _, w := range p.workers {
		h := w.Health()
		if h.Status == WorkerStatusWorking && h.CurrentConversationID == conversationID {
			return true
		}
	}
	return false
}
