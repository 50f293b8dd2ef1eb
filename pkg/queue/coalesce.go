package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydesk/aicore/pkg/models"
)

// MetadataLoader is the slice of the message store the coalescer needs.
type MetadataLoader interface {
	GetMessageMetadataBatch(ctx context.Context, ids []string) (map[string]*models.MessageMetadata, error)
}

// Coalescer merges runs of consecutive visitor messages into a single
// effective trigger. Only visitor-public messages are eligible; a
// non-visitor message or a gap in the queue stops the walk.
type Coalescer struct {
	queue      *TriggerQueue
	loader     MetadataLoader
	debounce   time.Duration
	batchLimit int
}

// NewCoalescer builds a Coalescer.
func NewCoalescer(queue *TriggerQueue, loader MetadataLoader, debounce time.Duration, batchLimit int) *Coalescer {
	return &Coalescer{queue: queue, loader: loader, debounce: debounce, batchLimit: batchLimit}
}

// Coalesce returns the effective trigger for the queue head plus every
// message id it absorbs (the head included). For non-visitor heads the
// head itself is returned unchanged.
func (c *Coalescer) Coalesce(ctx context.Context, conversationID string, head *models.MessageMetadata) (*models.MessageMetadata, []string, error) {
	if head.SenderType != models.SenderVisitor || head.Visibility != models.VisibilityPublic {
		return head, []string{head.ID}, nil
	}

	// Give fast typists a beat to finish their thought before replying.
	if c.debounce > 0 {
		select {
		case <-time.After(c.debounce):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	batch, err := c.queue.PeekBatch(ctx, conversationID, c.batchLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("coalesce: peeking queue: %w", err)
	}
	metas, err := c.loader.GetMessageMetadataBatch(ctx, batch)
	if err != nil {
		return nil, nil, fmt.Errorf("coalesce: loading metadata: %w", err)
	}

	// Walk forward from the head, absorbing consecutive visitor-public
	// siblings created after it.
	effective := head
	coalesced := []string{head.ID}
	past := false
	for _, id := range batch {
		if !past {
			past = id == head.ID
			continue
		}
		meta, ok := metas[id]
		if !ok {
			break
		}
		if meta.SenderType != models.SenderVisitor || meta.Visibility != models.VisibilityPublic {
			break
		}
		if meta.CreatedAt.Before(head.CreatedAt) {
			break
		}
		effective = meta
		coalesced = append(coalesced, id)
	}
	return effective, coalesced, nil
}
