package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/aicore/pkg/dedup"
	"github.com/relaydesk/aicore/pkg/kv"
	"github.com/relaydesk/aicore/pkg/metrics"
	"github.com/relaydesk/aicore/pkg/models"
)

// pendingMarkerTTL bounds how long a queued job suppresses duplicate
// enqueues. Must exceed the worst-case wait for a worker to pick the job
// up; the lock TTL is a comfortable bound.
const pendingMarkerTTL = 2 * time.Minute

// Producer accepts triggers from the rest of the application and turns
// them into drain jobs. Enqueues for the same (conversation, message)
// collapse onto one job via a deterministic job id.
type Producer struct {
	store    kv.Store
	queue    *TriggerQueue
	registry *dedup.Registry
}

// NewProducer builds a Producer.
func NewProducer(store kv.Store, queue *TriggerQueue, registry *dedup.Registry) *Producer {
	return &Producer{store: store, queue: queue, registry: registry}
}

// NewMessageParams describe a message arriving in a conversation.
type NewMessageParams struct {
	ConversationID string
	AgentID        string
	MessageID      string
	CreatedAt      time.Time
	SenderType     models.SenderType
	Visibility     models.Visibility
}

// OnNewMessage queues the message and enqueues a drain job. Visitor-public
// messages additionally supersede any in-flight inbound run so the reply
// being generated cannot go out against a stale trigger.
func (p *Producer) OnNewMessage(ctx context.Context, params NewMessageParams) error {
	if params.SenderType == models.SenderVisitor && params.Visibility == models.VisibilityPublic {
		if _, err := p.registry.TriggerDeduplicated(ctx, dedup.TriggerParams{
			ConversationID:   params.ConversationID,
			Direction:        models.DirectionInbound,
			MessageID:        params.MessageID,
			MessageCreatedAt: params.CreatedAt,
		}); err != nil {
			return fmt.Errorf("producer: registering trigger: %w", err)
		}
	}

	added, err := p.queue.Push(ctx, params.ConversationID, params.MessageID, params.CreatedAt)
	if err != nil {
		return fmt.Errorf("producer: queueing message: %w", err)
	}
	if !added {
		slog.Debug("Message already queued",
			"conversation_id", params.ConversationID,
			"message_id", params.MessageID)
	}

	job := Job{
		ID:               JobID(params.ConversationID, params.MessageID),
		ConversationID:   params.ConversationID,
		AgentID:          params.AgentID,
		TriggerMessageID: params.MessageID,
		EnqueuedAt:       time.Now().UTC(),
	}
	if err := p.enqueueJob(ctx, job); err != nil {
		return err
	}
	metrics.TriggersEnqueued.Inc()
	return nil
}

// Supersede cancels the in-flight run for the conversation/direction and
// registers a fresh one. The queue is left untouched: pending triggers
// still drain in order.
func (p *Producer) Supersede(ctx context.Context, conversationID string, direction models.Direction) error {
	_, err := p.registry.TriggerDeduplicated(ctx, dedup.TriggerParams{
		ConversationID: conversationID,
		Direction:      direction,
	})
	if err != nil {
		return fmt.Errorf("producer: supersede: %w", err)
	}
	return nil
}

// WakeContinuation enqueues a drain job for a conversation whose previous
// drain left work behind. Keyed by the next head id, so repeated wakes
// for the same remainder collapse.
func (p *Producer) WakeContinuation(ctx context.Context, conversationID, agentID, headID string) error {
	return p.enqueueJob(ctx, Job{
		ID:             JobID(conversationID, "wake:"+headID),
		ConversationID: conversationID,
		AgentID:        agentID,
		EnqueuedAt:     time.Now().UTC(),
	})
}

// enqueueJob pushes the job onto the shared list unless an identical job
// is already pending.
func (p *Producer) enqueueJob(ctx context.Context, job Job) error {
	fresh, err := p.store.SetNX(ctx, jobPendingKey(job.ID), "1", pendingMarkerTTL)
	if err != nil {
		return fmt.Errorf("producer: marking job pending: %w", err)
	}
	if !fresh {
		return nil
	}
	raw, err := job.encode()
	if err != nil {
		return err
	}
	if err := p.store.ListPush(ctx, jobsKey, raw); err != nil {
		return fmt.Errorf("producer: enqueueing job: %w", err)
	}
	return nil
}

// NextJob pops the next pending job, clearing its pending marker so a
// later trigger for the same message can enqueue again.
func NextJob(ctx context.Context, store kv.Store) (Job, error) {
	raw, err := store.ListPop(ctx, jobsKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Job{}, ErrNoJobs
		}
		return Job{}, fmt.Errorf("popping job: %w", err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		return Job{}, err
	}
	if err := store.Del(ctx, jobPendingKey(job.ID)); err != nil {
		slog.Warn("Failed to clear job pending marker", "job_id", job.ID, "error", err)
	}
	return job, nil
}
