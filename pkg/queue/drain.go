package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/dedup"
	"github.com/relaydesk/aicore/pkg/events"
	"github.com/relaydesk/aicore/pkg/kv"
	"github.com/relaydesk/aicore/pkg/metrics"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/pipeline"
	"github.com/relaydesk/aicore/pkg/store"
)

// PipelineRunner runs the reply pipeline for one effective trigger.
type PipelineRunner interface {
	Run(ctx context.Context, trig pipeline.Trigger) pipeline.Result
}

// PauseChecker is the kill-switch view the drainer needs.
type PauseChecker interface {
	IsPaused(ctx context.Context, conversationID string, conv *models.Conversation) (bool, error)
}

// RunRegistry tracks in-flight runs so the dedup registry can cancel a
// superseded run on this pod. The worker pool implements it; nil disables
// registration.
type RunRegistry interface {
	RegisterRun(conversationID, runID string, cancel context.CancelFunc)
	UnregisterRun(conversationID, runID string)
}

// DrainerDeps wires a Drainer to its collaborators.
type DrainerDeps struct {
	Store           store.Store
	Queue           *TriggerQueue
	Lock            *DrainLock
	Failures        *FailureCounter
	Coalescer       *Coalescer
	Pause           PauseChecker
	Registry        *dedup.Registry
	Pipeline        PipelineRunner
	Producer        *Producer
	Emitter         events.Emitter
	Runs            RunRegistry
	Worker          config.WorkerConfig
	HydratePageSize int
}

// Drainer consumes one conversation's trigger queue under the drain lock.
// All cursor and queue mutations for a conversation happen inside Drain,
// serialized by the lock; the fencing token is the job id.
type Drainer struct {
	deps DrainerDeps
}

// NewDrainer builds a Drainer.
func NewDrainer(deps DrainerDeps) *Drainer {
	return &Drainer{deps: deps}
}

// Drain runs the bounded drain loop for one job. Returning nil means the
// job is consumed; errors are infrastructure failures worth a backoff.
func (d *Drainer) Drain(ctx context.Context, job Job) error {
	log := slog.With("conversation_id", job.ConversationID, "job_id", job.ID)

	held, err := d.deps.Lock.Acquire(ctx, job.ConversationID, job.ID)
	if err != nil {
		return fmt.Errorf("drain: acquiring lock: %w", err)
	}
	if !held {
		// Another worker owns the conversation; its continuation covers us.
		log.Debug("Drain lock busy, skipping")
		return nil
	}
	metrics.DrainsStarted.Inc()
	defer func() {
		if err := d.deps.Lock.Release(context.WithoutCancel(ctx), job.ConversationID, job.ID); err != nil {
			log.Warn("Failed to release drain lock", "error", err)
		}
		metrics.DrainsCompleted.Inc()
	}()

	conv, err := d.deps.Store.GetConversationByID(ctx, job.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Conversation gone, dropping drain job")
			return nil
		}
		return fmt.Errorf("drain: loading conversation: %w", err)
	}

	paused, err := d.deps.Pause.IsPaused(ctx, conv.ID, conv)
	if err != nil {
		return fmt.Errorf("drain: pause check: %w", err)
	}
	if paused {
		// Queue stays put; resume triggers a fresh drain.
		d.emitCompleted(ctx, conv, "", events.StatusSkipped, "paused")
		return nil
	}

	d.markSeen(ctx, conv)

	if err := d.hydrateIfEmpty(ctx, conv); err != nil {
		return err
	}

	start := time.Now()
	processed := 0
	pausedExit := false

drainLoop:
	for processed < d.deps.Worker.DrainMaxMessages && time.Since(start) < d.deps.Worker.DrainMaxRuntime {
		// Renew up front so iterations that restart early (skipped heads,
		// superseded runs) cannot outlive the lock TTL.
		renewed, err := d.deps.Lock.Renew(ctx, conv.ID, job.ID)
		if err != nil || !renewed {
			// Lock gone: no further side effects.
			log.Warn("Drain lock renewal failed, exiting", "error", err)
			return nil
		}

		headID, err := d.deps.Queue.Peek(ctx, conv.ID)
		if errors.Is(err, kv.ErrNotFound) {
			break
		}
		if err != nil {
			return fmt.Errorf("drain: peeking queue: %w", err)
		}

		meta, err := d.deps.Store.GetMessageMetadata(ctx, headID)
		if errors.Is(err, store.ErrNotFound) {
			if err := d.deps.Queue.Remove(ctx, conv.ID, headID); err != nil {
				return fmt.Errorf("drain: removing missing head: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("drain: loading head metadata: %w", err)
		}
		if !triggerable(meta) || behindCursor(conv, meta) {
			if err := d.deps.Queue.Remove(ctx, conv.ID, headID); err != nil {
				return fmt.Errorf("drain: removing non-trigger head: %w", err)
			}
			continue
		}

		effective, coalesced, err := d.deps.Coalescer.Coalesce(ctx, conv.ID, meta)
		if err != nil {
			return fmt.Errorf("drain: coalescing: %w", err)
		}

		res, err := d.runPipeline(ctx, conv, job, effective, len(coalesced))
		if err != nil {
			return err
		}
		metrics.PipelineRuns.WithLabelValues(string(res.Status)).Inc()

		switch {
		case res.Status == events.StatusError:
			count, cErr := d.deps.Failures.Incr(ctx, conv.ID, effective.ID)
			if cErr != nil {
				log.Warn("Failure counter increment failed", "error", cErr)
			}
			if res.Retryable && count < int64(d.deps.Worker.RetryThreshold) {
				// Head stays queued; the continuation wake retries it.
				log.Info("Retryable pipeline failure, deferring trigger",
					"message_id", effective.ID, "failures", count, "error", res.Err)
				break drainLoop
			}
			// Retries exhausted or fatal: drop the trigger so the queue
			// cannot wedge on a poison message.
			log.Error("Dropping trigger after pipeline failure",
				"message_id", effective.ID, "failures", count, "error", res.Err)
			if err := d.deps.Store.UpdateConversationAiCursor(ctx, conv.ID, effective.ID, effective.CreatedAt); err != nil {
				return fmt.Errorf("drain: advancing cursor past failed trigger: %w", err)
			}
			if err := d.finishBatch(ctx, conv, effective, coalesced); err != nil {
				return err
			}
			processed += len(coalesced)

		case res.Status == events.StatusCancelled:
			// Superseded mid-run. The registry already holds the fresh run;
			// loop around and process the same head (now coalescing the
			// newer messages) under the new run id.
			log.Info("Run superseded, reprocessing head", "message_id", effective.ID)
			continue

		case res.Status == events.StatusSkipped && res.Reason == "paused":
			pausedExit = true
			break drainLoop

		default:
			// Success or a policy skip: the pipeline advanced the cursor;
			// dequeue the batch in the same critical section.
			if err := d.finishBatch(ctx, conv, effective, coalesced); err != nil {
				return err
			}
			processed += len(coalesced)
		}
	}

	remaining, err := d.deps.Queue.Len(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("drain: measuring remainder: %w", err)
	}
	metrics.QueueDepth.Set(float64(remaining))

	if remaining > 0 && !pausedExit {
		nextHead, err := d.deps.Queue.Peek(ctx, conv.ID)
		if err == nil {
			if err := d.deps.Producer.WakeContinuation(ctx, conv.ID, job.AgentID, nextHead); err != nil {
				log.Warn("Failed to enqueue continuation", "error", err)
			}
		}
	}

	log.Info("Drain complete", "processed", processed, "remaining", remaining, "elapsed", time.Since(start))
	return nil
}

// runPipeline resolves the run id and executes the pipeline with the run
// registered for cancellation.
func (d *Drainer) runPipeline(ctx context.Context, conv *models.Conversation, job Job, effective *models.MessageMetadata, coalescedCount int) (pipeline.Result, error) {
	runID, err := d.runIDFor(ctx, conv.ID, effective)
	if err != nil {
		return pipeline.Result{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d.deps.Runs != nil {
		d.deps.Runs.RegisterRun(conv.ID, runID, cancel)
		defer d.deps.Runs.UnregisterRun(conv.ID, runID)
	}

	return d.deps.Pipeline.Run(runCtx, pipeline.Trigger{
		ConversationID:   conv.ID,
		AgentID:          job.AgentID,
		RunID:            runID,
		Direction:        models.DirectionInbound,
		MessageID:        effective.ID,
		MessageCreatedAt: effective.CreatedAt,
		SenderType:       effective.SenderType,
		CoalescedCount:   coalescedCount,
	}), nil
}

// runIDFor returns the registered run id for the conversation, creating a
// registry entry when the producer's entry has already been cleared (e.g.
// a continuation drain after a crash).
func (d *Drainer) runIDFor(ctx context.Context, conversationID string, effective *models.MessageMetadata) (string, error) {
	state, err := d.deps.Registry.Get(ctx, conversationID, models.DirectionInbound)
	if err == nil {
		return state.RunID, nil
	}
	if !errors.Is(err, dedup.ErrNoWorkflow) {
		return "", fmt.Errorf("drain: reading workflow state: %w", err)
	}
	res, err := d.deps.Registry.TriggerDeduplicated(ctx, dedup.TriggerParams{
		ConversationID:   conversationID,
		Direction:        models.DirectionInbound,
		MessageID:        effective.ID,
		MessageCreatedAt: effective.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("drain: registering run: %w", err)
	}
	return res.RunID, nil
}

// finishBatch removes the coalesced batch from the queue, clears the
// failure counter, and advances the local cursor view so later heads
// compare against the fresh cursor without a DB reload.
func (d *Drainer) finishBatch(ctx context.Context, conv *models.Conversation, effective *models.MessageMetadata, coalesced []string) error {
	if err := d.deps.Queue.Remove(ctx, conv.ID, coalesced...); err != nil {
		return fmt.Errorf("drain: dequeuing batch: %w", err)
	}
	if err := d.deps.Failures.Clear(ctx, conv.ID, effective.ID); err != nil {
		slog.Warn("Failed to clear failure counter",
			"conversation_id", conv.ID, "message_id", effective.ID, "error", err)
	}
	conv.AiLastProcessedMessageID = effective.ID
	t := effective.CreatedAt
	conv.AiLastProcessedMessageCreatedAt = &t
	return nil
}

// hydrateIfEmpty rebuilds the queue from the DB cursor when the KV queue
// is empty (lost Redis state, first drain after deploy).
func (d *Drainer) hydrateIfEmpty(ctx context.Context, conv *models.Conversation) error {
	n, err := d.deps.Queue.Len(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("drain: measuring queue: %w", err)
	}
	if n > 0 {
		return nil
	}
	metas, err := d.deps.Store.GetConversationMessagesAfterCursor(ctx, conv.ID,
		conv.AiLastProcessedMessageCreatedAt, conv.AiLastProcessedMessageID, d.deps.HydratePageSize)
	if err != nil {
		return fmt.Errorf("drain: hydrating queue: %w", err)
	}
	for _, meta := range metas {
		if _, err := d.deps.Queue.Push(ctx, conv.ID, meta.ID, meta.CreatedAt); err != nil {
			return fmt.Errorf("drain: hydrating queue: %w", err)
		}
	}
	if len(metas) > 0 {
		slog.Info("Hydrated queue from cursor", "conversation_id", conv.ID, "count", len(metas))
	}
	return nil
}

// markSeen records and announces the agent reading the conversation,
// once per drain.
func (d *Drainer) markSeen(ctx context.Context, conv *models.Conversation) {
	if err := d.deps.Store.MarkConversationSeen(ctx, conv.ID, models.SenderAiAgent); err != nil {
		slog.Warn("Failed to mark conversation seen", "conversation_id", conv.ID, "error", err)
	}
	d.deps.Emitter.Emit(ctx, events.Event{
		Kind:           events.KindConversationSeen,
		Audience:       events.AudienceAll,
		WebsiteID:      conv.WebsiteID,
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		VisitorID:      conv.VisitorID,
		Timestamp:      time.Now().UTC(),
		Payload:        events.ConversationSeenPayload{Actor: string(models.SenderAiAgent)},
	})
}

func (d *Drainer) emitCompleted(ctx context.Context, conv *models.Conversation, runID string, status events.WorkflowStatus, reason string) {
	d.deps.Emitter.Emit(ctx, events.Event{
		Kind:           events.KindWorkflowCompleted,
		Audience:       events.CompletedAudience(status),
		WebsiteID:      conv.WebsiteID,
		OrganizationID: conv.OrganizationID,
		ConversationID: conv.ID,
		VisitorID:      conv.VisitorID,
		Timestamp:      time.Now().UTC(),
		Payload: events.WorkflowCompletedPayload{
			RunID:  runID,
			Status: status,
			Reason: reason,
		},
	})
}

// triggerable reports whether a message can start a pipeline run. Human
// and AI messages advance context only.
func triggerable(meta *models.MessageMetadata) bool {
	return meta.SenderType == models.SenderVisitor && meta.Visibility == models.VisibilityPublic
}

// behindCursor reports whether the message is at or before the AI cursor.
func behindCursor(conv *models.Conversation, meta *models.MessageMetadata) bool {
	if conv.AiLastProcessedMessageCreatedAt == nil {
		return false
	}
	cur := *conv.AiLastProcessedMessageCreatedAt
	if meta.CreatedAt.Before(cur) {
		return true
	}
	return meta.CreatedAt.Equal(cur) && meta.ID <= conv.AiLastProcessedMessageID
}
