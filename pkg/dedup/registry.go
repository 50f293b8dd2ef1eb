// Package dedup implements the workflow dedup registry: a KV-backed map
// from (conversation, direction) to the currently active pipeline run.
// When a newer trigger supersedes an in-flight run, the registry swaps the
// run id, best-effort cancels the old run, and preserves the anchor of the
// original trigger so downstream batching keys off the first timestamp.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/aicore/pkg/kv"
	"github.com/relaydesk/aicore/pkg/models"
)

// ErrNoWorkflow is returned by Get when no workflow state exists.
var ErrNoWorkflow = errors.New("dedup: no active workflow")

// Canceller cancels a still-running pipeline run. The worker pool
// implements it; cancellation is best-effort and may race completion —
// correctness relies on IsActive guarding side effects, not on the cancel
// landing.
type Canceller interface {
	CancelRun(conversationID, runID string) bool
}

// noopCanceller is used when no pool is wired (producer-only processes).
type noopCanceller struct{}

func (noopCanceller) CancelRun(string, string) bool { return false }

// Registry is the dedup registry. Entries expire after the configured TTL
// so crashed runs cannot wedge a conversation for more than a day.
type Registry struct {
	store     kv.Store
	canceller Canceller
	ttl       time.Duration
}

// NewRegistry builds a Registry. canceller may be nil.
func NewRegistry(store kv.Store, canceller Canceller, ttl time.Duration) *Registry {
	if canceller == nil {
		canceller = noopCanceller{}
	}
	return &Registry{store: store, canceller: canceller, ttl: ttl}
}

// Key returns the registry key for a conversation/direction pair.
func Key(conversationID string, direction models.Direction) string {
	return fmt.Sprintf("workflow:message:%s:%s", conversationID, direction)
}

// Get loads the current workflow state, or ErrNoWorkflow.
func (r *Registry) Get(ctx context.Context, conversationID string, direction models.Direction) (*models.WorkflowState, error) {
	raw, err := r.store.Get(ctx, Key(conversationID, direction))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoWorkflow
	}
	if err != nil {
		return nil, err
	}
	var state models.WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decoding workflow state: %w", err)
	}
	return &state, nil
}

// Set stores state under the registry TTL. Set must happen before any
// publish referencing the new run id.
func (r *Registry) Set(ctx context.Context, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding workflow state: %w", err)
	}
	return r.store.Set(ctx, Key(state.ConversationID, state.Direction), string(data), r.ttl)
}

// Clear removes the workflow state. Called on run completion.
func (r *Registry) Clear(ctx context.Context, conversationID string, direction models.Direction) error {
	return r.store.Del(ctx, Key(conversationID, direction))
}

// IsActive reports whether runID is still the registered run for the
// conversation/direction. Pipeline stages consult this between steps and
// bail out with a superseded skip when it turns false.
func (r *Registry) IsActive(ctx context.Context, conversationID string, direction models.Direction, runID string) (bool, error) {
	state, err := r.Get(ctx, conversationID, direction)
	if errors.Is(err, ErrNoWorkflow) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.RunID == runID, nil
}

// TriggerParams describe a new trigger entering the registry.
type TriggerParams struct {
	ConversationID   string
	Direction        models.Direction
	MessageID        string
	MessageCreatedAt time.Time
}

// TriggerResult is the outcome of TriggerDeduplicated.
type TriggerResult struct {
	RunID         string
	IsReplacement bool
}

// TriggerDeduplicated starts a run for the trigger. If a run is already
// registered, it is cancelled (best-effort) and replaced with a fresh run
// id; the replacement keeps the original anchor message and timestamp.
func (r *Registry) TriggerDeduplicated(ctx context.Context, params TriggerParams) (*TriggerResult, error) {
	now := time.Now().UTC()
	state := &models.WorkflowState{
		RunID:           uuid.NewString(),
		ConversationID:  params.ConversationID,
		Direction:       params.Direction,
		AnchorMessageID: params.MessageID,
		AnchorCreatedAt: params.MessageCreatedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	prev, err := r.Get(ctx, params.ConversationID, params.Direction)
	if err != nil && !errors.Is(err, ErrNoWorkflow) {
		return nil, err
	}

	result := &TriggerResult{RunID: state.RunID}
	if prev != nil {
		result.IsReplacement = true
		// Anchor stability: the replacement keeps the first trigger.
		state.AnchorMessageID = prev.AnchorMessageID
		state.AnchorCreatedAt = prev.AnchorCreatedAt
		state.CreatedAt = prev.CreatedAt

		if cancelled := r.canceller.CancelRun(params.ConversationID, prev.RunID); cancelled {
			slog.Debug("Cancelled superseded run",
				"conversation_id", params.ConversationID,
				"old_run_id", prev.RunID,
				"new_run_id", state.RunID)
		}
	}

	if err := r.Set(ctx, state); err != nil {
		return nil, err
	}
	return result, nil
}
