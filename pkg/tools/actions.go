package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/models"
)

// ActionResult reports whether a behavior-gated action was applied.
type ActionResult struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

func notPermitted() ActionResult {
	return ActionResult{Applied: false, Reason: "not permitted by agent behavior settings"}
}

// EscalateToHuman hands the conversation to a human operator by posting
// a public participant_requested timeline entry.
type EscalateToHuman struct{}

// EscalateInput is the model-supplied argument.
type EscalateInput struct {
	Reason string `json:"reason"`
}

func (t *EscalateToHuman) Name() string { return "escalateToHuman" }

func (t *EscalateToHuman) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name(),
		Description: "Ask a human teammate to join the conversation. Use when the visitor asks for a person or the issue is beyond your scope.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why a human is needed.",
				},
			},
			"required": []string{"reason"},
		},
	}
}

func (t *EscalateToHuman) Run(ctx context.Context, rc *RunContext, input json.RawMessage) (any, error) {
	var in EscalateInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("escalateToHuman: bad input: %w", err)
	}
	if !rc.Agent.Behavior.CanEscalate {
		return notPermitted(), nil
	}
	if rc.Ledger.Escalated {
		return ActionResult{Applied: true, Reason: "already escalated in this run"}, nil
	}

	// Idempotent per trigger: a retried run posts the same timeline entry
	// exactly once.
	key := fmt.Sprintf("escalate:%s:%s", rc.Conversation.ID, rc.TriggerMessageID)
	_, err := rc.Store.SendMessages(ctx, []models.NewMessage{{
		ConversationID: rc.Conversation.ID,
		SenderType:     models.SenderAiAgent,
		SenderID:       rc.Agent.ID,
		Visibility:     models.VisibilityPublic,
		Parts: []models.MessagePart{{
			Type: models.PartParticipantRequested,
			Text: in.Reason,
		}},
		IdempotencyKey: key,
	}})
	if err != nil {
		return nil, fmt.Errorf("escalateToHuman: %w", err)
	}
	rc.Ledger.Escalated = true
	return ActionResult{Applied: true}, nil
}

// SetConversationTitle renames the conversation.
type SetConversationTitle struct{}

func (t *SetConversationTitle) Name() string { return "setConversationTitle" }

func (t *SetConversationTitle) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name(),
		Description: "Set a short descriptive title for the conversation.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string"},
			},
			"required": []string{"title"},
		},
	}
}

func (t *SetConversationTitle) Run(ctx context.Context, rc *RunContext, input json.RawMessage) (any, error) {
	var in struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("setConversationTitle: bad input: %w", err)
	}
	if in.Title == "" {
		return nil, errors.New("setConversationTitle: title is required")
	}
	if !rc.Agent.Behavior.AutoGenerateTitle {
		return notPermitted(), nil
	}
	if err := rc.Store.SetConversationTitle(ctx, rc.Conversation.ID, in.Title); err != nil {
		return nil, fmt.Errorf("setConversationTitle: %w", err)
	}
	return ActionResult{Applied: true}, nil
}

// SetPriority sets the conversation priority level.
type SetPriority struct{}

var validPriorities = map[string]struct{}{
	"low": {}, "medium": {}, "high": {}, "urgent": {},
}

func (t *SetPriority) Name() string { return "setPriority" }

func (t *SetPriority) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name(),
		Description: "Set the conversation priority.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"level": map[string]any{
					"type": "string",
					"enum": []string{"low", "medium", "high", "urgent"},
				},
			},
			"required": []string{"level"},
		},
	}
}

func (t *SetPriority) Run(ctx context.Context, rc *RunContext, input json.RawMessage) (any, error) {
	var in struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("setPriority: bad input: %w", err)
	}
	if _, ok := validPriorities[in.Level]; !ok {
		return nil, fmt.Errorf("setPriority: invalid level %q", in.Level)
	}
	if !rc.Agent.Behavior.CanSetPriority {
		return notPermitted(), nil
	}
	if err := rc.Store.SetConversationPriority(ctx, rc.Conversation.ID, in.Level); err != nil {
		return nil, fmt.Errorf("setPriority: %w", err)
	}
	return ActionResult{Applied: true}, nil
}

// UpdateSentiment records the visitor's sentiment.
type UpdateSentiment struct{}

var validSentiments = map[string]struct{}{
	"positive": {}, "neutral": {}, "negative": {},
}

func (t *UpdateSentiment) Name() string { return "updateSentiment" }

func (t *UpdateSentiment) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name(),
		Description: "Record the visitor's overall sentiment.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type": "string",
					"enum": []string{"positive", "neutral", "negative"},
				},
			},
			"required": []string{"label"},
		},
	}
}

func (t *UpdateSentiment) Run(ctx context.Context, rc *RunContext, input json.RawMessage) (any, error) {
	var in struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("updateSentiment: bad input: %w", err)
	}
	if _, ok := validSentiments[in.Label]; !ok {
		return nil, fmt.Errorf("updateSentiment: invalid label %q", in.Label)
	}
	if !rc.Agent.Behavior.AutoAnalyzeSentiment {
		return notPermitted(), nil
	}
	if err := rc.Store.SetConversationSentiment(ctx, rc.Conversation.ID, in.Label); err != nil {
		return nil, fmt.Errorf("updateSentiment: %w", err)
	}
	return ActionResult{Applied: true}, nil
}
