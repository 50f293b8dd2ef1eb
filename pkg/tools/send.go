package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/store"
)

// SendVisitorMessage is the multi-turn reply primitive.
type SendVisitorMessage struct{}

// SendInput is the model-supplied argument.
type SendInput struct {
	Message string `json:"message"`
}

// SendResult reports what happened to one send attempt.
type SendResult struct {
	Sent                   bool      `json:"sent"`
	MessageID              string    `json:"message_id,omitempty"`
	Created                time.Time `json:"created,omitempty"`
	Paused                 bool      `json:"paused,omitempty"`
	StaleTriggerSuppressed bool      `json:"stale_trigger_suppressed,omitempty"`
	DuplicateSuppressed    bool      `json:"duplicate_suppressed,omitempty"`
}

func (t *SendVisitorMessage) Name() string { return "sendVisitorMessage" }

func (t *SendVisitorMessage) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name(),
		Description: "Send a reply to the visitor. Call once per distinct message; the platform handles delivery.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The markdown reply to send.",
				},
			},
			"required": []string{"message"},
		},
	}
}

func (t *SendVisitorMessage) Run(ctx context.Context, rc *RunContext, input json.RawMessage) (any, error) {
	var in SendInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("sendVisitorMessage: bad input: %w", err)
	}
	if in.Message == "" {
		return nil, errors.New("sendVisitorMessage: message is required")
	}

	// A pause observed earlier in this run drops all further sends.
	if rc.Ledger.Paused {
		return SendResult{Sent: false, Paused: true}, nil
	}

	// Stale-trigger suppression: if the visitor has already said something
	// newer than the trigger we are answering, stay quiet. The newer
	// message has its own queue entry and will get its own run.
	latest, err := rc.Store.GetLatestPublicVisitorMessageID(ctx, rc.Conversation.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("sendVisitorMessage: latest visitor message: %w", err)
	}
	if latest != "" && rc.TriggerMessageID != "" && latest != rc.TriggerMessageID {
		return SendResult{Sent: false, StaleTriggerSuppressed: true}, nil
	}

	// Per-run duplicate suppression on normalized text.
	normalized := Normalize(in.Message)
	if rc.Ledger.AlreadySent(normalized) {
		return SendResult{Sent: false, DuplicateSuppressed: true}, nil
	}

	// The slot index, not the wording, binds identity: a retried slot with
	// different text still collapses to one external message.
	slot := rc.Ledger.NextSlot()
	key := fmt.Sprintf("send:%s:%s:slot:%d", rc.Conversation.ID, rc.TriggerMessageID, slot)

	// A visible send ends the typing indicator before the message lands.
	if rc.Typing != nil && rc.Typing.Running() {
		rc.Typing.Stop(ctx)
	}

	sent, err := rc.Store.SendMessages(ctx, []models.NewMessage{{
		ConversationID: rc.Conversation.ID,
		SenderType:     models.SenderAiAgent,
		SenderID:       rc.Agent.ID,
		Visibility:     models.VisibilityPublic,
		BodyMarkdown:   in.Message,
		IdempotencyKey: key,
	}})
	if err != nil {
		return nil, fmt.Errorf("sendVisitorMessage: %w", err)
	}
	msg := sent[0]

	rc.Ledger.MarkSent(normalized)
	rc.Ledger.PublicMessagesSent++

	// Pause may have flipped while the model was composing. Report it so
	// the model (and the execution stage) stop sending.
	paused, err := rc.Pause.IsPaused(ctx, rc.Conversation.ID, nil)
	if err != nil {
		slog.Warn("Pause check after send failed", "conversation_id", rc.Conversation.ID, "error", err)
		paused = false
	}
	if paused {
		rc.Ledger.Paused = true
	}

	// Optionally re-arm the indicator so the visitor sees the agent keep
	// typing between the parts of a multi-message reply. A paused
	// conversation stays quiet.
	if rc.RestartTypingAfterSend && !paused && rc.Typing != nil {
		rc.Typing.Start(ctx)
	}

	return SendResult{
		Sent:      true,
		MessageID: msg.ID,
		Created:   msg.CreatedAt,
		Paused:    paused,
	}, nil
}
