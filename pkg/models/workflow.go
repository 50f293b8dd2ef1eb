package models

import "time"

// Direction distinguishes the workflow streams kept per conversation.
// Message workflows react to inbound visitor traffic; followup workflows
// cover agent-initiated (proactive) work.
type Direction string

// Direction constants.
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// WorkflowState is one entry in the dedup registry. A run replaces the
// previous one on supersede but keeps the original anchor so downstream
// consumers (email batching, notifications) see the first trigger's
// timestamp.
type WorkflowState struct {
	RunID           string    `json:"run_id"`
	ConversationID  string    `json:"conversation_id"`
	Direction       Direction `json:"direction"`
	AnchorMessageID string    `json:"anchor_message_id"`
	AnchorCreatedAt time.Time `json:"anchor_created_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TriggerQueueEntry is one pending trigger in a conversation's queue.
type TriggerQueueEntry struct {
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}
