package models

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

// Conversation status constants.
const (
	ConversationStatusOpen     ConversationStatus = "open"
	ConversationStatusResolved ConversationStatus = "resolved"
	ConversationStatusSpam     ConversationStatus = "spam"
)

// Conversation is a single support thread between a visitor and the
// organization. The AI cursor fields track the newest message the agent
// pipeline has fully processed; they only ever move forward.
type Conversation struct {
	ID             string             `json:"id"`
	OrganizationID string             `json:"organization_id"`
	WebsiteID      string             `json:"website_id"`
	VisitorID      string             `json:"visitor_id,omitempty"`
	Status         ConversationStatus `json:"status"`
	Title          string             `json:"title,omitempty"`
	Priority       string             `json:"priority,omitempty"`
	Sentiment      string             `json:"sentiment,omitempty"`

	// AiPausedUntil pauses the agent for this conversation until the given
	// time. Nil means not paused.
	AiPausedUntil *time.Time `json:"ai_paused_until,omitempty"`

	// Cursor of the last message processed by the agent pipeline.
	AiLastProcessedMessageID        string     `json:"ai_last_processed_message_id,omitempty"`
	AiLastProcessedMessageCreatedAt *time.Time `json:"ai_last_processed_message_created_at,omitempty"`

	AssignedHumanUserIDs []string  `json:"assigned_human_user_ids,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// IsPausedAt reports whether the conversation-level pause covers t.
func (c *Conversation) IsPausedAt(t time.Time) bool {
	return c.AiPausedUntil != nil && c.AiPausedUntil.After(t)
}

// HasHumanAssignee reports whether a human operator is assigned.
func (c *Conversation) HasHumanAssignee() bool {
	return len(c.AssignedHumanUserIDs) > 0
}

// CursorCovers reports whether a message identified by (createdAt, id) is at
// or before the AI cursor. Covered messages are never processed again.
// Ties on the timestamp are broken lexicographically by id, which is total
// for ULIDs.
func (c *Conversation) CursorCovers(id string, createdAt time.Time) bool {
	if c.AiLastProcessedMessageCreatedAt == nil {
		return false
	}
	cur := *c.AiLastProcessedMessageCreatedAt
	if createdAt.Before(cur) {
		return true
	}
	if createdAt.After(cur) {
		return false
	}
	return id <= c.AiLastProcessedMessageID
}
