package models

import "time"

// SenderType identifies who authored a message.
type SenderType string

// Sender type constants.
const (
	SenderVisitor    SenderType = "visitor"
	SenderHumanAgent SenderType = "human_agent"
	SenderAiAgent    SenderType = "ai_agent"
)

// Visibility controls who can see a message.
type Visibility string

// Visibility constants.
const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// MessagePartType distinguishes timeline entries beyond plain text.
type MessagePartType string

// Message part type constants.
const (
	PartText                 MessagePartType = "text"
	PartParticipantRequested MessagePartType = "participant_requested"
)

// MessagePart is one structured element of a message body.
type MessagePart struct {
	Type MessagePartType `json:"type"`
	Text string          `json:"text,omitempty"`
}

// Message is an immutable timeline entry in a conversation. IDs are ULIDs,
// so lexicographic order matches creation order.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderType     SenderType    `json:"sender_type"`
	SenderID       string        `json:"sender_id,omitempty"`
	Visibility     Visibility    `json:"visibility"`
	BodyMarkdown   string        `json:"body_markdown"`
	Parts          []MessagePart `json:"parts,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
}

// MessageMetadata is the subset of Message the queue layer needs to decide
// triggerability and coalescing without loading bodies.
type MessageMetadata struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderType     SenderType `json:"sender_type"`
	Visibility     Visibility `json:"visibility"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsVisitorPublic reports whether the message is a public visitor message,
// the only kind eligible for coalescing.
func (m *MessageMetadata) IsVisitorPublic() bool {
	return m.SenderType == SenderVisitor && m.Visibility == VisibilityPublic
}

// NewMessage carries the fields for inserting a message.
type NewMessage struct {
	ConversationID string        `json:"conversation_id"`
	SenderType     SenderType    `json:"sender_type"`
	SenderID       string        `json:"sender_id,omitempty"`
	Visibility     Visibility    `json:"visibility"`
	BodyMarkdown   string        `json:"body_markdown"`
	Parts          []MessagePart `json:"parts,omitempty"`

	// IdempotencyKey deduplicates inserts of the same logical message.
	// Inserting twice with the same key returns the original row.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
