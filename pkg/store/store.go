// Package store defines the persistence contract the pipeline depends on
// and provides two implementations: Postgres (pgx) for production and
// Memory for tests. The pipeline only ever sees these interfaces, so the
// scheduling core stays independent of the storage engine.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relaydesk/aicore/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// KnowledgeSnippet is one knowledge-base search hit.
type KnowledgeSnippet struct {
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// Reader is the read side of the DB contract.
type Reader interface {
	GetConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	GetMessageMetadata(ctx context.Context, id string) (*models.MessageMetadata, error)
	// GetMessageMetadataBatch returns metadata for the given ids. Missing
	// ids are absent from the result, not an error.
	GetMessageMetadataBatch(ctx context.Context, ids []string) (map[string]*models.MessageMetadata, error)
	// GetConversationMessagesAfterCursor scans triggerable messages
	// strictly after the (createdAt, id) cursor in ascending order.
	// A nil afterCreatedAt means from the beginning.
	GetConversationMessagesAfterCursor(ctx context.Context, conversationID string, afterCreatedAt *time.Time, afterID string, limit int) ([]*models.MessageMetadata, error)
	// GetRecentPublicMessages returns the newest public messages first,
	// bounded by limit.
	GetRecentPublicMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	// GetLatestPublicVisitorMessageID returns the id of the newest public
	// visitor message, or ErrNotFound when none exists.
	GetLatestPublicVisitorMessageID(ctx context.Context, conversationID string) (string, error)
	GetAgentByID(ctx context.Context, id string) (*models.Agent, error)
	GetVisitorWithContact(ctx context.Context, id string) (*models.Visitor, error)
	// SearchKnowledgeBase retrieves snippets relevant to the query.
	SearchKnowledgeBase(ctx context.Context, websiteID, query string, limit int) ([]KnowledgeSnippet, error)
}

// Writer is the write side of the DB contract.
type Writer interface {
	// MarkConversationSeen records that the actor has read the
	// conversation up to now.
	MarkConversationSeen(ctx context.Context, conversationID string, actor models.SenderType) error
	// UpdateConversationAiCursor advances the AI cursor. The cursor is
	// monotonic: calls that would move it backward are silent no-ops.
	UpdateConversationAiCursor(ctx context.Context, conversationID, messageID string, createdAt time.Time) error
	// SendMessages inserts messages in one transaction and returns the
	// created rows in input order. Inserts carrying an idempotency key
	// that already exists return the original row instead of a new one.
	SendMessages(ctx context.Context, msgs []models.NewMessage) ([]*models.Message, error)
	UpdateAgentUsage(ctx context.Context, agentID string, usage models.AgentUsage) error
	SetConversationAiPause(ctx context.Context, id string, until *time.Time) error
	UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error
	SetConversationTitle(ctx context.Context, id, title string) error
	SetConversationPriority(ctx context.Context, id, priority string) error
	SetConversationSentiment(ctx context.Context, id, sentiment string) error
}

// Store combines both sides of the contract.
type Store interface {
	Reader
	Writer
}
