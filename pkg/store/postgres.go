package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/relaydesk/aicore/pkg/models"
)

// Postgres implements Store over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres builds a Postgres store over an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const conversationColumns = `id, organization_id, website_id, visitor_id, status,
	title, priority, sentiment, ai_paused_until,
	ai_last_processed_message_id, ai_last_processed_message_created_at,
	assigned_human_user_ids, created_at, updated_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var (
		c               models.Conversation
		visitorID       *string
		title           *string
		priority        *string
		sentiment       *string
		cursorMessageID *string
	)
	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.WebsiteID, &visitorID, &c.Status,
		&title, &priority, &sentiment, &c.AiPausedUntil,
		&cursorMessageID, &c.AiLastProcessedMessageCreatedAt,
		&c.AssignedHumanUserIDs, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if visitorID != nil {
		c.VisitorID = *visitorID
	}
	if title != nil {
		c.Title = *title
	}
	if priority != nil {
		c.Priority = *priority
	}
	if sentiment != nil {
		c.Sentiment = *sentiment
	}
	if cursorMessageID != nil {
		c.AiLastProcessedMessageID = *cursorMessageID
	}
	return &c, nil
}

func (p *Postgres) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (p *Postgres) GetMessageMetadata(ctx context.Context, id string) (*models.MessageMetadata, error) {
	var md models.MessageMetadata
	err := p.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_type, visibility, created_at
		 FROM messages WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&md.ID, &md.ConversationID, &md.SenderType, &md.Visibility, &md.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load message metadata: %w", err)
	}
	return &md, nil
}

func (p *Postgres) GetMessageMetadataBatch(ctx context.Context, ids []string) (map[string]*models.MessageMetadata, error) {
	if len(ids) == 0 {
		return map[string]*models.MessageMetadata{}, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, conversation_id, sender_type, visibility, created_at
		 FROM messages WHERE id = ANY($1) AND deleted_at IS NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load message metadata batch: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.MessageMetadata, len(ids))
	for rows.Next() {
		var md models.MessageMetadata
		if err := rows.Scan(&md.ID, &md.ConversationID, &md.SenderType, &md.Visibility, &md.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message metadata: %w", err)
		}
		out[md.ID] = &md
	}
	return out, rows.Err()
}

func (p *Postgres) GetConversationMessagesAfterCursor(ctx context.Context, conversationID string, afterCreatedAt *time.Time, afterID string, limit int) ([]*models.MessageMetadata, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if afterCreatedAt == nil {
		rows, err = p.pool.Query(ctx,
			`SELECT id, conversation_id, sender_type, visibility, created_at
			 FROM messages
			 WHERE conversation_id = $1 AND deleted_at IS NULL
			 ORDER BY created_at, id
			 LIMIT $2`, conversationID, limit)
	} else {
		rows, err = p.pool.Query(ctx,
			`SELECT id, conversation_id, sender_type, visibility, created_at
			 FROM messages
			 WHERE conversation_id = $1 AND deleted_at IS NULL
			   AND (created_at > $2 OR (created_at = $2 AND id > $3))
			 ORDER BY created_at, id
			 LIMIT $4`, conversationID, *afterCreatedAt, afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages after cursor: %w", err)
	}
	defer rows.Close()

	var out []*models.MessageMetadata
	for rows.Next() {
		var md models.MessageMetadata
		if err := rows.Scan(&md.ID, &md.ConversationID, &md.SenderType, &md.Visibility, &md.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message metadata: %w", err)
		}
		out = append(out, &md)
	}
	return out, rows.Err()
}

const messageColumns = `id, conversation_id, sender_type, sender_id, visibility,
	body_markdown, parts, created_at, deleted_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg      models.Message
		senderID *string
		parts    []byte
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderType, &senderID, &msg.Visibility,
		&msg.BodyMarkdown, &parts, &msg.CreatedAt, &msg.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if senderID != nil {
		msg.SenderID = *senderID
	}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts, &msg.Parts); err != nil {
			return nil, fmt.Errorf("failed to decode message parts: %w", err)
		}
	}
	return &msg, nil
}

func (p *Postgres) GetRecentPublicMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE conversation_id = $1 AND visibility = $2 AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`, conversationID, models.VisibilityPublic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (p *Postgres) GetLatestPublicVisitorMessageID(ctx context.Context, conversationID string) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx,
		`SELECT id FROM messages
		 WHERE conversation_id = $1 AND sender_type = $2 AND visibility = $3
		   AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, conversationID, models.SenderVisitor, models.VisibilityPublic,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to load latest visitor message: %w", err)
	}
	return id, nil
}

func (p *Postgres) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	var (
		a           models.Agent
		metadataRaw []byte
		behaviorRaw []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, model, base_prompt, temperature,
		        max_output_tokens, is_active, metadata, behavior_settings,
		        created_at, updated_at
		 FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.OrganizationID, &a.Name, &a.Model, &a.BasePrompt, &a.Temperature,
		&a.MaxOutputTokens, &a.IsActive, &metadataRaw, &behaviorRaw,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode agent metadata: %w", err)
		}
	}
	if len(behaviorRaw) > 0 {
		if err := json.Unmarshal(behaviorRaw, &a.Behavior); err != nil {
			return nil, fmt.Errorf("failed to decode agent behavior settings: %w", err)
		}
	}
	return &a, nil
}

func (p *Postgres) GetVisitorWithContact(ctx context.Context, id string) (*models.Visitor, error) {
	var (
		v    models.Visitor
		opts = make([]*string, 8)
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, website_id, name, email, city, country, language, timezone,
		        browser, device, created_at, last_seen
		 FROM visitors WHERE id = $1`, id,
	).Scan(&v.ID, &v.WebsiteID, &opts[0], &opts[1], &opts[2], &opts[3], &opts[4], &opts[5],
		&opts[6], &opts[7], &v.CreatedAt, &v.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load visitor: %w", err)
	}
	targets := []*string{&v.Name, &v.Email, &v.City, &v.Country, &v.Language, &v.Timezone, &v.Browser, &v.Device}
	for i, opt := range opts {
		if opt != nil {
			*targets[i] = *opt
		}
	}
	return &v, nil
}

func (p *Postgres) SearchKnowledgeBase(ctx context.Context, websiteID, query string, limit int) ([]KnowledgeSnippet, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT title, content,
		        ts_rank(to_tsvector('english', title || ' ' || content),
		                plainto_tsquery('english', $2)) AS rank
		 FROM knowledge_snippets
		 WHERE website_id = $1
		   AND to_tsvector('english', title || ' ' || content) @@ plainto_tsquery('english', $2)
		 ORDER BY rank DESC
		 LIMIT $3`, websiteID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge base: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeSnippet
	for rows.Next() {
		var s KnowledgeSnippet
		if err := rows.Scan(&s.Title, &s.Content, &s.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge snippet: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkConversationSeen(ctx context.Context, conversationID string, actor models.SenderType) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO conversation_seen (conversation_id, actor, seen_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (conversation_id, actor) DO UPDATE SET seen_at = now()`,
		conversationID, actor)
	if err != nil {
		return fmt.Errorf("failed to mark conversation seen: %w", err)
	}
	return nil
}

// UpdateConversationAiCursor advances the cursor. The WHERE clause keeps
// it monotonic under concurrent writers: a backward move matches no row
// and is a no-op.
func (p *Postgres) UpdateConversationAiCursor(ctx context.Context, conversationID, messageID string, createdAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE conversations
		 SET ai_last_processed_message_id = $2,
		     ai_last_processed_message_created_at = $3,
		     updated_at = now()
		 WHERE id = $1
		   AND (ai_last_processed_message_created_at IS NULL
		        OR ai_last_processed_message_created_at < $3
		        OR (ai_last_processed_message_created_at = $3
		            AND ai_last_processed_message_id < $2))`,
		conversationID, messageID, createdAt)
	if err != nil {
		return fmt.Errorf("failed to advance ai cursor: %w", err)
	}
	return nil
}

func (p *Postgres) SendMessages(ctx context.Context, msgs []models.NewMessage) ([]*models.Message, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin send transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]*models.Message, 0, len(msgs))
	for _, nm := range msgs {
		msg, err := p.sendOne(ctx, tx, nm)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit send transaction: %w", err)
	}
	return out, nil
}

func (p *Postgres) sendOne(ctx context.Context, tx pgx.Tx, nm models.NewMessage) (*models.Message, error) {
	now := time.Now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	var parts []byte
	if len(nm.Parts) > 0 {
		var err error
		parts, err = json.Marshal(nm.Parts)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message parts: %w", err)
		}
	}
	var senderID, idemKey *string
	if nm.SenderID != "" {
		senderID = &nm.SenderID
	}
	if nm.IdempotencyKey != "" {
		idemKey = &nm.IdempotencyKey
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, sender_type, sender_id,
		                       visibility, body_markdown, parts, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		 RETURNING `+messageColumns,
		id, nm.ConversationID, nm.SenderType, senderID,
		nm.Visibility, nm.BodyMarkdown, parts, idemKey, now)

	msg, err := scanMessage(row)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, ErrNotFound) || idemKey == nil {
		return nil, err
	}

	// Conflict on the idempotency key: return the original row.
	row = tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE idempotency_key = $1`, *idemKey)
	msg, err = scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load deduplicated message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) UpdateAgentUsage(ctx context.Context, agentID string, usage models.AgentUsage) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO agent_usage (agent_id, runs, messages_sent, prompt_tokens,
		                          completion_tokens, total_tokens, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (agent_id) DO UPDATE SET
		     runs = agent_usage.runs + EXCLUDED.runs,
		     messages_sent = agent_usage.messages_sent + EXCLUDED.messages_sent,
		     prompt_tokens = agent_usage.prompt_tokens + EXCLUDED.prompt_tokens,
		     completion_tokens = agent_usage.completion_tokens + EXCLUDED.completion_tokens,
		     total_tokens = agent_usage.total_tokens + EXCLUDED.total_tokens,
		     updated_at = now()`,
		agentID, usage.Runs, usage.MessagesSent, usage.PromptTokens,
		usage.CompletionTokens, usage.TotalTokens)
	if err != nil {
		return fmt.Errorf("failed to update agent usage: %w", err)
	}
	return nil
}

func (p *Postgres) SetConversationAiPause(ctx context.Context, id string, until *time.Time) error {
	return p.execConversationUpdate(ctx, id,
		`UPDATE conversations SET ai_paused_until = $2, updated_at = now() WHERE id = $1`, until)
}

func (p *Postgres) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	return p.execConversationUpdate(ctx, id,
		`UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1`, status)
}

func (p *Postgres) SetConversationTitle(ctx context.Context, id, title string) error {
	return p.execConversationUpdate(ctx, id,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`, title)
}

func (p *Postgres) SetConversationPriority(ctx context.Context, id, priority string) error {
	return p.execConversationUpdate(ctx, id,
		`UPDATE conversations SET priority = $2, updated_at = now() WHERE id = $1`, priority)
}

func (p *Postgres) SetConversationSentiment(ctx context.Context, id, sentiment string) error {
	return p.execConversationUpdate(ctx, id,
		`UPDATE conversations SET sentiment = $2, updated_at = now() WHERE id = $1`, sentiment)
}

func (p *Postgres) execConversationUpdate(ctx context.Context, id, query string, arg any) error {
	tag, err := p.pool.Exec(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
