package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaydesk/aicore/pkg/models"
)

// Memory is an in-process Store used by tests. It reproduces the
// contract's ordering and idempotency semantics faithfully enough that
// the pipeline and worker tests exercise the same code paths as against
// Postgres.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      map[string]*models.Message
	agents        map[string]*models.Agent
	visitors      map[string]*models.Visitor
	knowledge     map[string][]KnowledgeSnippet // websiteID → snippets
	idempotency   map[string]string             // idempotency key → message id
	usage         map[string]models.AgentUsage
	seen          map[string]time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string]*models.Message),
		agents:        make(map[string]*models.Agent),
		visitors:      make(map[string]*models.Visitor),
		knowledge:     make(map[string][]KnowledgeSnippet),
		idempotency:   make(map[string]string),
		usage:         make(map[string]models.AgentUsage),
		seen:          make(map[string]time.Time),
	}
}

// --- seeding helpers (tests only) ---

// AddConversation stores a conversation.
func (m *Memory) AddConversation(c *models.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.conversations[c.ID] = &cp
}

// AddMessage stores a message with the given fields. When ID is empty a
// ULID is generated from CreatedAt.
func (m *Memory) AddMessage(msg *models.Message) *models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.ID == "" {
		cp.ID = ulid.MustNew(ulid.Timestamp(cp.CreatedAt), ulid.DefaultEntropy()).String()
	}
	m.messages[cp.ID] = &cp
	return &cp
}

// AddAgent stores an agent.
func (m *Memory) AddAgent(a *models.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
}

// AddVisitor stores a visitor.
func (m *Memory) AddVisitor(v *models.Visitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.visitors[v.ID] = &cp
}

// AddKnowledge registers knowledge snippets for a website.
func (m *Memory) AddKnowledge(websiteID string, snippets ...KnowledgeSnippet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knowledge[websiteID] = append(m.knowledge[websiteID], snippets...)
}

// Usage returns the accumulated usage for an agent.
func (m *Memory) Usage(agentID string) models.AgentUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[agentID]
}

// SeenAt returns when the conversation was last marked seen.
func (m *Memory) SeenAt(conversationID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.seen[conversationID]
	return t, ok
}

// MessagesFor returns all messages of a conversation in (createdAt, id)
// order. Test helper.
func (m *Memory) MessagesFor(conversationID string) []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messagesForLocked(conversationID)
}

func (m *Memory) messagesForLocked(conversationID string) []*models.Message {
	var out []*models.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.DeletedAt == nil {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- Reader ---

func (m *Memory) GetConversationByID(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func metadataOf(msg *models.Message) *models.MessageMetadata {
	return &models.MessageMetadata{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderType:     msg.SenderType,
		Visibility:     msg.Visibility,
		CreatedAt:      msg.CreatedAt,
	}
}

func (m *Memory) GetMessageMetadata(_ context.Context, id string) (*models.MessageMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return metadataOf(msg), nil
}

func (m *Memory) GetMessageMetadataBatch(_ context.Context, ids []string) (map[string]*models.MessageMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.MessageMetadata, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok && msg.DeletedAt == nil {
			out[id] = metadataOf(msg)
		}
	}
	return out, nil
}

func (m *Memory) GetConversationMessagesAfterCursor(_ context.Context, conversationID string, afterCreatedAt *time.Time, afterID string, limit int) ([]*models.MessageMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MessageMetadata
	for _, msg := range m.messagesForLocked(conversationID) {
		if afterCreatedAt != nil {
			if msg.CreatedAt.Before(*afterCreatedAt) {
				continue
			}
			if msg.CreatedAt.Equal(*afterCreatedAt) && msg.ID <= afterID {
				continue
			}
		}
		out = append(out, metadataOf(msg))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetRecentPublicMessages(_ context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messagesForLocked(conversationID)
	var public []*models.Message
	for _, msg := range all {
		if msg.Visibility == models.VisibilityPublic {
			public = append(public, msg)
		}
	}
	// Newest first, bounded.
	for i, j := 0, len(public)-1; i < j; i, j = i+1, j-1 {
		public[i], public[j] = public[j], public[i]
	}
	if len(public) > limit {
		public = public[:limit]
	}
	out := make([]*models.Message, len(public))
	for i, msg := range public {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) GetLatestPublicVisitorMessageID(_ context.Context, conversationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Message
	for _, msg := range m.messagesForLocked(conversationID) {
		if msg.SenderType == models.SenderVisitor && msg.Visibility == models.VisibilityPublic {
			latest = msg
		}
	}
	if latest == nil {
		return "", ErrNotFound
	}
	return latest.ID, nil
}

func (m *Memory) GetAgentByID(_ context.Context, id string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetVisitorWithContact(_ context.Context, id string) (*models.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visitors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) SearchKnowledgeBase(_ context.Context, websiteID, query string, limit int) ([]KnowledgeSnippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var out []KnowledgeSnippet
	for _, s := range m.knowledge[websiteID] {
		if strings.Contains(strings.ToLower(s.Title), q) || strings.Contains(strings.ToLower(s.Content), q) {
			out = append(out, s)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Writer ---

func (m *Memory) MarkConversationSeen(_ context.Context, conversationID string, _ models.SenderType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[conversationID] = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateConversationAiCursor(_ context.Context, conversationID, messageID string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	// Monotonic guard: never move the cursor backward.
	if c.AiLastProcessedMessageCreatedAt != nil {
		cur := *c.AiLastProcessedMessageCreatedAt
		if createdAt.Before(cur) || (createdAt.Equal(cur) && messageID <= c.AiLastProcessedMessageID) {
			return nil
		}
	}
	c.AiLastProcessedMessageID = messageID
	t := createdAt
	c.AiLastProcessedMessageCreatedAt = &t
	return nil
}

func (m *Memory) SendMessages(_ context.Context, msgs []models.NewMessage) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Message, 0, len(msgs))
	for _, nm := range msgs {
		if nm.IdempotencyKey != "" {
			if existingID, ok := m.idempotency[nm.IdempotencyKey]; ok {
				cp := *m.messages[existingID]
				out = append(out, &cp)
				continue
			}
		}
		now := time.Now().UTC()
		msg := &models.Message{
			ID:             ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
			ConversationID: nm.ConversationID,
			SenderType:     nm.SenderType,
			SenderID:       nm.SenderID,
			Visibility:     nm.Visibility,
			BodyMarkdown:   nm.BodyMarkdown,
			Parts:          nm.Parts,
			CreatedAt:      now,
		}
		m.messages[msg.ID] = msg
		if nm.IdempotencyKey != "" {
			m.idempotency[nm.IdempotencyKey] = msg.ID
		}
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) UpdateAgentUsage(_ context.Context, agentID string, usage models.AgentUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage[agentID]
	u.Add(usage)
	m.usage[agentID] = u
	return nil
}

func (m *Memory) SetConversationAiPause(_ context.Context, id string, until *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.AiPausedUntil = until
	return nil
}

func (m *Memory) UpdateConversationStatus(_ context.Context, id string, status models.ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *Memory) SetConversationTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Title = title
	return nil
}

func (m *Memory) SetConversationPriority(_ context.Context, id, priority string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Priority = priority
	return nil
}

func (m *Memory) SetConversationSentiment(_ context.Context, id, sentiment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Sentiment = sentiment
	return nil
}
