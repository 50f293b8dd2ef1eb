// Package tools implements the tool runtime the generation stage exposes
// to the model: the reply primitive, knowledge retrieval, and the
// behavior-gated conversation actions. Tool side effects are guarded by
// the per-run ledger so retries and duplicate calls stay idempotent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaydesk/aicore/pkg/events"
	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/metrics"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/store"
)

// PauseChecker reports the conversation kill-switch state.
type PauseChecker interface {
	IsPaused(ctx context.Context, conversationID string, conv *models.Conversation) (bool, error)
}

// TypingControl is the slice of the heartbeat the send tool needs.
type TypingControl interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
	Running() bool
}

// RunContext carries everything one pipeline run hands its tools. The
// ledger is mutable per-run state local to the running goroutine.
type RunContext struct {
	RunID            string
	TriggerMessageID string
	Conversation     *models.Conversation
	Agent            *models.Agent
	Visitor          *models.Visitor

	Store   store.Store
	Pause   PauseChecker
	Typing  TypingControl
	Emitter events.Emitter

	// RestartTypingAfterSend re-arms the typing indicator after each
	// visible send, for surfaces that show typing between multi-part
	// replies.
	RestartTypingAfterSend bool

	Ledger *Ledger
}

// Event builds an event envelope routed to this run's conversation.
func (rc *RunContext) Event(kind events.Kind, audience events.Audience, payload any) events.Event {
	return events.Event{
		Kind:           kind,
		Audience:       audience,
		WebsiteID:      rc.Conversation.WebsiteID,
		OrganizationID: rc.Conversation.OrganizationID,
		ConversationID: rc.Conversation.ID,
		VisitorID:      rc.Conversation.VisitorID,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	}
}

// Ledger is the per-run tool state: which normalized texts went out, the
// next send slot, and the flags later stages consult.
type Ledger struct {
	sent  map[string]struct{}
	slots int

	PublicMessagesSent int
	Paused             bool
	Escalated          bool
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{sent: map[string]struct{}{}}
}

// NextSlot returns the next send index within the run.
func (l *Ledger) NextSlot() int {
	n := l.slots
	l.slots++
	return n
}

// AlreadySent reports whether the normalized text went out earlier in
// this run.
func (l *Ledger) AlreadySent(normalized string) bool {
	_, ok := l.sent[normalized]
	return ok
}

// MarkSent records a normalized text as sent.
func (l *Ledger) MarkSent(normalized string) {
	l.sent[normalized] = struct{}{}
}

// Normalize collapses whitespace and case so near-identical replies
// compare equal.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Tool is one model-invocable capability.
type Tool interface {
	Name() string
	Definition() llm.ToolDefinition
	Run(ctx context.Context, rc *RunContext, input json.RawMessage) (any, error)
}

// Registry holds the registered tools in a stable order.
type Registry struct {
	order  []string
	byName map[string]Tool
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(list ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(list))}
	for _, t := range list {
		if _, dup := r.byName[t.Name()]; dup {
			continue
		}
		r.order = append(r.order, t.Name())
		r.byName[t.Name()] = t
	}
	return r
}

// DefaultRegistry returns the standard tool set.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&SendVisitorMessage{},
		&SearchKnowledgeBase{},
		&EscalateToHuman{},
		&SetConversationTitle{},
		&SetPriority{},
		&UpdateSentiment{},
	)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// ForAgent applies the agent's tool permissions: disableTools wins and
// yields nil; enabledTools, when present, filters the default set with
// unknown names ignored. An empty effective set disables tool use.
func (r *Registry) ForAgent(md models.AgentMetadata) []Tool {
	if md.DisableTools {
		return nil
	}
	if md.EnabledTools == nil {
		out := make([]Tool, 0, len(r.order))
		for _, name := range r.order {
			out = append(out, r.byName[name])
		}
		return out
	}
	allowed := make(map[string]struct{}, len(md.EnabledTools))
	for _, name := range md.EnabledTools {
		allowed[name] = struct{}{}
	}
	var out []Tool
	for _, name := range r.order {
		if _, ok := allowed[name]; ok {
			out = append(out, r.byName[name])
		}
	}
	return out
}

// Definitions renders the provider-facing definitions for a tool set.
func Definitions(list []Tool) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(list))
	for _, t := range list {
		out = append(out, t.Definition())
	}
	return out
}

// Execute runs one tool call, wrapping it in tool-progress events
// (audience all, per policy). Unknown tool names return an error result
// for the model rather than failing the run.
func Execute(ctx context.Context, rc *RunContext, reg *Registry, call llm.ToolCall) (any, error) {
	tool, ok := reg.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}

	rc.Emitter.Emit(ctx, rc.Event(events.KindToolProgress, events.AudienceAll, events.ToolProgressPayload{
		RunID:   rc.RunID,
		Tool:    call.Name,
		State:   "started",
		Message: progressMessage(call.Name),
	}))

	result, err := tool.Run(ctx, rc, call.Input)

	state := "finished"
	if err != nil {
		state = "failed"
	}
	metrics.ToolInvocations.WithLabelValues(call.Name, state).Inc()
	rc.Emitter.Emit(ctx, rc.Event(events.KindToolProgress, events.AudienceAll, events.ToolProgressPayload{
		RunID: rc.RunID,
		Tool:  call.Name,
		State: state,
	}))
	return result, err
}

// progressMessage maps tool names to sanitized widget-safe descriptions.
func progressMessage(tool string) string {
	switch tool {
	case "sendVisitorMessage":
		return "Writing a reply"
	case "searchKnowledgeBase":
		return "Looking things up"
	case "escalateToHuman":
		return "Bringing in a teammate"
	default:
		return "Working on the conversation"
	}
}
