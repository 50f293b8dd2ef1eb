// Package events delivers typed realtime events to widget and dashboard
// clients. Delivery is fire-and-forget: the pipeline never blocks on a
// subscriber, and publish failures are logged, not surfaced.
//
// Each event carries an audience. Widget clients only ever see events
// addressed to "all" or "widget"; dashboard-only events cover internal
// progress that visitors must not observe.
package events

import "time"

// Kind identifies the event type on the wire.
type Kind string

// Event kinds.
const (
	KindWorkflowStarted    Kind = "workflow.started"
	KindDecisionMade       Kind = "decision.made"
	KindGenerationProgress Kind = "generation.progress"
	KindToolProgress       Kind = "tool.progress"
	KindTyping             Kind = "typing"
	KindWorkflowCompleted  Kind = "workflow.completed"
	KindConversationSeen   Kind = "conversation.seen"
)

// Audience selects which subscriber groups receive an event.
type Audience string

// Audience constants.
const (
	AudienceAll       Audience = "all"
	AudienceDashboard Audience = "dashboard"
	AudienceWidget    Audience = "widget"
)

// Event is the envelope common to every realtime publish. Routing fields
// identify the tenant scope; Payload carries the kind-specific body.
type Event struct {
	Kind           Kind      `json:"kind"`
	Audience       Audience  `json:"audience"`
	WebsiteID      string    `json:"website_id"`
	OrganizationID string    `json:"organization_id"`
	ConversationID string    `json:"conversation_id"`
	VisitorID      string    `json:"visitor_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        any       `json:"payload,omitempty"`
}

// WorkflowStartedPayload announces a new pipeline run on a trigger.
type WorkflowStartedPayload struct {
	RunID            string `json:"run_id"`
	TriggerMessageID string `json:"trigger_message_id"`
}

// DecisionPayload reports the decision stage outcome.
type DecisionPayload struct {
	RunID     string `json:"run_id"`
	ShouldAct bool   `json:"should_act"`
	Mode      string `json:"mode"`
	Reason    string `json:"reason,omitempty"`
}

// GenerationPhase enumerates generation progress phases.
type GenerationPhase string

// Generation phases.
const (
	PhaseThinking   GenerationPhase = "thinking"
	PhaseGenerating GenerationPhase = "generating"
	PhaseFinalizing GenerationPhase = "finalizing"
)

// GenerationProgressPayload reports generation-stage progress.
type GenerationProgressPayload struct {
	RunID string          `json:"run_id"`
	Phase GenerationPhase `json:"phase"`
}

// ToolProgressPayload reports a tool starting or finishing. Message is a
// sanitized human-readable description safe for the widget.
type ToolProgressPayload struct {
	RunID   string `json:"run_id"`
	Tool    string `json:"tool"`
	State   string `json:"state"` // "started" | "finished" | "failed"
	Message string `json:"message,omitempty"`
}

// TypingPayload toggles the visitor-visible typing indicator.
type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

// WorkflowStatus is the terminal status of a pipeline run.
type WorkflowStatus string

// Workflow terminal statuses.
const (
	StatusSuccess   WorkflowStatus = "success"
	StatusSkipped   WorkflowStatus = "skipped"
	StatusCancelled WorkflowStatus = "cancelled"
	StatusError     WorkflowStatus = "error"
)

// WorkflowCompletedPayload closes out a pipeline run.
type WorkflowCompletedPayload struct {
	RunID  string         `json:"run_id"`
	Status WorkflowStatus `json:"status"`
	Action string         `json:"action,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// ConversationSeenPayload marks the agent having seen the conversation.
type ConversationSeenPayload struct {
	Actor string `json:"actor"`
}

// CompletedAudience returns the audience policy for workflow.completed:
// everyone on success, dashboard otherwise.
func CompletedAudience(status WorkflowStatus) Audience {
	if status == StatusSuccess {
		return AudienceAll
	}
	return AudienceDashboard
}

// DecisionAudience returns the audience policy for decision.made: the
// widget only learns about decisions that lead to action.
func DecisionAudience(shouldAct bool) Audience {
	if shouldAct {
		return AudienceAll
	}
	return AudienceDashboard
}
