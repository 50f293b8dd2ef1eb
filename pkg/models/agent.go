package models

import "time"

// AgentMetadata holds tool gating for an AI agent.
type AgentMetadata struct {
	// EnabledTools limits the default tool set to the listed names.
	// Nil means all default tools; an empty effective set disables tools.
	EnabledTools []string `json:"enabled_tools,omitempty"`
	// DisableTools turns off tool use entirely.
	DisableTools bool `json:"disable_tools,omitempty"`
}

// BehaviorSettings gate the side-effecting actions an agent may take.
type BehaviorSettings struct {
	CanResolve           bool `json:"can_resolve"`
	CanMarkSpam          bool `json:"can_mark_spam"`
	CanSetPriority       bool `json:"can_set_priority"`
	CanEscalate          bool `json:"can_escalate"`
	AutoGenerateTitle    bool `json:"auto_generate_title"`
	AutoAnalyzeSentiment bool `json:"auto_analyze_sentiment"`
}

// Agent is the configuration of one AI agent attached to a website.
type Agent struct {
	ID              string           `json:"id"`
	OrganizationID  string           `json:"organization_id"`
	Name            string           `json:"name"`
	Model           string           `json:"model"`
	BasePrompt      string           `json:"base_prompt"`
	Temperature     float64          `json:"temperature"`
	MaxOutputTokens int              `json:"max_output_tokens"`
	IsActive        bool             `json:"is_active"`
	Metadata        AgentMetadata    `json:"metadata"`
	Behavior        BehaviorSettings `json:"behavior_settings"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// AgentUsage is the per-run usage delta recorded after a pipeline run.
type AgentUsage struct {
	Runs             int `json:"runs"`
	MessagesSent     int `json:"messages_sent"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage delta into u.
func (u *AgentUsage) Add(other AgentUsage) {
	u.Runs += other.Runs
	u.MessagesSent += other.MessagesSent
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
