// Package llm abstracts the language-model providers behind a single
// Generate call. Adapters exist for Anthropic and OpenAI, plus a scripted
// stub for tests. Provider errors are classified as retryable or fatal so
// the pipeline can decide whether a failed run goes back on the queue.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaydesk/aicore/pkg/config"
)

// Role of a conversation message sent to the provider.
type Role string

// Conversation roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of provider-facing conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model. Input is the raw
// JSON arguments; the tool runtime decodes it.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is a single generation call.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolDefinition
	Temperature     float64
	MaxOutputTokens int
}

// Response is the provider's answer.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Provider generates model responses.
type Provider interface {
	// Name identifies the provider for logs and events.
	Name() string
	// Generate issues one completion call. The call is bounded by the
	// configured timeout; exceeding it yields a retryable error.
	Generate(ctx context.Context, req Request) (*Response, error)
}

// NewProvider builds the configured provider.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "stub":
		return NewStub(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
