package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/aicore/pkg/config"
)

func TestStubScriptAndFallback(t *testing.T) {
	stub := NewStub()
	stub.Respond(Response{Text: "first"}).Fail(errors.New("boom"))

	resp, err := stub.Generate(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text)

	_, err = stub.Generate(context.Background(), Request{Model: "m"})
	require.Error(t, err)

	// Script exhausted: fallback answer.
	resp, err = stub.Generate(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	assert.Len(t, stub.Requests(), 3)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", classifyStatus("anthropic", 429, errors.New("rate limited")), true},
		{"server error", classifyStatus("anthropic", 500, errors.New("overloaded")), true},
		{"bad request", classifyStatus("anthropic", 400, errors.New("invalid")), false},
		{"auth", classifyStatus("openai", 401, errors.New("bad key")), false},
		{"timeout", classifyErr("openai", context.DeadlineExceeded), true},
		{"plain error defaults retryable", errors.New("conn reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

type stubAnthropicMessages struct {
	resp *sdk.Message
	err  error
	got  sdk.MessageNewParams
}

func (s *stubAnthropicMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.got = body
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestAnthropicGenerate(t *testing.T) {
	stub := &stubAnthropicMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "hello there"},
				{Type: "tool_use", Name: "sendVisitorMessage", ID: "tool-1", Input: json.RawMessage(`{"text":"hi"}`)},
			},
			StopReason: sdk.StopReasonToolUse,
			Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	provider, err := newAnthropic(stub, "claude-sonnet-4-5", time.Minute)
	require.NoError(t, err)

	resp, err := provider.Generate(context.Background(), Request{
		System:      "be helpful",
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Temperature: 0.5,
		Tools: []ToolDefinition{{
			Name:        "sendVisitorMessage",
			Description: "send a reply",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "sendVisitorMessage", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, resp.Usage)

	// Request encoding carried the system prompt and tools.
	require.Len(t, stub.got.System, 1)
	assert.Equal(t, "be helpful", stub.got.System[0].Text)
	assert.Len(t, stub.got.Tools, 1)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.got.Model)
}

func TestAnthropicEmptyMessagesIsFatal(t *testing.T) {
	provider, err := newAnthropic(&stubAnthropicMessages{}, "claude-sonnet-4-5", time.Minute)
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), Request{})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

type stubChatClient struct {
	resp openai.ChatCompletionResponse
	err  error
	got  openai.ChatCompletionRequest
}

func (s *stubChatClient) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.got = request
	return s.resp, s.err
}

func TestOpenAIGenerate(t *testing.T) {
	stub := &stubChatClient{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: "hello",
					ToolCalls: []openai.ToolCall{{
						ID:       "call-1",
						Function: openai.FunctionCall{Name: "searchKnowledgeBase", Arguments: `{"query":"refunds"}`},
					}},
				},
				FinishReason: openai.FinishReasonToolCalls,
			}},
			Usage: openai.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
	}
	provider, err := newOpenAI(stub, "gpt-4o", time.Minute)
	require.NoError(t, err)

	resp, err := provider.Generate(context.Background(), Request{
		System:   "be helpful",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "searchKnowledgeBase", resp.ToolCalls[0].Name)
	assert.Equal(t, Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, resp.Usage)

	// System prompt becomes the first chat message.
	require.NotEmpty(t, stub.got.Messages)
	assert.Equal(t, openai.ChatMessageRoleSystem, stub.got.Messages[0].Role)
}

func TestOpenAIAPIErrorClassification(t *testing.T) {
	stub := &stubChatClient{err: &openai.APIError{HTTPStatusCode: 429, Message: "rate limited"}}
	provider, err := newOpenAI(stub, "gpt-4o", time.Minute)
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	stub.err = &openai.APIError{HTTPStatusCode: 400, Message: "bad request"}
	_, err = provider.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestNewProviderSelection(t *testing.T) {
	p, err := NewProvider(config.LLMConfig{Provider: "stub"})
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Name())

	_, err = NewProvider(config.LLMConfig{Provider: "something-else"})
	assert.Error(t, err)

	// Real providers require an API key.
	_, err = NewProvider(config.LLMConfig{Provider: "anthropic", DefaultModel: "claude-sonnet-4-5"})
	assert.Error(t, err)
}
