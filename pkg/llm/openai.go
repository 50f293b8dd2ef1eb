package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaydesk/aicore/pkg/config"
)

// chatClient is the subset of the go-openai client the adapter uses.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI implements Provider over the Chat Completions API.
type OpenAI struct {
	chat    chatClient
	model   string
	timeout time.Duration
}

// NewOpenAI builds the adapter from config.
func NewOpenAI(cfg config.LLMConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return newOpenAI(openai.NewClient(cfg.APIKey), cfg.DefaultModel, cfg.Timeout)
}

func newOpenAI(chat chatClient, defaultModel string, timeout time.Duration) (*OpenAI, error) {
	if defaultModel == "" {
		return nil, errors.New("openai default model is required")
	}
	return &OpenAI{chat: chat, model: defaultModel, timeout: timeout}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	request, err := o.encodeRequest(req)
	if err != nil {
		return nil, &Error{Provider: o.Name(), Code: "invalid_request", Retryable: false, Err: err}
	}

	response, err := o.chat.CreateChatCompletion(ctx, *request)
	if err != nil {
		var apierr *openai.APIError
		if errors.As(err, &apierr) {
			return nil, classifyStatus(o.Name(), apierr.HTTPStatusCode, err)
		}
		return nil, classifyErr(o.Name(), err)
	}
	return translateOpenAIResponse(response), nil
}

func (o *OpenAI) encodeRequest(req Request) (*openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = o.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		var role string
		switch m.Role {
		case RoleUser:
			role = openai.ChatMessageRoleUser
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxOutputTokens,
	}
	for _, def := range req.Tools {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return &request, nil
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) *Response {
	out := &Response{
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(call.Function.Arguments),
		})
	}
	return out
}
