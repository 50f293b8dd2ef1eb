package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaydesk/aicore/pkg/config"
)

// anthropicMessages is the subset of the Anthropic SDK the adapter uses.
// Satisfied by *sdk.MessageService; tests pass a mock.
type anthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic implements Provider over the Claude Messages API.
type Anthropic struct {
	msg     anthropicMessages
	model   string
	timeout time.Duration
}

// NewAnthropic builds the adapter from config.
func NewAnthropic(cfg config.LLMConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return newAnthropic(&client.Messages, cfg.DefaultModel, cfg.Timeout)
}

func newAnthropic(msg anthropicMessages, defaultModel string, timeout time.Duration) (*Anthropic, error) {
	if defaultModel == "" {
		return nil, errors.New("anthropic default model is required")
	}
	return &Anthropic{msg: msg, model: defaultModel, timeout: timeout}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Generate(ctx context.Context, req Request) (*Response, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	params, err := a.encodeRequest(req)
	if err != nil {
		return nil, &Error{Provider: a.Name(), Code: "invalid_request", Retryable: false, Err: err}
	}

	msg, err := a.msg.New(ctx, *params)
	if err != nil {
		var apierr *sdk.Error
		if errors.As(err, &apierr) {
			return nil, classifyStatus(a.Name(), apierr.StatusCode, err)
		}
		return nil, classifyErr(a.Name(), err)
	}
	return translateAnthropicResponse(msg), nil
}

func (a *Anthropic) encodeRequest(req Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.model
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(block))
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("at least one non-empty message is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return &params, nil
}

func translateAnthropicResponse(msg *sdk.Message) *Response {
	resp := &Response{StopReason: string(msg.StopReason)}
	var texts []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	resp.Text = strings.Join(texts, "\n\n")
	resp.Usage = Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}
