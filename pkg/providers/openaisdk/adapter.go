// Package openaisdk adapts the official openai-go client to llm.LLMAdapter.
package openaisdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/harunnryd/toolcall/pkg/llm"
	"github.com/harunnryd/toolcall/pkg/resilience"
)

var errUnsupportedRole = errors.New("openai_sdk: unsupported message role")

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

type Adapter struct {
	client openai.Client
	model  string
}

// NewAdapter builds a client with SDK retries disabled; retrying is the
// caller's decision.
func NewAdapter(cfg Config) *Adapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Adapter{client: openai.NewClient(opts...), model: cfg.Model}
}

func (a *Adapter) Name() string { return "openai_sdk" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	params, err := a.params(input)
	if err != nil {
		return llm.Response{}, err
	}
	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			rl := resilience.RateLimitError{Provider: a.Name(), Message: apiErr.Message}
			if apiErr.Response != nil {
				rl.RetryAfter = resilience.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
			}
			return llm.Response{}, rl
		}
		return llm.Response{}, err
	}
	if completion == nil || len(completion.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%w: no choices", llm.ErrMalformedResponse)
	}

	choice := completion.Choices[0]
	msg := llm.Message{Role: llm.RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			return llm.Response{}, fmt.Errorf("%w: tool call %q has no function name", llm.ErrMalformedResponse, tc.ID)
		}
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if fc := choice.Message.FunctionCall; fc.Name != "" {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{Name: fc.Name, Arguments: fc.Arguments})
	}
	return llm.Response{
		Message:      msg,
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

func (a *Adapter) params(input llm.Context) (openai.ChatCompletionNewParams, error) {
	model := input.Model
	if model == "" {
		model = a.model
	}
	if model == "" {
		return openai.ChatCompletionNewParams{}, errors.New("openai_sdk: model is required")
	}
	messages, err := toMessages(input.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
		Tools:    toTools(input.Tools),
	}
	if input.Options.Temperature != nil {
		params.Temperature = openai.Float(*input.Options.Temperature)
	}
	if input.Options.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*input.Options.MaxTokens))
	}
	if len(params.Tools) > 0 && input.Options.ToolChoice != "" {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(input.Options.ToolChoice),
		}
	}
	return params, nil
}

func toTools(tools []llm.Tool) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(t.Schema),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func toMessages(messages []llm.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				if call.ID == "" {
					return nil, fmt.Errorf("%w: legacy function_call on assistant message", errUnsupportedRole)
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("%w: %q", errUnsupportedRole, m.Role)
		}
	}
	return out, nil
}
