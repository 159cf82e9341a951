package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/toolcall/pkg/llm"
	"github.com/harunnryd/toolcall/pkg/resilience"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// APIError is returned for any non-2xx reply other than 429.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("openai: status %d", e.StatusCode)
	}
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, body)
}

// Adapter talks to the chat completions endpoint directly over net/http.
type Adapter struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	Client       *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	body, err := a.buildRequest(input)
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), body)
	if err != nil {
		return llm.Response{}, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return llm.Response{}, resilience.RateLimitError{
			Provider:   a.Name(),
			Message:    strings.TrimSpace(string(body)),
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return llm.Response{}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var payload completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, fmt.Errorf("%w: %v", llm.ErrMalformedResponse, err)
	}
	return fromWire(payload)
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireMessage struct {
	Role         string            `json:"role"`
	Content      *string           `json:"content"`
	Name         string            `json:"name,omitempty"`
	ToolCallID   string            `json:"tool_call_id,omitempty"`
	ToolCalls    []wireToolCall    `json:"tool_calls,omitempty"`
	FunctionCall *wireFunctionCall `json:"function_call,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) buildRequest(input llm.Context) (*bytes.Buffer, error) {
	model := input.Model
	if model == "" {
		model = a.Model
	}
	if model == "" {
		return nil, errors.New("openai: model is required")
	}
	req := completionRequest{
		Model:       model,
		Messages:    toWireMessages(input.Messages),
		Tools:       mapTools(input.Tools),
		Temperature: input.Options.Temperature,
		MaxTokens:   input.Options.MaxTokens,
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = input.Options.ToolChoice
		if req.ToolChoice == "" {
			req.ToolChoice = "auto"
		}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

// mapTools converts registry tools into chat completions tool definitions.
func mapTools(tools []llm.Tool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		params := t.Schema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func toWireMessages(messages []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    &content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			fn := wireFunctionCall{Name: call.Name, Arguments: call.Arguments}
			if call.ID == "" {
				wm.FunctionCall = &fn
				continue
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: call.ID, Type: "function", Function: fn})
		}
		if content == "" && (len(wm.ToolCalls) > 0 || wm.FunctionCall != nil) {
			wm.Content = nil
		}
		out = append(out, wm)
	}
	return out
}

func fromWire(payload completionResponse) (llm.Response, error) {
	if len(payload.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%w: no choices", llm.ErrMalformedResponse)
	}
	first := payload.Choices[0]
	role, ok := llm.ParseRole(first.Message.Role)
	if !ok || first.Message.Role == "" {
		role = llm.RoleAssistant
	}
	msg := llm.Message{Role: role}
	if first.Message.Content != nil {
		msg.Content = *first.Message.Content
	}
	for _, tc := range first.Message.ToolCalls {
		if tc.Function.Name == "" {
			return llm.Response{}, fmt.Errorf("%w: tool call %q has no function name", llm.ErrMalformedResponse, tc.ID)
		}
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if fc := first.Message.FunctionCall; fc != nil && fc.Name != "" {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{Name: fc.Name, Arguments: fc.Arguments})
	}
	return llm.Response{
		Message:      msg,
		FinishReason: first.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) endpoint() string {
	base := strings.TrimRight(a.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return base + "/chat/completions"
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	if a.Organization != "" {
		req.Header.Set("OpenAI-Organization", a.Organization)
	}
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}
