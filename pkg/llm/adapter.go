package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMalformedResponse is returned by adapters when the provider reply cannot be
// interpreted as a chat completion.
var ErrMalformedResponse = errors.New("malformed chat completion response")

type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
}

type ToolCall struct {
	// ID is empty for legacy function_call replies.
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ArgumentsMap decodes the raw JSON arguments of a call.
func (c ToolCall) ArgumentsMap() (map[string]any, error) {
	out := map[string]any{}
	if c.Arguments == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(c.Arguments), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type Options struct {
	Temperature *float64
	MaxTokens   *int
	// ToolChoice is sent as-is when non-empty ("auto", "none", "required").
	ToolChoice string
}

type Context struct {
	Model    string
	Messages []Message
	Tools    []Tool
	Options  Options
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

const (
	FinishStop         = "stop"
	FinishLength       = "length"
	FinishToolCalls    = "tool_calls"
	FinishFunctionCall = "function_call"
)

type Response struct {
	Message      Message
	FinishReason string
	Usage        Usage
}

// ToolCalls returns the calls requested by the model, if any.
func (r Response) ToolCalls() []ToolCall {
	return r.Message.ToolCalls
}

func (r Response) HasToolCalls() bool {
	return len(r.Message.ToolCalls) > 0
}

func (r Response) Text() string {
	return r.Message.Content
}

// LLMAdapter sends one chat completion request to a provider.
type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Name() string
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }

func Bool(v bool) *bool { return &v }
