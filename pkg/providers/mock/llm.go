package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/harunnryd/toolcall/pkg/llm"
)

// ErrScriptExhausted is returned once every scripted reply has been consumed
// and no fallback text is configured.
var ErrScriptExhausted = errors.New("mock: no scripted responses left")

// Step is one scripted reply. A non-nil Err is returned instead of the reply.
type Step struct {
	Text      string
	ToolCalls []llm.ToolCall
	Err       error
}

type LLMConfig struct {
	Steps []Step
	// ResponseText answers every request after the script runs out.
	ResponseText string
}

// LLMAdapter replays a script and records every request it receives.
type LLMAdapter struct {
	mu       sync.Mutex
	cfg      LLMConfig
	next     int
	requests []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	return &LLMAdapter{cfg: cfg}
}

// Reply is a shortcut for a single text step.
func Reply(text string) Step { return Step{Text: text} }

// CallTool is a shortcut for a step requesting one tool call.
func CallTool(name, arguments string) Step {
	return Step{ToolCalls: []llm.ToolCall{{Name: name, Arguments: arguments}}}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	input.Messages = llm.CloneMessages(input.Messages)
	a.requests = append(a.requests, input)

	var step Step
	switch {
	case a.next < len(a.cfg.Steps):
		step = a.cfg.Steps[a.next]
		a.next++
	case a.cfg.ResponseText != "":
		step = Step{Text: a.cfg.ResponseText}
	default:
		return llm.Response{}, ErrScriptExhausted
	}
	if step.Err != nil {
		return llm.Response{}, step.Err
	}

	msg := llm.AssistantMessage(step.Text)
	finish := llm.FinishStop
	for _, call := range step.ToolCalls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
		finish = llm.FinishToolCalls
	}
	return llm.Response{Message: msg, FinishReason: finish}, nil
}

// Requests returns a copy of every context passed to Generate.
func (a *LLMAdapter) Requests() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.requests...)
}

func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}
