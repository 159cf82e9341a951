// Package chat drives one request/response round trip against a chat model,
// optionally executing requested tool calls and sending their results back.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/toolcall/pkg/errorsx"
	"github.com/harunnryd/toolcall/pkg/function"
	"github.com/harunnryd/toolcall/pkg/llm"
	"github.com/harunnryd/toolcall/pkg/metrics"
	"github.com/harunnryd/toolcall/pkg/redact"
	"github.com/harunnryd/toolcall/pkg/resilience"
)

const DefaultModel = "gpt-3.5-turbo"

// Session sends conversations to a model and, when auto-handling is on,
// executes the tool calls it asks for. It never retries; wrap the adapter
// for that.
type Session struct {
	adapter    llm.LLMAdapter
	tools      llm.ToolRegistry
	model      string
	autoHandle bool
	verbose    bool
	defaults   llm.Options
	log        *slog.Logger
	obs        metrics.Observer
}

type Option func(*Session)

func WithModel(model string) Option {
	return func(s *Session) {
		if model != "" {
			s.model = model
		}
	}
}

// WithAutoHandle sets whether Send executes tool calls. Defaults to true.
func WithAutoHandle(enabled bool) Option {
	return func(s *Session) { s.autoHandle = enabled }
}

// WithVerbose logs tool names, arguments and outputs at info level.
func WithVerbose(verbose bool) Option {
	return func(s *Session) { s.verbose = verbose }
}

// WithDefaults sets request options used when SendOptions leaves them unset.
func WithDefaults(opts llm.Options) Option {
	return func(s *Session) { s.defaults = opts }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(s *Session) { s.obs = metrics.OrNoop(obs) }
}

// NewSession builds a session. tools may be nil when no functions are exposed.
func NewSession(adapter llm.LLMAdapter, tools llm.ToolRegistry, opts ...Option) *Session {
	s := &Session{
		adapter:    adapter,
		tools:      tools,
		model:      DefaultModel,
		autoHandle: true,
		log:        slog.Default().With("component", "chat"),
		obs:        metrics.NoopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Model() string { return s.model }

func (s *Session) AutoHandle() bool { return s.autoHandle }

// SendOptions override session settings for one Send. Nil pointers and empty
// strings keep the session value.
type SendOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
	ToolChoice  string
	AutoHandle  *bool
}

type ToolResult struct {
	Call    llm.ToolCall
	Output  string
	Message llm.Message
}

type Result struct {
	// Response is the final model reply.
	Response llm.Response
	// Initial is the first reply when a follow-up request was made.
	Initial *llm.Response
	// Messages is the input conversation followed by every message this Send
	// produced.
	Messages    []llm.Message
	ToolResults []ToolResult
}

func (r Result) Text() string { return r.Response.Text() }

// Pending returns tool calls in the final reply that were not executed.
func (r Result) Pending() []llm.ToolCall { return r.Response.ToolCalls() }

// Send performs one chat completion. If the reply requests tools and
// auto-handling is enabled, every requested call is executed and a single
// follow-up request delivers the results. A follow-up that asks for more tools
// is returned as-is with its calls pending.
func (s *Session) Send(ctx context.Context, messages []llm.Message, opts SendOptions) (Result, error) {
	input := s.buildContext(messages, opts)
	result := Result{Messages: llm.CloneMessages(messages)}

	resp, err := s.generate(ctx, input)
	if err != nil {
		return result, err
	}
	result.Response = resp
	result.Messages = append(result.Messages, resp.Message)

	auto := s.autoHandle
	if opts.AutoHandle != nil {
		auto = *opts.AutoHandle
	}
	if !resp.HasToolCalls() || !auto {
		return result, nil
	}

	for _, call := range resp.ToolCalls() {
		msg, err := s.HandleToolCall(ctx, call)
		if err != nil {
			return result, err
		}
		result.ToolResults = append(result.ToolResults, ToolResult{Call: call, Output: msg.Content, Message: msg})
		result.Messages = append(result.Messages, msg)
	}

	initial := resp
	result.Initial = &initial
	input.Messages = llm.CloneMessages(result.Messages)
	followUp, err := s.generate(ctx, input)
	if err != nil {
		return result, err
	}
	result.Response = followUp
	result.Messages = append(result.Messages, followUp.Message)
	return result, nil
}

// HandleToolCall executes one call through the registry and returns the
// message carrying its result back to the model.
func (s *Session) HandleToolCall(ctx context.Context, call llm.ToolCall) (llm.Message, error) {
	start := time.Now()
	if s.tools == nil {
		err := &function.UnknownFunctionError{Name: call.Name}
		s.recordTool(metrics.EventToolError, call, start, err)
		return llm.Message{}, errorsx.Wrap(err, errorsx.ReasonToolUnknown)
	}

	level := slog.LevelDebug
	if s.verbose {
		level = slog.LevelInfo
	}
	s.log.Log(ctx, level, "tool_call_started", "tool", call.Name, "call_id", call.ID, "arguments", redact.Text(call.Arguments))

	output, err := s.tools.HandleTool(ctx, call.Name, call.Arguments)
	if err != nil {
		s.log.Warn("tool_call_failed", "tool", call.Name, "call_id", call.ID, "error", err)
		s.recordTool(metrics.EventToolError, call, start, err)
		if errors.Is(err, function.ErrUnknownFunction) {
			return llm.Message{}, errorsx.Wrap(err, errorsx.ReasonToolUnknown)
		}
		var inv *function.InvocationError
		if !errors.As(err, &inv) {
			err = &function.InvocationError{Name: call.Name, Err: err}
		}
		return llm.Message{}, errorsx.Wrap(err, errorsx.ReasonToolInvocation)
	}

	s.log.Log(ctx, level, "tool_call_executed", "tool", call.Name, "call_id", call.ID, "output", redact.Truncate(redact.Text(output), 200))
	s.recordTool(metrics.EventToolCall, call, start, nil)
	return ToolResultMessage(call, output), nil
}

// ToolResultMessage formats a call's output the way it is sent back to the
// model. Calls without an ID use the legacy function role.
func ToolResultMessage(call llm.ToolCall, output string) llm.Message {
	content := fmt.Sprintf("Function input:\n%s\nFunction output:\n%s", call.Arguments, output)
	if call.ID == "" {
		return llm.FunctionMessage(call.Name, content)
	}
	return llm.ToolMessage(call.ID, call.Name, content)
}

func (s *Session) buildContext(messages []llm.Message, opts SendOptions) llm.Context {
	model := opts.Model
	if model == "" {
		model = s.model
	}
	options := s.defaults
	if opts.Temperature != nil {
		options.Temperature = opts.Temperature
	}
	if opts.MaxTokens != nil {
		options.MaxTokens = opts.MaxTokens
	}
	if opts.ToolChoice != "" {
		options.ToolChoice = opts.ToolChoice
	}
	var tools []llm.Tool
	if s.tools != nil {
		tools = s.tools.Tools()
	}
	return llm.Context{
		Model:    model,
		Messages: llm.CloneMessages(messages),
		Tools:    tools,
		Options:  options,
	}
}

func (s *Session) generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	tags := map[string]string{"provider": s.adapter.Name(), "model": input.Model}
	start := time.Now()
	s.obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventLLMRequest, Time: start, Tags: tags})
	s.log.Debug("chat_send", "model", input.Model, "messages", len(input.Messages), "tools", len(input.Tools))

	resp, err := s.adapter.Generate(ctx, input)
	elapsed := time.Since(start)
	if err != nil {
		reason := errorsx.ReasonLLMGenerate
		switch {
		case resilience.IsRateLimit(err):
			reason = errorsx.ReasonLLMRateLimit
		case errors.Is(err, llm.ErrMalformedResponse):
			reason = errorsx.ReasonLLMMalformedResponse
		}
		s.log.Warn("chat_send_failed", "model", input.Model, "reason", reason, "error", err)
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventLLMError,
			Time:  time.Now(),
			Value: float64(elapsed.Milliseconds()),
			Tags:  withTag(tags, "reason", string(reason)),
		})
		return llm.Response{}, errorsx.Wrap(fmt.Errorf("chat completion: %w", err), reason)
	}

	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventLLMResponse,
		Time:  time.Now(),
		Value: float64(elapsed.Milliseconds()),
		Tags:  withTag(tags, "finish_reason", resp.FinishReason),
		Fields: map[string]any{
			"tool_calls":        len(resp.ToolCalls()),
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	})
	return resp, nil
}

func (s *Session) recordTool(name string, call llm.ToolCall, start time.Time, err error) {
	ev := metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: float64(time.Since(start).Milliseconds()),
		Tags:  map[string]string{"tool": call.Name},
	}
	if err != nil {
		ev.Fields = map[string]any{"error": err.Error()}
	}
	s.obs.RecordEvent(ev)
}

func withTag(tags map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out[key] = value
	return out
}
