package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/toolcall/pkg/errorsx"
	"github.com/harunnryd/toolcall/pkg/function"
	"github.com/harunnryd/toolcall/pkg/llm"
	"github.com/harunnryd/toolcall/pkg/metrics"
	"github.com/harunnryd/toolcall/pkg/providers/mock"
	"github.com/harunnryd/toolcall/pkg/resilience"
)

type rangeArgs struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type recorder struct {
	calls []rangeArgs
}

func newRegistry(t *testing.T, rec *recorder) *function.Registry {
	t.Helper()
	reg := function.NewRegistry()
	_, err := function.Register(reg, "random_number", "Generate a random number.", func(ctx context.Context, a rangeArgs) (int, error) {
		rec.calls = append(rec.calls, a)
		return 4, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	function.MustRegister(reg, "fail", "Always fails.", func(ctx context.Context, a struct{}) (string, error) {
		return "", errors.New("disk on fire")
	})
	return reg
}

func TestSendInvokesRegisteredFunction(t *testing.T) {
	rec := &recorder{}
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{
		mock.CallTool("random_number", `{"min":1,"max":10}`),
		mock.Reply("Your number is 4."),
	}})
	obs := metrics.NewMemoryObserver()
	s := NewSession(adapter, newRegistry(t, rec), WithObserver(obs))

	result, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("pick a number")}, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0] != (rangeArgs{Min: 1, Max: 10}) {
		t.Fatalf("expected one call with min=1 max=10, got %+v", rec.calls)
	}
	if result.Text() != "Your number is 4." {
		t.Fatalf("unexpected final text %q", result.Text())
	}
	if result.Initial == nil || !result.Initial.HasToolCalls() {
		t.Fatalf("expected initial tool-call reply to be kept")
	}
	if len(result.ToolResults) != 1 || result.ToolResults[0].Output != "Function input:\n{\"min\":1,\"max\":10}\nFunction output:\n4" {
		t.Fatalf("unexpected tool results %+v", result.ToolResults)
	}

	reqs := adapter.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected exactly one follow-up request, got %d requests", len(reqs))
	}
	if len(reqs[0].Tools) != 2 || reqs[0].Model != DefaultModel {
		t.Fatalf("expected tools and default model on first request, got %+v", reqs[0])
	}
	follow := reqs[1].Messages
	if len(follow) != 3 || follow[1].Role != llm.RoleAssistant || follow[2].Role != llm.RoleTool {
		t.Fatalf("unexpected follow-up messages %+v", follow)
	}
	if follow[2].ToolCallID != follow[1].ToolCalls[0].ID {
		t.Fatalf("tool result must reference the call id")
	}
	if len(result.Messages) != 4 {
		t.Fatalf("expected user, assistant, tool, assistant; got %d messages", len(result.Messages))
	}
	if obs.Count(metrics.EventToolCall) != 1 || obs.Count(metrics.EventLLMRequest) != 2 {
		t.Fatalf("unexpected metrics %v", obs.Events())
	}
}

func TestSendUnknownToolReturnsError(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{mock.CallTool("launch_rockets", "{}")}})
	s := NewSession(adapter, newRegistry(t, &recorder{}))

	result, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("go")}, SendOptions{})
	if !errors.Is(err, function.ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonToolUnknown) {
		t.Fatalf("expected tool_unknown reason, got %s", errorsx.Reason(err))
	}
	if !result.Response.HasToolCalls() {
		t.Fatalf("expected the tool-call reply to be returned alongside the error")
	}
	if adapter.Calls() != 1 {
		t.Fatalf("no follow-up must be sent after a failed call")
	}
}

func TestSendWithoutRegistryTreatsCallsAsUnknown(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{mock.CallTool("anything", "{}")}})
	s := NewSession(adapter, nil)
	_, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("go")}, SendOptions{})
	if !errors.Is(err, function.ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
	if reqs := adapter.Requests(); len(reqs[0].Tools) != 0 {
		t.Fatalf("expected no tools without a registry")
	}
}

func TestSendInvocationErrorKeepsCause(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{mock.CallTool("fail", "{}")}})
	s := NewSession(adapter, newRegistry(t, &recorder{}))
	_, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("go")}, SendOptions{})
	var inv *function.InvocationError
	if !errors.As(err, &inv) || inv.Name != "fail" {
		t.Fatalf("expected InvocationError for fail, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("expected cause in message, got %q", err.Error())
	}
	if !errorsx.HasReason(err, errorsx.ReasonToolInvocation) {
		t.Fatalf("expected tool_invocation reason")
	}
}

func TestSendAutoHandleDisabledReturnsPendingCall(t *testing.T) {
	rec := &recorder{}
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{
		mock.CallTool("random_number", `{"min":1,"max":2}`),
	}})
	s := NewSession(adapter, newRegistry(t, rec), WithAutoHandle(false))

	result, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("pick")}, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("no function may run when auto-handling is off")
	}
	pending := result.Pending()
	if len(pending) != 1 || pending[0].Name != "random_number" || pending[0].Arguments != `{"min":1,"max":2}` {
		t.Fatalf("expected the raw pending call, got %+v", pending)
	}
	if result.Initial != nil || adapter.Calls() != 1 {
		t.Fatalf("expected a single request and no follow-up")
	}
}

func TestSendOptionOverridesAutoHandle(t *testing.T) {
	rec := &recorder{}
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{mock.CallTool("random_number", `{"min":1,"max":2}`)}})
	s := NewSession(adapter, newRegistry(t, rec))
	off := false
	result, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("pick")}, SendOptions{AutoHandle: &off})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.calls) != 0 || len(result.Pending()) != 1 {
		t.Fatalf("expected pending call without invocation")
	}
}

func TestSendPlainReplyUnchanged(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{mock.Reply("  Hello there!\n")}})
	s := NewSession(adapter, newRegistry(t, &recorder{}))
	result, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("hi")}, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Text() != "  Hello there!\n" {
		t.Fatalf("expected reply text unchanged, got %q", result.Text())
	}
	if len(result.Pending()) != 0 || len(result.ToolResults) != 0 || adapter.Calls() != 1 {
		t.Fatalf("expected a single plain round trip")
	}
}

func TestSendPassesOptions(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "ok"})
	s := NewSession(adapter, nil, WithModel("gpt-4o"), WithDefaults(llm.Options{MaxTokens: llm.Int(64)}))
	_, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("hi")}, SendOptions{Temperature: llm.Float(0.5)})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req := adapter.Requests()[0]
	if req.Model != "gpt-4o" || *req.Options.Temperature != 0.5 || *req.Options.MaxTokens != 64 {
		t.Fatalf("unexpected request %+v", req)
	}
	_, _ = s.Send(context.Background(), []llm.Message{llm.UserMessage("hi")}, SendOptions{Model: "o1"})
	if adapter.Requests()[1].Model != "o1" {
		t.Fatalf("expected per-call model override")
	}
}

func TestSendDoesNotMutateInput(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{
		mock.CallTool("random_number", `{"min":1,"max":2}`),
		mock.Reply("done"),
	}})
	s := NewSession(adapter, newRegistry(t, &recorder{}))
	input := make([]llm.Message, 1, 8)
	input[0] = llm.UserMessage("pick")
	if _, err := s.Send(context.Background(), input, SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(input) != 1 || input[:2][1].Role != "" {
		t.Fatalf("input slice must not be modified")
	}
}

func TestSendSurfacesTransportErrors(t *testing.T) {
	cases := []struct {
		err    error
		reason errorsx.ReasonCode
	}{
		{errors.New("connection refused"), errorsx.ReasonLLMGenerate},
		{resilience.RateLimitError{Provider: "openai"}, errorsx.ReasonLLMRateLimit},
		{llm.ErrMalformedResponse, errorsx.ReasonLLMMalformedResponse},
	}
	for _, tc := range cases {
		adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{{Err: tc.err}, mock.Reply("unused")}})
		s := NewSession(adapter, nil)
		_, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("hi")}, SendOptions{})
		if !errors.Is(err, tc.err) && !resilience.IsRateLimit(err) {
			t.Fatalf("expected %v to be surfaced, got %v", tc.err, err)
		}
		if errorsx.Reason(err) != tc.reason {
			t.Fatalf("expected reason %s, got %s", tc.reason, errorsx.Reason(err))
		}
		if adapter.Calls() != 1 {
			t.Fatalf("session must not retry")
		}
	}
}

func TestFollowUpToolCallsArePending(t *testing.T) {
	rec := &recorder{}
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{
		mock.CallTool("random_number", `{"min":1,"max":2}`),
		mock.CallTool("random_number", `{"min":3,"max":4}`),
	}})
	s := NewSession(adapter, newRegistry(t, rec))
	result, err := s.Send(context.Background(), []llm.Message{llm.UserMessage("two numbers")}, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.calls) != 1 || len(result.Pending()) != 1 || adapter.Calls() != 2 {
		t.Fatalf("expected one executed call, one pending call and two requests")
	}
}

func TestToolResultMessageLegacyCall(t *testing.T) {
	msg := ToolResultMessage(llm.ToolCall{Name: "f", Arguments: "{}"}, "out")
	if msg.Role != llm.RoleFunction || msg.Name != "f" {
		t.Fatalf("expected function-role message, got %+v", msg)
	}
}

func TestSummarizeUsesTranscript(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{mock.Reply(" short summary ")}})
	s := NewSession(adapter, newRegistry(t, &recorder{}))
	text, err := s.Summarize(context.Background(), []llm.Message{llm.UserMessage("hi"), llm.AssistantMessage("hello")})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if text != "short summary" {
		t.Fatalf("unexpected summary %q", text)
	}
	req := adapter.Requests()[0]
	if len(req.Tools) != 0 || !strings.Contains(req.Messages[1].Content, "user: hi\nassistant: hello") {
		t.Fatalf("unexpected summarize request %+v", req)
	}
}
