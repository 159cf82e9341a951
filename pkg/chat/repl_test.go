package chat

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/toolcall/pkg/history"
	"github.com/harunnryd/toolcall/pkg/llm"
	"github.com/harunnryd/toolcall/pkg/providers/mock"
)

func newREPL(t *testing.T, adapter *mock.LLMAdapter, rec *recorder, input string) (*REPL, *bytes.Buffer) {
	t.Helper()
	h, err := history.New(history.DefaultConfig(), history.WordCounter{}, llm.SystemMessage("You are helpful."))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	out := &bytes.Buffer{}
	return &REPL{
		Session: NewSession(adapter, newRegistry(t, rec)),
		History: h,
		In:      strings.NewReader(input),
		Out:     out,
	}, out
}

func TestREPLConfirmsAndRunsToolCalls(t *testing.T) {
	rec := &recorder{}
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{
		mock.CallTool("random_number", `{"min":1,"max":6}`),
		mock.Reply("You rolled 4."),
	}})
	r, out := newREPL(t, adapter, rec, "roll a die\nmaybe\ny\nexit\n")

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"Starting chat session. Type 'exit' to exit.",
		"Calling function: random_number",
		"Arguments: {\"min\":1,\"max\":6}",
		"Confirm function call? [Y/n]: Confirm function call? [Y/n]: ",
		"Assistant:\n    You rolled 4.",
		"Ending chat session.",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, text)
		}
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected the tool to run once, got %d", len(rec.calls))
	}
	all := r.History.All()
	if len(all) != 5 || all[3].Role != llm.RoleTool || all[4].Content != "You rolled 4." {
		t.Fatalf("unexpected history %+v", all)
	}
	for _, req := range adapter.Requests() {
		if len(req.Tools) != 2 {
			t.Fatalf("expected tools on every request")
		}
	}
}

func TestREPLSkipsDeclinedCall(t *testing.T) {
	rec := &recorder{}
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{
		mock.CallTool("random_number", `{"min":1,"max":6}`),
	}})
	r, out := newREPL(t, adapter, rec, "roll\nn\n")

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Function call skipped.") {
		t.Fatalf("expected skip notice, got:\n%s", out.String())
	}
	if len(rec.calls) != 0 || adapter.Calls() != 1 {
		t.Fatalf("declined call must not run or trigger a follow-up")
	}
	msgs := r.History.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleTool || !strings.Contains(last.Content, declinedOutput) {
		t.Fatalf("expected declined tool result in history, got %+v", last)
	}
}

func TestREPLNoConfirmAndToolFailure(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: []mock.Step{
		mock.CallTool("fail", "{}"),
		mock.Reply("Sorry, that failed."),
	}})
	r, out := newREPL(t, adapter, &recorder{}, "try it\n")
	r.NoConfirm = true
	r.Render = strings.ToUpper

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	if strings.Contains(text, "Confirm function call?") {
		t.Fatalf("no confirmation expected")
	}
	if !strings.Contains(text, "Function call failed:") || !strings.Contains(text, "SORRY, THAT FAILED.") {
		t.Fatalf("unexpected output:\n%s", text)
	}
	reqs := adapter.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected the error to be sent back to the model")
	}
	toolMsg := reqs[1].Messages[len(reqs[1].Messages)-1]
	if toolMsg.Role != llm.RoleTool || !strings.Contains(toolMsg.Content, "disk on fire") {
		t.Fatalf("unexpected tool message %+v", toolMsg)
	}
}

func TestREPLPrintsSendErrorsAndContinues(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{})
	r, out := newREPL(t, adapter, &recorder{}, "hello\nexit\n")
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Error: ") || !strings.Contains(out.String(), "Ending chat session.") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}
