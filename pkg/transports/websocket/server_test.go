package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/toolcall/pkg/chat"
	"github.com/harunnryd/toolcall/pkg/function"
	"github.com/harunnryd/toolcall/pkg/llm"
	"github.com/harunnryd/toolcall/pkg/providers/mock"
)

type echoArgs struct {
	Text string `json:"text"`
}

func newTestServer(t *testing.T, steps ...mock.Step) (*Server, *httptest.Server, *mock.LLMAdapter) {
	t.Helper()
	reg := function.NewRegistry()
	function.MustRegister(reg, "echo", "Echo text back.", func(ctx context.Context, a echoArgs) (string, error) {
		return a.Text, nil
	})
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Steps: steps})
	srv := New(Config{Path: "/ws", SystemPrompt: "You are a test bot."}, chat.NewSession(adapter, reg), nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, hs, adapter
}

func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestServerAnswersWithToolCalls(t *testing.T) {
	_, hs, adapter := newTestServer(t,
		mock.CallTool("echo", `{"text":"ping"}`),
		mock.Reply("The tool said ping."),
	)
	ws := dial(t, hs)

	ready := readFrame(t, ws)
	if ready.Type != FrameReady || ready.SessionID == "" {
		t.Fatalf("expected ready frame with session id, got %+v", ready)
	}
	if err := ws.WriteJSON(Frame{Type: FrameUser, Text: "call echo"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := readFrame(t, ws)
	if out.Type != FrameAssistant || out.Text != "The tool said ping." || out.SessionID != ready.SessionID {
		t.Fatalf("unexpected reply %+v", out)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "echo" {
		t.Fatalf("expected tool report, got %+v", out.ToolCalls)
	}

	first := adapter.Requests()[0]
	if first.Messages[0].Role != llm.RoleSystem || first.Messages[1].Content != "call echo" {
		t.Fatalf("expected system prompt then user message, got %+v", first.Messages)
	}
}

func TestServerKeepsHistoryPerConnection(t *testing.T) {
	_, hs, adapter := newTestServer(t, mock.Reply("one"), mock.Reply("two"))
	ws := dial(t, hs)
	readFrame(t, ws)

	_ = ws.WriteJSON(Frame{Type: FrameUser, Text: "first"})
	readFrame(t, ws)
	_ = ws.WriteJSON(Frame{Type: FrameUser, Text: "second"})
	if out := readFrame(t, ws); out.Text != "two" {
		t.Fatalf("unexpected reply %+v", out)
	}
	msgs := adapter.Requests()[1].Messages
	if len(msgs) != 4 || msgs[2].Content != "one" || msgs[3].Content != "second" {
		t.Fatalf("expected prior turn in second request, got %+v", msgs)
	}
}

func TestServerReportsErrors(t *testing.T) {
	_, hs, _ := newTestServer(t, mock.CallTool("missing", "{}"))
	ws := dial(t, hs)
	readFrame(t, ws)

	_ = ws.WriteJSON(Frame{Type: FrameUser, Text: "go"})
	out := readFrame(t, ws)
	if out.Type != FrameError || out.Reason != "tool_unknown" {
		t.Fatalf("expected tool_unknown error frame, got %+v", out)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out := readFrame(t, ws); out.Type != FrameError {
		t.Fatalf("expected error for invalid JSON, got %+v", out)
	}
}

func TestServerDrainRejectsNewConnections(t *testing.T) {
	srv, hs, _ := newTestServer(t)
	ws := dial(t, hs)
	readFrame(t, ws)

	if err := srv.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if srv.Sessions() != 0 {
		t.Fatalf("expected all sessions closed, got %d", srv.Sessions())
	}
	resp, err := http.Get(hs.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", resp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := New(Config{AllowedOrigins: []string{"https://app.example.com", "localhost:3000"}}, nil, nil)
	cases := map[string]bool{
		"":                         true,
		"https://app.example.com":  true,
		"http://localhost:3000":    true,
		"https://evil.example.com": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := srv.checkOrigin(r); got != want {
			t.Fatalf("origin %q: expected %v, got %v", origin, want, got)
		}
	}
}
