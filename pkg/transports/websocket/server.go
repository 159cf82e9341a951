// Package websocket serves chat sessions over websocket connections. Each
// connection gets its own id and history.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/toolcall/pkg/chat"
	"github.com/harunnryd/toolcall/pkg/errorsx"
	"github.com/harunnryd/toolcall/pkg/history"
	"github.com/harunnryd/toolcall/pkg/llm"
)

const (
	FrameUser      = "user"
	FrameReset     = "reset"
	FrameReady     = "ready"
	FrameAssistant = "assistant"
	FrameError     = "error"
)

// Frame is the JSON envelope exchanged with clients.
type Frame struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Text      string       `json:"text,omitempty"`
	ToolCalls []ToolReport `json:"tool_calls,omitempty"`
	Pending   []string     `json:"pending,omitempty"`
	Error     string       `json:"error,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// ToolReport describes a tool call executed while answering a message.
type ToolReport struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"`
}

type Config struct {
	Addr           string   `mapstructure:"addr"`
	Path           string   `mapstructure:"path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// SystemPrompt seeds every new connection's history.
	SystemPrompt string `mapstructure:"system_prompt"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// HistoryFactory builds the history for a new connection.
type HistoryFactory func(seed ...llm.Message) (*history.Manager, error)

type Server struct {
	cfg        Config
	session    *chat.Session
	newHistory HistoryFactory
	upgrader   websocket.Upgrader
	log        *slog.Logger

	server   *http.Server
	listener net.Listener

	mu    sync.Mutex
	conns map[string]*conn
	wg    sync.WaitGroup

	draining atomic.Bool
}

type conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(f)
}

func (c *conn) close(code int, text string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

func New(cfg Config, session *chat.Session, newHistory HistoryFactory) *Server {
	cfg = cfg.withDefaults()
	if newHistory == nil {
		newHistory = func(seed ...llm.Message) (*history.Manager, error) {
			return history.New(history.DefaultConfig(), history.WordCounter{}, seed...)
		}
	}
	s := &Server{
		cfg:        cfg,
		session:    session,
		newHistory: newHistory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:   slog.Default().With("component", "websocket"),
		conns: make(map[string]*conn),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log
	}
}

func (s *Server) Name() string { return "websocket" }

// Handler returns the mux serving the websocket path and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start binds the listen address and serves in the background until ctx is
// done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonTransportSend, "listen %s", s.cfg.Addr)
	}
	s.listener = ln
	s.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket_server_error", "error", err.Error())
		}
	}()
	s.log.Info("websocket_server_started", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Drain refuses new connections, closes open ones and waits for their
// handlers to return.
func (s *Server) Drain() error {
	s.draining.Store(true)
	s.mu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
	return nil
}

func (s *Server) Stop() error {
	err := s.Drain()
	if s.server != nil {
		if cerr := s.server.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws}
	s.attach(c)
	defer s.detach(c)
	defer ws.Close()

	log := s.log.With("session_id", c.id)
	hist, err := s.freshHistory()
	if err != nil {
		_ = c.write(Frame{Type: FrameError, SessionID: c.id, Error: err.Error()})
		return
	}
	if err := c.write(Frame{Type: FrameReady, SessionID: c.id}); err != nil {
		return
	}
	log.Info("websocket_session_started")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			_ = c.write(Frame{Type: FrameError, SessionID: c.id, Error: "invalid frame: " + err.Error()})
			continue
		}
		switch in.Type {
		case FrameUser:
			out := s.answer(r.Context(), hist, in.Text)
			out.SessionID = c.id
			if err := c.write(out); err != nil {
				log.Warn("websocket_write_failed", "error", err)
				return
			}
		case FrameReset:
			if hist, err = s.freshHistory(); err != nil {
				_ = c.write(Frame{Type: FrameError, SessionID: c.id, Error: err.Error()})
				return
			}
			_ = c.write(Frame{Type: FrameReady, SessionID: c.id})
		default:
			_ = c.write(Frame{Type: FrameError, SessionID: c.id, Error: "unknown frame type " + in.Type})
		}
	}
	log.Info("websocket_session_ended")
}

func (s *Server) answer(ctx context.Context, hist *history.Manager, text string) Frame {
	if strings.TrimSpace(text) == "" {
		return Frame{Type: FrameError, Error: "empty message"}
	}
	if err := hist.Add(ctx, llm.UserMessage(text)); err != nil {
		return errorFrame(err)
	}
	input := hist.Messages()
	result, err := s.session.Send(ctx, input, chat.SendOptions{})
	if err != nil {
		return errorFrame(err)
	}
	for _, msg := range result.Messages[len(input):] {
		if err := hist.Add(ctx, msg); err != nil {
			return errorFrame(err)
		}
	}

	out := Frame{Type: FrameAssistant, Text: result.Text()}
	for _, tr := range result.ToolResults {
		out.ToolCalls = append(out.ToolCalls, ToolReport{Name: tr.Call.Name, Arguments: tr.Call.Arguments, Output: tr.Output})
	}
	for _, call := range result.Pending() {
		out.Pending = append(out.Pending, call.Name)
	}
	return out
}

func errorFrame(err error) Frame {
	return Frame{Type: FrameError, Error: err.Error(), Reason: string(errorsx.Reason(err))}
}

func (s *Server) freshHistory() (*history.Manager, error) {
	var seed []llm.Message
	if prompt := strings.TrimSpace(s.cfg.SystemPrompt); prompt != "" {
		seed = append(seed, llm.SystemMessage(prompt))
	}
	return s.newHistory(seed...)
}

func (s *Server) attach(c *conn) {
	s.wg.Add(1)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) detach(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

// Sessions returns the number of open connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
