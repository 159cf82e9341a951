// Package history keeps a chat transcript within a token budget.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/toolcall/pkg/errorsx"
	"github.com/harunnryd/toolcall/pkg/llm"
	"github.com/harunnryd/toolcall/pkg/metrics"
)

type Method string

const (
	MethodFIFO      Method = "fifo"
	MethodSummarize Method = "summarize"
)

var (
	ErrMessageTooLarge = errors.New("message exceeds maximum token count")
	ErrInvalidRole     = errors.New("invalid message role")
	ErrNoSummarizer    = errors.New("summarize compaction requires a summarizer")
)

// SummaryPrefix starts the system message that replaces summarized messages.
const SummaryPrefix = "Summary of the earlier conversation:\n"

// Summarizer condenses a run of messages into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

type Config struct {
	// TokenThreshold is the budget compaction trims down to.
	TokenThreshold int
	// MaxTokens caps a single message.
	MaxTokens int
	Method    Method
	KeepTop   int
	// KeepBottom bounds the message count when under the threshold; 0 disables
	// count trimming.
	KeepBottom int
}

func DefaultConfig() Config {
	return Config{
		TokenThreshold: 2000,
		MaxTokens:      4000,
		Method:         MethodFIFO,
		KeepTop:        1,
		KeepBottom:     6,
	}
}

func (c Config) Validate() error {
	switch c.Method {
	case MethodFIFO, MethodSummarize:
	default:
		return fmt.Errorf("compacting method must be fifo or summarize, got %q", c.Method)
	}
	if c.KeepTop < 0 {
		return fmt.Errorf("keep_top must be >= 0")
	}
	if c.KeepBottom < 0 {
		return fmt.Errorf("keep_bottom must be >= 0")
	}
	if c.TokenThreshold < 0 {
		return fmt.Errorf("token_threshold must be >= 0")
	}
	if c.TokenThreshold > c.MaxTokens {
		return fmt.Errorf("token_threshold must be <= max_tokens")
	}
	return nil
}

// Manager holds two views of a conversation: All keeps every message ever
// added, Messages is the compacted window that gets sent to the model.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	counter    Counter
	summarizer Summarizer
	obs        metrics.Observer
	log        *slog.Logger
	all        []llm.Message
	window     []llm.Message
}

// New validates cfg and adds seed messages without compacting them.
func New(cfg Config, counter Counter, seed ...llm.Message) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		counter = WordCounter{}
	}
	m := &Manager{
		cfg:     cfg,
		counter: counter,
		obs:     metrics.NoopObserver{},
		log:     slog.Default(),
		all:     llm.CloneMessages(seed),
		window:  llm.CloneMessages(seed),
	}
	return m, nil
}

func (m *Manager) SetSummarizer(s Summarizer) {
	m.mu.Lock()
	m.summarizer = s
	m.mu.Unlock()
}

func (m *Manager) SetObserver(obs metrics.Observer) {
	m.mu.Lock()
	m.obs = metrics.OrNoop(obs)
	m.mu.Unlock()
}

func (m *Manager) SetLogger(log *slog.Logger) {
	if log == nil {
		return
	}
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// Add appends msg to both views and compacts the window.
func (m *Manager) Add(ctx context.Context, msg llm.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := messageTokens(m.counter, msg); n > m.cfg.MaxTokens {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, m.cfg.MaxTokens)
	}
	msg = llm.CloneMessages([]llm.Message{msg})[0]
	m.all = append(m.all, msg)
	m.window = append(m.window, msg)
	if err := m.compactLocked(ctx); err != nil {
		// The window is already back within budget; the message stays.
		m.log.Warn("history_summarize_failed", "error", err, "tokens", m.totalLocked())
	}
	return nil
}

// Messages returns a copy of the compacted window.
func (m *Manager) Messages() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return llm.CloneMessages(m.window)
}

// All returns a copy of every message ever added.
func (m *Manager) All() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return llm.CloneMessages(m.all)
}

func (m *Manager) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

// Compact trims the window now. A summarizer failure is returned after the
// FIFO fallback has run.
func (m *Manager) Compact(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compactLocked(ctx)
}

func (m *Manager) totalLocked() int {
	return totalTokens(m.counter, m.window)
}

func totalTokens(c Counter, messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += messageTokens(c, msg)
	}
	return total
}

func (m *Manager) compactLocked(ctx context.Context) error {
	before := len(m.window)
	var summarizeErr error
	switch m.cfg.Method {
	case MethodSummarize:
		if m.totalLocked() > m.cfg.TokenThreshold {
			if err := m.summarizeLocked(ctx); err != nil {
				summarizeErr = errorsx.Wrap(err, errorsx.ReasonHistoryCompact)
			}
		}
		if m.totalLocked() > m.cfg.TokenThreshold {
			m.window = fifo(m.counter, m.window, m.cfg)
		}
	default:
		m.window = fifo(m.counter, m.window, m.cfg)
	}
	m.window = dropOrphans(m.window)
	if dropped := before - len(m.window); dropped > 0 {
		m.log.Debug("history_compacted", "dropped", dropped, "tokens", m.totalLocked(), "method", string(m.cfg.Method))
		m.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventHistoryCompacted,
			Time:  time.Now(),
			Value: float64(dropped),
			Tags:  map[string]string{"method": string(m.cfg.Method)},
		})
	}
	return summarizeErr
}

// summarizeLocked replaces the messages between the kept top and bottom with a
// single system message.
func (m *Manager) summarizeLocked(ctx context.Context) error {
	if m.summarizer == nil {
		return ErrNoSummarizer
	}
	top := min(m.cfg.KeepTop, len(m.window))
	bottom := len(m.window) - m.cfg.KeepBottom
	if bottom < top {
		bottom = top
	}
	middle := m.window[top:bottom]
	if len(middle) < 2 {
		return nil
	}
	summary, err := m.summarizer.Summarize(ctx, llm.CloneMessages(middle))
	if err != nil {
		return fmt.Errorf("summarize history: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}
	next := make([]llm.Message, 0, top+1+len(m.window)-bottom)
	next = append(next, m.window[:top]...)
	next = append(next, llm.SystemMessage(SummaryPrefix+summary))
	next = append(next, m.window[bottom:]...)
	m.window = next
	return nil
}

// fifo trims the window. Under the threshold it keeps the first KeepTop and
// last KeepBottom messages; over it, it drops the oldest message after the top
// until the budget fits.
func fifo(c Counter, window []llm.Message, cfg Config) []llm.Message {
	if totalTokens(c, window) <= cfg.TokenThreshold {
		if cfg.KeepBottom == 0 || len(window) <= cfg.KeepTop+cfg.KeepBottom {
			return window
		}
		out := make([]llm.Message, 0, cfg.KeepTop+cfg.KeepBottom)
		out = append(out, window[:cfg.KeepTop]...)
		return append(out, window[len(window)-cfg.KeepBottom:]...)
	}
	out := append([]llm.Message(nil), window...)
	for totalTokens(c, out) > cfg.TokenThreshold && len(out) > cfg.KeepTop {
		out = append(out[:cfg.KeepTop], out[cfg.KeepTop+1:]...)
	}
	if totalTokens(c, out) > cfg.TokenThreshold && len(out) > cfg.KeepTop {
		out = out[:cfg.KeepTop]
	}
	return out
}

// dropOrphans removes tool results whose requesting assistant message was
// trimmed, and assistant tool requests whose results were trimmed. The latest
// request is kept while its results are still arriving.
func dropOrphans(window []llm.Message) []llm.Message {
	requested := map[string]bool{}
	answered := map[string]bool{}
	lastTurn := -1
	for i, msg := range window {
		for _, call := range msg.ToolCalls {
			if call.ID != "" {
				requested[call.ID] = true
			}
		}
		if msg.Role == llm.RoleTool && msg.ToolCallID != "" && requested[msg.ToolCallID] {
			answered[msg.ToolCallID] = true
		}
		if msg.Role != llm.RoleTool {
			lastTurn = i
		}
	}
	out := make([]llm.Message, 0, len(window))
	for i, msg := range window {
		if msg.Role == llm.RoleTool && msg.ToolCallID != "" && !answered[msg.ToolCallID] {
			continue
		}
		if msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 && i < lastTurn && !allAnswered(msg.ToolCalls, answered) {
			continue
		}
		out = append(out, msg)
	}
	if len(out) < len(window) {
		return dropOrphans(out)
	}
	return out
}

func allAnswered(calls []llm.ToolCall, answered map[string]bool) bool {
	for _, call := range calls {
		if call.ID != "" && !answered[call.ID] {
			return false
		}
	}
	return true
}
