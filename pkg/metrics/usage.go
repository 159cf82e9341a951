package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ModelUsage tallies requests and tokens for one model.
type ModelUsage struct {
	Model            string  `json:"model"`
	Requests         int     `json:"requests"`
	Errors           int     `json:"errors"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	LatencyMS        float64 `json:"latency_ms"`
}

type UsageSummary struct {
	Models        []ModelUsage   `json:"models"`
	ToolCalls     map[string]int `json:"tool_calls,omitempty"`
	ToolErrors    map[string]int `json:"tool_errors,omitempty"`
	RecordedAtUTC string         `json:"recorded_at_utc"`
}

// UsageObserver aggregates llm and tool events and writes the totals to a
// JSON file on Close.
type UsageObserver struct {
	path   string
	mu     sync.Mutex
	models map[string]*ModelUsage
	calls  map[string]int
	errs   map[string]int
}

func NewUsageObserver(path string) *UsageObserver {
	return &UsageObserver{
		path:   path,
		models: make(map[string]*ModelUsage),
		calls:  make(map[string]int),
		errs:   make(map[string]int),
	}
}

func (o *UsageObserver) RecordEvent(ev MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case EventLLMRequest:
		o.model(ev).Requests++
	case EventLLMError:
		u := o.model(ev)
		u.Errors++
		u.LatencyMS += ev.Value
	case EventLLMResponse:
		u := o.model(ev)
		u.LatencyMS += ev.Value
		u.PromptTokens += intField(ev.Fields, "prompt_tokens")
		u.CompletionTokens += intField(ev.Fields, "completion_tokens")
		u.TotalTokens += intField(ev.Fields, "total_tokens")
	case EventToolCall:
		o.calls[ev.Tags["tool"]]++
	case EventToolError:
		o.errs[ev.Tags["tool"]]++
	}
}

func (o *UsageObserver) model(ev MetricsEvent) *ModelUsage {
	name := ev.Tags["model"]
	u := o.models[name]
	if u == nil {
		u = &ModelUsage{Model: name}
		o.models[name] = u
	}
	return u
}

// Summary returns a snapshot with models sorted by name.
func (o *UsageObserver) Summary() UsageSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := UsageSummary{
		Models:        make([]ModelUsage, 0, len(o.models)),
		ToolCalls:     copyCounts(o.calls),
		ToolErrors:    copyCounts(o.errs),
		RecordedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	for _, u := range o.models {
		out.Models = append(out.Models, *u)
	}
	sort.Slice(out.Models, func(i, j int) bool { return out.Models[i].Model < out.Models[j].Model })
	return out
}

// Close writes the summary. It is a no-op without a path.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.path) == "" {
		return nil
	}
	b, err := json.MarshalIndent(o.Summary(), "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(o.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(o.path, b, 0o644)
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func copyCounts(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Observer = (*UsageObserver)(nil)
