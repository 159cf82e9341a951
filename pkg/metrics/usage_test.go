package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestUsageObserverTotals(t *testing.T) {
	o := NewUsageObserver("")
	tags := map[string]string{"model": "gpt-4o-mini"}
	o.RecordEvent(MetricsEvent{Name: EventLLMRequest, Tags: tags})
	o.RecordEvent(MetricsEvent{Name: EventLLMResponse, Tags: tags, Value: 120, Fields: map[string]any{
		"prompt_tokens": 40, "completion_tokens": 10, "total_tokens": 50,
	}})
	o.RecordEvent(MetricsEvent{Name: EventLLMRequest, Tags: tags})
	o.RecordEvent(MetricsEvent{Name: EventLLMError, Tags: tags, Value: 30})
	o.RecordEvent(MetricsEvent{Name: EventToolCall, Tags: map[string]string{"tool": "random_number"}})
	o.RecordEvent(MetricsEvent{Name: EventToolError, Tags: map[string]string{"tool": "random_number"}})

	s := o.Summary()
	if len(s.Models) != 1 {
		t.Fatalf("expected one model, got %d", len(s.Models))
	}
	u := s.Models[0]
	if u.Requests != 2 || u.Errors != 1 || u.TotalTokens != 50 || u.CompletionTokens != 10 {
		t.Fatalf("unexpected usage %+v", u)
	}
	if u.LatencyMS != 150 {
		t.Fatalf("expected latency 150, got %v", u.LatencyMS)
	}
	if s.ToolCalls["random_number"] != 1 || s.ToolErrors["random_number"] != 1 {
		t.Fatalf("unexpected tool counts %+v %+v", s.ToolCalls, s.ToolErrors)
	}
}

func TestUsageObserverWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "usage.json")
	o := NewUsageObserver(path)
	o.RecordEvent(MetricsEvent{Name: EventLLMRequest, Tags: map[string]string{"model": "m"}})
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var s UsageSummary
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(s.Models) != 1 || s.Models[0].Requests != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestUsageObserverNoPath(t *testing.T) {
	if err := NewUsageObserver(" ").Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
