package metrics

import "time"

const (
	EventLLMRequest       = "llm_request"
	EventLLMResponse      = "llm_response"
	EventLLMError         = "llm_error"
	EventToolCall         = "tool_call"
	EventToolError        = "tool_error"
	EventRateLimit        = "rate_limit"
	EventBreakerOpen      = "breaker_open"
	EventBreakerClose     = "breaker_close"
	EventBreakerDenied    = "breaker_denied"
	EventHistoryCompacted = "history_compacted"
	EventMetricsDropped   = "metrics_dropped"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// Closer is implemented by observers holding files or goroutines.
type Closer interface {
	Close() error
}

// CloseObserver closes obs when it is a Closer.
func CloseObserver(obs Observer) error {
	if c, ok := obs.(Closer); ok {
		return c.Close()
	}
	return nil
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}
