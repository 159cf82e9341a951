package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonLLMGenerate          ReasonCode = "llm_generate"
	ReasonLLMRateLimit         ReasonCode = "llm_rate_limit"
	ReasonLLMMalformedResponse ReasonCode = "llm_malformed_response"

	ReasonToolUnknown    ReasonCode = "tool_unknown"
	ReasonToolInvocation ReasonCode = "tool_invocation"
	ReasonToolSchema     ReasonCode = "tool_schema"

	ReasonHistoryCompact ReasonCode = "history_compact"

	ReasonTransportSend ReasonCode = "transport_send"
	ReasonConfigLoad    ReasonCode = "config_load"
)
