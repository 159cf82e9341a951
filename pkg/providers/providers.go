// Package providers builds chat adapters from configuration.
package providers

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/toolcall/pkg/config"
	"github.com/harunnryd/toolcall/pkg/configutil"
	"github.com/harunnryd/toolcall/pkg/errorsx"
	"github.com/harunnryd/toolcall/pkg/llm"
	"github.com/harunnryd/toolcall/pkg/metrics"
	"github.com/harunnryd/toolcall/pkg/providers/mock"
	"github.com/harunnryd/toolcall/pkg/providers/openai"
	"github.com/harunnryd/toolcall/pkg/providers/openaisdk"
	"github.com/harunnryd/toolcall/pkg/resilience"
)

// Settings are the keys accepted under llm.settings.
type Settings struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	Organization      string `mapstructure:"organization"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryBaseDelayMS  int    `mapstructure:"retry_base_delay_ms"`
	BreakerThreshold  int    `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int    `mapstructure:"breaker_cooldown_ms"`
	ResponseText      string `mapstructure:"response_text"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{
		"api_key", "base_url", "organization", "timeout_ms",
		"max_retries", "retry_base_delay_ms",
		"breaker_threshold", "breaker_cooldown_ms",
		"response_text",
	},
}

// Factory builds an adapter for one provider name.
type Factory func(cfg config.Config, s Settings) (llm.LLMAdapter, error)

type Registry struct {
	llm map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{llm: make(map[string]Factory)}
}

// Default returns a registry with openai, openai_sdk and mock registered.
func Default() *Registry {
	r := NewRegistry()
	r.Register("openai", buildOpenAI)
	r.Register("openai_sdk", buildOpenAISDK)
	r.Register("mock", buildMock)
	return r
}

func (r *Registry) Register(name string, factory Factory) {
	r.llm[normalize(name)] = factory
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.llm))
	for name := range r.llm {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build decodes llm.settings, constructs the provider adapter and wraps it
// with retries and a circuit breaker when those settings are positive.
func (r *Registry) Build(cfg config.Config, obs metrics.Observer) (llm.LLMAdapter, error) {
	fn := r.llm[normalize(cfg.LLM.Provider)]
	if fn == nil {
		return nil, errorsx.Wrap(fmt.Errorf("llm provider not registered: %q (have %s)",
			cfg.LLM.Provider, strings.Join(r.Names(), ", ")), errorsx.ReasonConfigLoad)
	}
	var s Settings
	if err := configutil.DecodeValidated("llm.settings", cfg.LLM.Provider, cfg.LLM.Settings, settingsSchema, &s); err != nil {
		return nil, err
	}
	adapter, err := fn(cfg, s)
	if err != nil {
		return nil, err
	}
	if s.MaxRetries > 0 {
		adapter = llm.NewRetryAdapter(adapter, llm.RetryConfig{
			MaxAttempts: s.MaxRetries + 1,
			BaseDelay:   configutil.MillisValue(s.RetryBaseDelayMS, 200*time.Millisecond),
			Jitter:      0.2,
		})
	}
	if s.BreakerThreshold > 0 {
		breaker := llm.NewCircuitBreakerAdapter(adapter, resilience.NewCircuitBreaker(
			s.BreakerThreshold,
			configutil.MillisValue(s.BreakerCooldownMS, 30*time.Second),
		))
		breaker.SetObserver(obs)
		adapter = breaker
	}
	return adapter, nil
}

func buildOpenAI(cfg config.Config, s Settings) (llm.LLMAdapter, error) {
	key, err := apiKey(s)
	if err != nil {
		return nil, err
	}
	a := openai.NewAdapter(key, cfg.Chat.Model)
	if s.BaseURL != "" {
		a.BaseURL = s.BaseURL
	}
	a.Organization = s.Organization
	a.Client = &http.Client{Timeout: configutil.MillisValue(s.TimeoutMS, 60*time.Second)}
	return a, nil
}

func buildOpenAISDK(cfg config.Config, s Settings) (llm.LLMAdapter, error) {
	key, err := apiKey(s)
	if err != nil {
		return nil, err
	}
	return openaisdk.NewAdapter(openaisdk.Config{
		APIKey:     key,
		BaseURL:    firstNonEmpty(s.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		Model:      cfg.Chat.Model,
		HTTPClient: &http.Client{Timeout: configutil.MillisValue(s.TimeoutMS, 60*time.Second)},
	}), nil
}

func buildMock(cfg config.Config, s Settings) (llm.LLMAdapter, error) {
	text := s.ResponseText
	if text == "" {
		text = "mock response"
	}
	return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: text}), nil
}

func apiKey(s Settings) (string, error) {
	key := firstNonEmpty(s.APIKey, os.Getenv("OPENAI_API_KEY"))
	if err := configutil.RequireString(key, "llm.settings.api_key (or OPENAI_API_KEY)"); err != nil {
		return "", err
	}
	return key, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
