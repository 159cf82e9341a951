// Package config loads the YAML configuration shared by the CLI and the
// websocket server.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/toolcall/pkg/errorsx"
)

const envPrefix = "TOOLCALL"

type Config struct {
	LLM           VendorConfig        `mapstructure:"llm"`
	Chat          ChatConfig          `mapstructure:"chat"`
	History       HistoryConfig       `mapstructure:"history"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

// VendorConfig selects a provider; Settings are decoded by the provider itself.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ChatConfig struct {
	Model        string   `mapstructure:"model"`
	Temperature  *float64 `mapstructure:"temperature"`
	MaxTokens    int      `mapstructure:"max_tokens"`
	AutoHandle   bool     `mapstructure:"auto_handle"`
	Verbose      bool     `mapstructure:"verbose"`
	NoConfirm    bool     `mapstructure:"no_confirm"`
	SystemPrompt string   `mapstructure:"system_prompt"`
	Markdown     bool     `mapstructure:"markdown"`
}

type HistoryConfig struct {
	Method         string `mapstructure:"method"`
	Tokenizer      string `mapstructure:"tokenizer"`
	TokenThreshold int    `mapstructure:"token_threshold"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	KeepTop        int    `mapstructure:"keep_top"`
	KeepBottom     int    `mapstructure:"keep_bottom"`
}

type ServerConfig struct {
	Addr              string `mapstructure:"addr"`
	Path              string `mapstructure:"path"`
	ShutdownTimeoutMS int    `mapstructure:"shutdown_timeout_ms"`
}

type ObservabilityConfig struct {
	// MetricsFile receives one JSON line per metrics event when set.
	MetricsFile string `mapstructure:"metrics_file"`
	// UsageFile receives a token and tool-call summary on shutdown.
	UsageFile string `mapstructure:"usage_file"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads path (YAML, or any format viper detects from the
// extension). An empty path yields the defaults plus TOOLCALL_* environment
// overrides.
func LoadConfig(path string) (Config, error) {
	v := newViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errorsx.Wrapf(err, errorsx.ReasonConfigLoad, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrapf(err, errorsx.ReasonConfigLoad, "unmarshal")
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, errorsx.Wrapf(err, errorsx.ReasonConfigLoad, "validate config")
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, err := LoadConfig("")
	if err != nil {
		panic(fmt.Sprintf("config defaults are invalid: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.settings", map[string]any{})
	v.SetDefault("chat.model", "gpt-3.5-turbo")
	v.SetDefault("chat.max_tokens", 0)
	v.SetDefault("chat.auto_handle", true)
	v.SetDefault("chat.verbose", false)
	v.SetDefault("chat.no_confirm", false)
	v.SetDefault("chat.system_prompt", "")
	v.SetDefault("chat.markdown", true)
	v.SetDefault("history.method", "fifo")
	v.SetDefault("history.tokenizer", "tiktoken")
	v.SetDefault("history.token_threshold", 2000)
	v.SetDefault("history.max_tokens", 4000)
	v.SetDefault("history.keep_top", 1)
	v.SetDefault("history.keep_bottom", 6)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.shutdown_timeout_ms", 5000)
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("observability.usage_file", "")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.Provider) == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if strings.TrimSpace(c.Chat.Model) == "" {
		return fmt.Errorf("chat.model is required")
	}
	if c.Chat.MaxTokens < 0 {
		return fmt.Errorf("chat.max_tokens must be >= 0")
	}
	switch strings.ToLower(c.History.Method) {
	case "fifo", "summarize":
	default:
		return fmt.Errorf("history.method must be fifo or summarize, got %q", c.History.Method)
	}
	switch strings.ToLower(c.History.Tokenizer) {
	case "tiktoken", "words":
	default:
		return fmt.Errorf("history.tokenizer must be tiktoken or words, got %q", c.History.Tokenizer)
	}
	if c.History.TokenThreshold < 0 || c.History.TokenThreshold > c.History.MaxTokens {
		return fmt.Errorf("history.token_threshold must be between 0 and history.max_tokens")
	}
	if c.History.KeepTop < 0 || c.History.KeepBottom < 0 {
		return fmt.Errorf("history.keep_top and history.keep_bottom must be >= 0")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json", "":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.LLM.Settings = expandSettings(cfg.LLM.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
