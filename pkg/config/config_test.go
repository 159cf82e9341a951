package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harunnryd/toolcall/pkg/errorsx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.Chat.Model != "gpt-3.5-turbo" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.Chat.AutoHandle {
		t.Fatalf("auto handling must default to true")
	}
	h := cfg.History
	if h.Method != "fifo" || h.TokenThreshold != 2000 || h.MaxTokens != 4000 || h.KeepTop != 1 || h.KeepBottom != 6 {
		t.Fatalf("unexpected history defaults %+v", h)
	}
	if cfg.Chat.Temperature != nil {
		t.Fatalf("temperature must be unset by default")
	}
}

func TestLoadConfigFileAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: openai_sdk
  settings:
    api_key: ${TEST_OPENAI_KEY}
    timeout_ms: 1500
chat:
  model: gpt-4o-mini
  temperature: 0.3
  auto_handle: false
  system_prompt: "You are ${TEST_OPENAI_KEY}"
history:
  keep_bottom: 4
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "openai_sdk" || cfg.LLM.Settings["api_key"] != "sk-from-env" {
		t.Fatalf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.Chat.Temperature == nil || *cfg.Chat.Temperature != 0.3 {
		t.Fatalf("unexpected temperature %v", cfg.Chat.Temperature)
	}
	if cfg.Chat.AutoHandle {
		t.Fatalf("expected auto handling disabled")
	}
	if cfg.Chat.SystemPrompt != "You are sk-from-env" {
		t.Fatalf("expected env expansion, got %q", cfg.Chat.SystemPrompt)
	}
	if cfg.History.KeepBottom != 4 || cfg.History.KeepTop != 1 {
		t.Fatalf("unexpected history %+v", cfg.History)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TOOLCALL_CHAT_MODEL", "gpt-4o")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chat.Model != "gpt-4o" {
		t.Fatalf("expected env override, got %q", cfg.Chat.Model)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	path := writeConfig(t, `
history:
  token_threshold: 5000
  max_tokens: 4000
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfigLoad) {
		t.Fatalf("expected config_load reason, got %v", errorsx.Reason(err))
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
