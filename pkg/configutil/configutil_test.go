package configutil

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/toolcall/pkg/errorsx"
)

type sampleSettings struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
	Breaker   bool   `mapstructure:"use_circuit_breaker"`
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var s sampleSettings
	err := DecodeSettings(map[string]any{
		"API-Key":             "sk-test",
		"baseurl":             "http://localhost:8080/v1",
		"timeout_ms":          "1500",
		"use_circuit_breaker": "true",
	}, &s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.APIKey != "sk-test" || s.BaseURL != "http://localhost:8080/v1" || s.TimeoutMS != 1500 || !s.Breaker {
		t.Fatalf("unexpected settings %+v", s)
	}
}

func TestSchemaCheckReportsMissingAndUnknown(t *testing.T) {
	schema := Schema{Required: []string{"api_key", "model"}, Optional: []string{"base_url"}}
	err := schema.Check("llm.settings", "openai", map[string]any{"API_KEY": " ", "colour": "blue", "Base-URL": "x"})

	var serr *SettingsError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SettingsError, got %v", err)
	}
	if len(serr.Missing) != 2 || serr.Missing[0] != "api_key" || serr.Missing[1] != "model" {
		t.Fatalf("unexpected missing %v", serr.Missing)
	}
	if len(serr.Unknown) != 1 || serr.Unknown[0] != "colour" {
		t.Fatalf("unexpected unknown %v", serr.Unknown)
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfigLoad) {
		t.Fatalf("expected config_load reason")
	}
	want := "llm.settings (openai): missing api_key, model; unknown colour"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestSchemaCheckAllowUnknown(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, AllowUnknown: true}
	if err := schema.Check("llm.settings", "", map[string]any{"api_key": "k", "extra": 1}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDecodeValidatedStopsOnSchemaError(t *testing.T) {
	s := sampleSettings{APIKey: "unchanged"}
	err := DecodeValidated("llm.settings", "mock", map[string]any{"nope": 1, "api_key": "k"}, Schema{Optional: []string{"api_key"}}, &s)
	if err == nil {
		t.Fatalf("expected unknown key error")
	}
	if s.APIKey != "unchanged" {
		t.Fatalf("expected no decoding after a schema error")
	}
}

func TestDecodeValidatedTagsDecodeErrors(t *testing.T) {
	var s sampleSettings
	err := DecodeValidated("llm.settings", "openai", map[string]any{"timeout_ms": "soon"}, Schema{Optional: []string{"timeout_ms"}}, &s)
	if !errorsx.HasReason(err, errorsx.ReasonConfigLoad) {
		t.Fatalf("expected config_load decode error, got %v", err)
	}
}

func TestMillisValue(t *testing.T) {
	if got := MillisValue(0, time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := MillisValue(250, time.Second); got != 250*time.Millisecond {
		t.Fatalf("unexpected %v", got)
	}
}
