package configutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/harunnryd/toolcall/pkg/errorsx"
)

// DecodeSettings decodes a free-form provider settings map into a typed struct.
// Keys match case, underscore and hyphen insensitively; "1500ms" style strings
// decode into time.Duration fields.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// DecodeValidated checks input against schema, then decodes it into out.
// Decode failures carry errorsx.ReasonConfigLoad like schema failures do.
func DecodeValidated(section, owner string, input map[string]any, schema Schema, out any) error {
	if err := schema.Check(section, owner, input); err != nil {
		return err
	}
	if err := DecodeSettings(input, out); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonConfigLoad, "%s", section)
	}
	return nil
}

// RequireString ensures a value is present for a required config field.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// MillisValue converts a millisecond setting to a duration, using fallback for
// zero or negative values.
func MillisValue(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
