package function

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// schemaFor derives the parameter schema of a Go argument type. Fields without
// omitempty or omitzero in their json tag are required; the jsonschema tag holds
// the description shown to the model.
func schemaFor[A any]() (*jsonschema.Schema, error) {
	s, err := jsonschema.For[A](nil)
	if err != nil {
		return nil, err
	}
	if s.Type != "object" {
		return nil, fmt.Errorf("%w: arguments must be a struct, got %q", ErrInvalidSchema, s.Type)
	}
	return s, nil
}

// schemaFromMap converts an explicitly declared schema into its typed form.
func schemaFromMap(m map[string]any) (*jsonschema.Schema, error) {
	if len(m) == 0 {
		m = emptyObjectSchema()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if s.Type != "" && s.Type != "object" {
		return nil, fmt.Errorf("%w: parameters must be an object, got %q", ErrInvalidSchema, s.Type)
	}
	return &s, nil
}

// schemaToMap renders a schema the way providers expect it in a tool definition.
func schemaToMap(s *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func emptyObjectSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// normalizeArguments tolerates the shapes models actually send: empty strings
// and JSON wrapped in markdown fences.
func normalizeArguments(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "{}"
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
