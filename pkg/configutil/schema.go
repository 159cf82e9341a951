package configutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/toolcall/pkg/errorsx"
)

// Schema lists the keys a settings block accepts. Key matching ignores case,
// underscores and hyphens, the same way DecodeSettings does.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem in one settings block at once.
type SettingsError struct {
	// Section is the config path, e.g. "llm.settings".
	Section string
	// Owner names what the block configures, e.g. a provider.
	Owner   string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var b strings.Builder
	b.WriteString(e.Section)
	if e.Owner != "" {
		fmt.Fprintf(&b, " (%s)", e.Owner)
	}
	b.WriteString(":")
	if len(e.Missing) > 0 {
		b.WriteString(" missing " + strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		if len(e.Missing) > 0 {
			b.WriteString(";")
		}
		b.WriteString(" unknown " + strings.Join(e.Unknown, ", "))
	}
	return b.String()
}

// Check validates input. The returned error is a *SettingsError tagged with
// errorsx.ReasonConfigLoad, or nil.
func (s Schema) Check(section, owner string, input map[string]any) error {
	known := make(map[string]bool, len(s.Required)+len(s.Optional))
	for _, k := range s.Optional {
		known[normalizeKey(k)] = true
	}
	present := make(map[string]bool, len(input))
	serr := &SettingsError{Section: section, Owner: owner}
	for k, v := range input {
		nk := normalizeKey(k)
		if !blank(v) {
			present[nk] = true
		}
		if !known[nk] && !s.isRequired(nk) && !s.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
		}
	}
	for _, k := range s.Required {
		if !present[normalizeKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return errorsx.Wrap(serr, errorsx.ReasonConfigLoad)
}

func (s Schema) isRequired(nk string) bool {
	for _, k := range s.Required {
		if normalizeKey(k) == nk {
			return true
		}
	}
	return false
}

// blank treats nil and whitespace-only strings as unset, which is what an
// unexpanded ${VAR} leaves behind.
func blank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
