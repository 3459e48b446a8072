package configutil

import (
	"sort"
	"strings"

	"github.com/harunnryd/echome/pkg/errorsx"
)

// Schema lists the keys a vendor settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports what a settings map got wrong.
type SettingsError struct {
	Section string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Section != "" {
		msg = e.Section + ": " + msg
	}
	return msg
}

// ValidateSettings checks input against schema. Key matching ignores case,
// underscores and hyphens. The returned error carries ReasonConfigInvalid.
func ValidateSettings(section string, input map[string]any, schema Schema) error {
	known := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = true
	}
	for _, k := range schema.Required {
		known[normalizeKey(k)] = true
	}

	present := make(map[string]any, len(input))
	serr := &SettingsError{Section: section}
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if !known[nk] && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
		}
	}
	for _, k := range schema.Required {
		v, ok := present[normalizeKey(k)]
		if !ok || isEmptyValue(v) {
			serr.Missing = append(serr.Missing, k)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return errorsx.Wrap(serr, errorsx.ReasonConfigInvalid)
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
