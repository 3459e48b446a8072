// Package configutil validates and decodes the free-form settings maps that
// select and tune pluggable components (VAD, transcriber).
package configutil

import (
	"fmt"
	"strings"

	"github.com/harunnryd/echome/pkg/errorsx"
	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a settings map into a mapstructure-tagged struct.
// Strings such as "250ms" decode into time.Duration fields.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	return nil
}

// Load validates input against schema, then decodes it into out.
func Load(section string, input map[string]any, schema Schema, out any) error {
	if err := ValidateSettings(section, input, schema); err != nil {
		return err
	}
	if err := DecodeSettings(input, out); err != nil {
		return fmt.Errorf("%s: %w", section, err)
	}
	return nil
}

// RequireString fails with ReasonConfigInvalid when value is blank.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "%s is required", path)
	}
	return nil
}

// Or returns fallback when value is nil.
func Or[T any](value *T, fallback T) T {
	if value == nil {
		return fallback
	}
	return *value
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	return strings.ReplaceAll(value, "-", "")
}
