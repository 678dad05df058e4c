// Package configutil decodes the free-form settings blocks attached to device
// providers in the config file.
package configutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/mitchellh/mapstructure"
)

// Schema lists the keys a settings block may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every missing and unknown key at once.
type SettingsError struct {
	Scope   string
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
	if e.Scope != "" {
		return e.Scope + ": " + msg
	}
	return msg
}

// Validate checks input against the schema. Keys match regardless of case,
// underscores and hyphens.
func (s Schema) Validate(scope string, input map[string]any) error {
	allowed := make(map[string]struct{}, len(s.Required)+len(s.Optional))
	for _, k := range s.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}
	present := make(map[string]any, len(input))
	var unknown []string
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if _, ok := allowed[nk]; ok {
			continue
		}
		if !s.AllowUnknown && !s.isRequired(nk) {
			unknown = append(unknown, k)
		}
	}
	var missing []string
	for _, k := range s.Required {
		if v, ok := present[normalizeKey(k)]; !ok || isEmptyValue(v) {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return &SettingsError{Scope: scope, Missing: missing, Unknown: unknown}
}

func (s Schema) isRequired(nk string) bool {
	for _, k := range s.Required {
		if normalizeKey(k) == nk {
			return true
		}
	}
	return false
}

// Decode validates input and decodes it into out. Durations may be written
// as strings such as "250ms".
func Decode(scope string, input map[string]any, schema Schema, out any) error {
	if err := schema.Validate(scope, input); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfig)
	}
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return errorsx.Wrap(fmt.Errorf("%s: %w", scope, err), errorsx.ReasonConfig)
	}
	return nil
}

// RequireString ensures a value is present for a required config field.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return errorsx.New(errorsx.ReasonConfig, "%s is required", path)
	}
	return nil
}

// OneOf ensures value is one of the allowed choices, ignoring case.
func OneOf(value, path string, choices ...string) error {
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(value), c) {
			return nil
		}
	}
	return errorsx.New(errorsx.ReasonConfig, "%s must be one of %s (got %q)", path, strings.Join(choices, ", "), value)
}

func normalizeKey(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
