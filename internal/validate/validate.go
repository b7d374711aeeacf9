// Package validate coerces extracted data against a tenant's schema mapping
// and builds the CRM-ready payload. Every field is checked even after the
// first failure so the stored error names everything that is wrong with the
// recording, not just the first problem.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/herdsync/herdsync/internal/model"
)

// dateLayouts are tried in order when coercing a date field. The payload
// always carries the ISO form regardless of which layout matched.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

const isoDate = "2006-01-02"

var titleCaser = cases.Title(language.English)

// Label returns the human-readable name for a field, deriving one from the
// key when the mapping does not declare a label.
func Label(f model.FieldDef) string {
	if f.Label != "" {
		return f.Label
	}
	return titleCaser.String(strings.ReplaceAll(f.Key, "_", " "))
}

// Payload validates extracted data against the mapping and returns the
// target-keyed payload. On failure it returns a validation StepError whose
// Fields map has one entry per failing field; the payload is nil.
func Payload(mapping *model.SchemaMapping, data map[string]any) (map[string]any, *model.StepError) {
	index := buildIndex(data)

	payload := make(map[string]any, len(mapping.Fields))
	failures := make(map[string]string)

	for _, f := range mapping.Fields {
		raw, found := lookup(index, f)
		if !found || isEmpty(raw) {
			if f.Required {
				failures[f.Key] = "required, not provided"
			}
			continue
		}

		value, reason := coerce(f, raw)
		if reason != "" {
			failures[f.Key] = reason
			continue
		}
		payload[f.Target] = value
	}

	if len(failures) > 0 {
		return nil, model.NewValidationError(failures)
	}
	return payload, nil
}

// buildIndex lowercases extracted keys so lookups are case-insensitive.
// Later duplicates do not displace the first value seen.
func buildIndex(data map[string]any) map[string]any {
	index := make(map[string]any, len(data))
	for k, v := range data {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, ok := index[lk]; !ok {
			index[lk] = v
		}
	}
	return index
}

// lookup finds a field's value by its canonical key first, then by each
// declared synonym.
func lookup(index map[string]any, f model.FieldDef) (any, bool) {
	if v, ok := index[strings.ToLower(f.Key)]; ok {
		return v, true
	}
	for _, syn := range f.Synonyms {
		if v, ok := index[strings.ToLower(syn)]; ok {
			return v, true
		}
	}
	return nil, false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// coerce converts a raw extracted value to the field's declared type.
// Returns the coerced value, or a non-empty reason on failure.
func coerce(f model.FieldDef, raw any) (any, string) {
	switch f.Type {
	case model.FieldString:
		return coerceString(raw), ""
	case model.FieldDate:
		return coerceDate(raw)
	case model.FieldEnum:
		return coerceEnum(f, raw)
	case model.FieldNumber:
		return coerceNumber(raw)
	default:
		return nil, fmt.Sprintf("unknown field type %q", f.Type)
	}
}

func coerceString(raw any) string {
	if s, ok := raw.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(raw))
}

func coerceDate(raw any) (any, string) {
	if t, ok := raw.(time.Time); ok {
		return t.Format(isoDate), ""
	}

	s := coerceString(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(isoDate), ""
		}
	}
	return nil, fmt.Sprintf("could not parse %q as date", s)
}

func coerceEnum(f model.FieldDef, raw any) (any, string) {
	s := coerceString(raw)
	for _, allowed := range f.Enum {
		if strings.EqualFold(s, allowed) {
			// The declared casing wins, whatever the extractor produced.
			return allowed, ""
		}
	}
	return nil, "not one of: " + strings.Join(f.Enum, ", ")
}

func coerceNumber(raw any) (any, string) {
	switch v := raw.(type) {
	case float64:
		return v, ""
	case float32:
		return float64(v), ""
	case int:
		return float64(v), ""
	case int64:
		return float64(v), ""
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Sprintf("could not parse %q as number", strings.TrimSpace(v))
		}
		return n, ""
	default:
		return nil, fmt.Sprintf("could not parse %v as number", raw)
	}
}
