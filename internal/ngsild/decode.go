package ngsild

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/urbanreflex/reportflow/model"
)

// DecodeReport converts a broker entity into a Report. Attributes may arrive
// wrapped in {type, value} envelopes or as raw scalars; both decode to the
// same Report. Missing or mistyped attributes leave the field at its zero
// value.
func DecodeReport(entity map[string]any) model.Report {
	return model.Report{
		ID:                 stringAttr(entity, "id"),
		Type:               stringAttr(entity, "type"),
		Status:             model.Status(stringAttr(entity, "status")),
		Category:           stringAttr(entity, "category"),
		CategoryConfidence: confidenceAttr(entity, "categoryConfidence"),
		Priority:           stringAttr(entity, "priority"),
		Severity:           stringAttr(entity, "severity"),
		Verified:           boolAttr(entity, "verified"),
		ImageURLs:          stringsAttr(entity, "imageUrl"),
		DateModified:       timeAttr(entity, "dateModified"),
		AutoApprovalReason: stringAttr(entity, "autoApprovalReason"),
	}
}

// unwrap peels Property envelopes and JSON-LD typed literals until a raw
// value remains.
func unwrap(v any) any {
	for range 3 {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		if inner, ok := m["value"]; ok {
			v = inner
			continue
		}
		if inner, ok := m["@value"]; ok {
			v = inner
			continue
		}
		return v
	}
	return v
}

func stringAttr(entity map[string]any, key string) string {
	s, _ := unwrap(entity[key]).(string)
	return s
}

func floatAttr(entity map[string]any, key string) *float64 {
	var f float64
	switch v := unwrap(entity[key]).(type) {
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// confidenceAttr is floatAttr restricted to [0, 1]. Anything else is treated
// as not yet classified.
func confidenceAttr(entity map[string]any, key string) *float64 {
	f := floatAttr(entity, key)
	if f == nil || *f < 0 || *f > 1 {
		return nil
	}
	return f
}

func boolAttr(entity map[string]any, key string) bool {
	switch v := unwrap(entity[key]).(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// stringsAttr accepts a single string or an array of strings. Empty strings
// are dropped and an empty result is nil.
func stringsAttr(entity map[string]any, key string) []string {
	var out []string
	switch v := unwrap(entity[key]).(type) {
	case string:
		if v != "" {
			out = append(out, v)
		}
	case []any:
		for _, item := range v {
			if s, ok := unwrap(item).(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func timeAttr(entity map[string]any, key string) time.Time {
	s := stringAttr(entity, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
