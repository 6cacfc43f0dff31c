package pipeline

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Helpers for reading loosely typed provider payloads. Field names vary
// between event versions, so every lookup takes a list of candidates.

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := asString(m[key]); s != "" {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	}
	return ""
}

func firstMap(m map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if nested, ok := m[key].(map[string]any); ok {
			return nested
		}
	}
	return nil
}

// firstListMap returns the first object of the first non-empty array field.
func firstListMap(m map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		list, ok := m[key].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if nested, ok := item.(map[string]any); ok {
				return nested
			}
		}
	}
	return nil
}

// firstAmount reads money fields. Keys ending in "_cents" are scaled to units.
func firstAmount(m map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		amount, ok := asNumber(m[key])
		if !ok {
			continue
		}
		if strings.HasSuffix(key, "_cents") {
			amount = amount / 100
		}
		return &amount
	}
	return nil
}

// asNumber accepts finite numbers only; NaN and the infinities would poison
// every revenue sum they reach.
func asNumber(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(val)
		if cleaned == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func firstTime(m map[string]any, keys ...string) *time.Time {
	for _, key := range keys {
		s := asString(m[key])
		if s == "" {
			continue
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

func personName(m map[string]any) string {
	if m == nil {
		return ""
	}
	if name := firstString(m, "name", "full_name", "display_name"); name != "" {
		return name
	}
	first := firstString(m, "first_name", "firstName")
	last := firstString(m, "last_name", "lastName")
	if name := strings.TrimSpace(first + " " + last); name != "" {
		return name
	}
	return firstString(m, "company", "company_name")
}
