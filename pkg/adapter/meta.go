package adapter

import "encoding/json"

// Meta accessors. Create-request metadata arrives as decoded JSON, so
// numbers are float64 and missing keys are common; these helpers fold
// both into typed lookups with defaults.

// MetaString returns meta[key] as a string, or def when absent or not a
// string.
func MetaString(meta map[string]any, key, def string) string {
	if v, ok := meta[key].(string); ok && v != "" {
		return v
	}
	return def
}

// MetaInt returns meta[key] as an int, or def when absent or not numeric.
func MetaInt(meta map[string]any, key string, def int) int {
	switch v := meta[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// MetaBool returns meta[key] as a bool, or def when absent or not a bool.
func MetaBool(meta map[string]any, key string, def bool) bool {
	if v, ok := meta[key].(bool); ok {
		return v
	}
	return def
}

// MetaStringSlice returns meta[key] as a string slice. JSON arrays decode
// as []any, so each element is converted; non-string elements are skipped.
func MetaStringSlice(meta map[string]any, key string) []string {
	raw, ok := meta[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
