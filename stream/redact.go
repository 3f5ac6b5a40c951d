package stream

import "strings"

// denyList holds the substrings that mark a metadata key as sensitive.
// Matching is case-insensitive and applies to nested maps.
var denyList = []string{
	"api_key",
	"apikey",
	"authorization",
	"token",
	"secret",
	"password",
	"credential",
}

// redactedPlaceholder replaces sensitive values in outgoing envelopes.
const redactedPlaceholder = "[REDACTED]"

// Redact returns a copy of the map with sensitive values replaced. Nested
// maps and slices of maps are walked; the input is never mutated.
func Redact(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		if sensitiveKey(key) {
			out[key] = redactedPlaceholder
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return Redact(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range denyList {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
