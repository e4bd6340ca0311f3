package diaglog

import "strings"

const redacted = "[REDACTED]"

// isSensitiveKey matches credential-bearing field names, case-insensitively.
// "api_key", "openai_key", "token", "authorization" and friends all match.
func isSensitiveKey(k string) bool {
	k = strings.ReplaceAll(strings.ToLower(k), "-", "_")
	switch k {
	case "key", "token", "password", "secret", "authorization", "auth", "credentials":
		return true
	}
	return strings.HasSuffix(k, "_key") ||
		strings.HasSuffix(k, "_token") ||
		strings.HasSuffix(k, "_secret")
}

// Redact returns a copy of v with sensitive map values replaced. Maps and
// slices are traversed recursively; v itself is never mutated.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if isSensitiveKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = Redact(child)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			if isSensitiveKey(k) {
				s = redacted
			}
			out[k] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	default:
		return v
	}
}
