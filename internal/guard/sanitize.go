package guard

import (
	"encoding/json"
	"strings"
)

// htmlEscaper maps the characters that enable HTML injection to their
// entity forms. `&` is deliberately not replaced, which keeps the
// transformation idempotent.
var htmlEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// SanitizeValue recursively escapes every string in a decoded JSON value.
// Non-string leaves pass through unchanged.
func SanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return htmlEscaper.Replace(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = SanitizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = SanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// SanitizeJSON sanitizes a raw JSON payload. Payloads that do not parse are
// returned unchanged; the validator has already bounded their size.
func SanitizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw
	}
	sanitized, err := json.Marshal(SanitizeValue(decoded))
	if err != nil {
		return raw
	}
	return sanitized
}
