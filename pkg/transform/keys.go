package transform

import (
	"strings"
	"unicode"
)

// Decamelize converts camelCase object keys to snake_case, recursing through
// nested objects and arrays. Only identifier-shaped keys (a lowercase letter
// followed by letters and digits) are renamed, so keys that are already
// snake_case or that carry data such as language codes ("en-US") are left
// alone. Values are never modified.
func Decamelize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[decamelizeKey(k)] = Decamelize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Decamelize(val)
		}
		return out
	default:
		return v
	}
}

func isCamelIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if r < 'a' || r > 'z' {
				return false
			}
			continue
		}
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func decamelizeKey(s string) string {
	if !isCamelIdentifier(s) {
		return s
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !unicode.IsUpper(prev) || nextLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
