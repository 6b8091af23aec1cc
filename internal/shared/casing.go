package shared

import (
	"strings"
	"unicode"
)

// ToSnake converts a camelCase key to snake_case. Every upper-case rune
// becomes an underscore followed by its lower-case form.
func ToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		if unicode.IsUpper(r) {
			b.WriteByte('_')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamel converts a snake_case key to camelCase. Only an underscore
// followed by a lower-case letter is folded.
func ToCamel(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(runes); i++ {
		if runes[i] == '_' && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			b.WriteRune(unicode.ToUpper(runes[i+1]))
			i++
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// ConvertKeys rewrites every object key in a JSON-shaped tree. Values that
// are not map[string]any or []any are returned as-is, which keeps binary
// and time leaves untouched.
func ConvertKeys(v any, fn func(string) string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fn(k)] = ConvertKeys(item, fn)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ConvertKeys(item, fn)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ConvertKeys(item, fn)
		}
		return out
	default:
		return v
	}
}

func SnakeKeys(v any) any {
	return ConvertKeys(v, ToSnake)
}

func CamelKeys(v any) any {
	return ConvertKeys(v, ToCamel)
}
