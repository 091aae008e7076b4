package issuer

import (
	"encoding/json"
	"strings"
	"unicode"
)

// SnakeKeys rewrites the keys of a local camelCase payload into the remote
// snake_case convention. Nested maps and slices are rewritten too.
func SnakeKeys(in map[string]any) map[string]any {
	return rekey(in, ToSnake)
}

// CamelKeys rewrites remote snake_case keys into the local camelCase convention.
func CamelKeys(in map[string]any) map[string]any {
	return rekey(in, ToCamel)
}

// Raw renders a remote resource as a camelCase map, the shape persisted in the
// integration sub-object of every local row.
func Raw(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return CamelKeys(m), nil
}

func rekey(in map[string]any, fn func(string) string) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[fn(k)] = rekeyValue(v, fn)
	}
	return out
}

func rekeyValue(v any, fn func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		return rekey(t, fn)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = rekeyValue(t[i], fn)
		}
		return out
	default:
		return v
	}
}

// ToSnake converts firstName to first_name. Runs of capitals are kept
// together, so postalCodeID becomes postal_code_id.
func ToSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamel converts first_name to firstName.
func ToCamel(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}
