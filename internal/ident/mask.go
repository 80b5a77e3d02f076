package ident

import "strings"

// Masked replaces any value whose field name matches the sensitive set.
const Masked = "[MASKED]"

// sensitive name fragments, matched case-insensitively on word boundaries
// (underscore, hyphen, or camelCase humps) so api_key, ApiKey, and APIKey
// all match "key".
var sensitive = []string{
	"password", "secret", "token", "key", "credential",
	"authorization", "api_key", "private_key", "passphrase",
}

// SensitiveName reports whether a field name should have its value masked
// before log emission. Matching is per word: "user_password" masks,
// "monkey" does not (no substring matching inside words).
func SensitiveName(name string) bool {
	words := splitWords(name)
	joined := strings.Join(words, "_")
	for _, s := range sensitive {
		if strings.Contains(s, "_") {
			if strings.Contains(joined, s) {
				return true
			}
			continue
		}
		for _, w := range words {
			if w == s {
				return true
			}
		}
	}
	return false
}

// MaskSensitive returns Masked when name is sensitive, otherwise v.
func MaskSensitive(name string, v any) any {
	if SensitiveName(name) {
		return Masked
	}
	return v
}

// MaskMap returns a copy of params with sensitive values replaced. The input
// map is never mutated; a nil map returns nil.
func MaskMap(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = MaskSensitive(k, v)
	}
	return out
}

// splitWords lowers name and splits on underscores, hyphens, dots, and
// camelCase boundaries.
func splitWords(name string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_' || c == '-' || c == '.' || c == ' ':
			flush()
		case c >= 'A' && c <= 'Z':
			// new hump unless the previous rune was also upper (APIKey)
			if i > 0 && !(name[i-1] >= 'A' && name[i-1] <= 'Z') {
				flush()
			}
			cur.WriteByte(c)
		default:
			// lowercase following an upper run starts a word at the last
			// upper rune (APIKey -> api, key)
			if i > 1 && name[i-1] >= 'A' && name[i-1] <= 'Z' && name[i-2] >= 'A' && name[i-2] <= 'Z' && c >= 'a' && c <= 'z' {
				last := cur.String()
				if len(last) > 1 {
					cur.Reset()
					cur.WriteString(last[:len(last)-1])
					flush()
					cur.WriteString(last[len(last)-1:])
				}
			}
			cur.WriteByte(c)
		}
	}
	flush()
	return words
}
