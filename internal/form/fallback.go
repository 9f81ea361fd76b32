package form

import (
	"strings"
)

// Fallback maps delimited free text onto a schema by position. It is deterministic,
// has no side effects and never fails: tokens it cannot read leave their field unset.
type Fallback struct {
	synonyms map[string]string
}

// NewFallback creates a fallback extractor with a shorthand -> enum value table.
// Keys are matched case-insensitively.
func NewFallback(synonyms map[string]string) *Fallback {
	norm := make(map[string]string, len(synonyms))
	for k, v := range synonyms {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Fallback{synonyms: norm}
}

// Synonyms exposes the normalized synonym table
func (f *Fallback) Synonyms() map[string]string {
	return f.synonyms
}

// Tokenize splits raw input on commas and newlines, trimming each token.
// Empty tokens are kept so positions stay stable. A comma that groups thousands
// inside a number ("2,000,000") does not split.
func Tokenize(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r", "")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '\n' || (c == ',' && !groupingComma(raw, i)) {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	return append(out, strings.TrimSpace(cur.String()))
}

// groupingComma reports whether the comma at i sits between a digit and exactly three digits.
func groupingComma(s string, i int) bool {
	if i == 0 || i+3 >= len(s) || !isDigit(s[i-1]) {
		return false
	}
	for j := i + 1; j <= i+3; j++ {
		if !isDigit(s[j]) {
			return false
		}
	}
	return i+4 == len(s) || !isDigit(s[i+4])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// Extract maps tokens of raw onto the schema's text fields in order.
func (f *Fallback) Extract(raw string, s Schema) map[string]interface{} {
	out := make(map[string]interface{})
	tokens := Tokenize(raw)
	fields := s.TextFields()
	n := len(tokens)
	if len(fields) < n {
		n = len(fields)
	}
	for i := 0; i < n; i++ {
		tok := tokens[i]
		if tok == "" {
			continue
		}
		field := fields[i]
		switch field.Type {
		case TypeNumber:
			if v, ok := ParseNumber(tok); ok {
				out[field.Key] = NumberValue(v)
			}
		case TypeEnum:
			if v, ok := MatchEnum(field, tok, f.synonyms); ok {
				out[field.Key] = v
			} else {
				// kept raw so the engine can re-prompt with the real choices
				out[field.Key] = tok
			}
		default:
			out[field.Key] = tok
		}
	}
	return out
}
