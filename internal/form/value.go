package form

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	numberNoise   = strings.NewReplacer(" ", "", "_", "", "'", "", "\u00a0", "", "\u202f", "")
	commaGrouping = regexp.MustCompile(`^-?\d{1,3}(,\d{3})+(\.\d+)?$`)
)

// ParseNumber reads a number written the way people type it in chat:
// "500 000", "1_000", "2.000.000", "2,000,000" and "4301.5" are all accepted.
func ParseNumber(raw string) (decimal.Decimal, bool) {
	s := numberNoise.Replace(strings.TrimSpace(raw))
	if s == "" {
		return decimal.Zero, false
	}
	switch {
	case commaGrouping.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ".") > 1:
		// more than one dot can only be thousands grouping
		s = strings.ReplaceAll(s, ".", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// MatchEnum resolves a token against an enum field: declared values first, then labels,
// then the synonym table. The synonym hit only counts if it names a declared value.
func MatchEnum(f Field, token string, synonyms map[string]string) (string, bool) {
	t := strings.TrimSpace(token)
	if t == "" {
		return "", false
	}
	for _, v := range f.EnumValues {
		if strings.EqualFold(v, t) {
			return v, true
		}
	}
	for i, l := range f.EnumLabels {
		if i < len(f.EnumValues) && strings.EqualFold(l, t) {
			return f.EnumValues[i], true
		}
	}
	if canon, ok := synonyms[strings.ToLower(t)]; ok {
		for _, v := range f.EnumValues {
			if strings.EqualFold(v, canon) {
				return v, true
			}
		}
	}
	return "", false
}

// AsNumber converts a collected value to a decimal. Collected numbers are stored as
// decimal strings so a JSON checkpoint keeps every digit; extractor output may carry
// float64, ints or numeric strings.
func AsNumber(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case string:
		return ParseNumber(n)
	case json.Number:
		return ParseNumber(n.String())
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	}
	return decimal.Zero, false
}

// NumberValue is the stored form of a collected number
func NumberValue(d decimal.Decimal) string {
	return d.String()
}

// AsString converts a collected value to its string form.
func AsString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return decimal.NewFromFloat(s).String()
	}
	return fmt.Sprint(v)
}

// Valid reports whether v is an acceptable value for f. Numbers must be positive,
// enum values must be declared, strings and photo refs must be non-empty.
func Valid(f Field, v interface{}) bool {
	switch f.Type {
	case TypeNumber:
		n, ok := AsNumber(v)
		return ok && n.IsPositive()
	case TypeEnum:
		s, ok := v.(string)
		return ok && f.Allows(s)
	default:
		return strings.TrimSpace(AsString(v)) != ""
	}
}

// Display renders a value for the confirmation summary
func Display(f Field, v interface{}) string {
	switch f.Type {
	case TypeEnum:
		return f.ChoiceLabel(AsString(v))
	case TypePhoto:
		if AsString(v) == "" {
			return "-"
		}
		return "attached"
	case TypeNumber:
		if n, ok := AsNumber(v); ok {
			return n.String()
		}
	}
	s := AsString(v)
	if s == "" {
		return "-"
	}
	return s
}
