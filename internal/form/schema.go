// Package form holds the declarative field schemas that drive chat data collection,
// and the deterministic parser used when structured extraction is not available.
package form

import (
	"fmt"
	"strings"
)

// FieldType is the value type a field collects
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeEnum   FieldType = "enum"
	TypePhoto  FieldType = "photo" // image reference, only filled from image input
)

// Field describes one entry of a form
type Field struct {
	Key        string      `yaml:"key"`
	Label      string      `yaml:"label"`
	Required   bool        `yaml:"required"`
	Type       FieldType   `yaml:"type"`
	EnumValues []string    `yaml:"enum_values,omitempty"`
	EnumLabels []string    `yaml:"enum_labels,omitempty"`
	Default    interface{} `yaml:"default,omitempty"`
	Example    string      `yaml:"example,omitempty"`
}

// Schema is an ordered, immutable form definition
type Schema struct {
	Name   string  `yaml:"name"`
	Title  string  `yaml:"title"`
	Fields []Field `yaml:"fields"`
}

// Field looks a field up by key
func (s Schema) Field(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// TextFields returns the fields that can be filled from free text, in order.
func (s Schema) TextFields() []Field {
	out := make([]Field, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Type != TypePhoto {
			out = append(out, f)
		}
	}
	return out
}

// Example renders a comma separated sample input matching the text field order.
func (s Schema) Example() string {
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.TextFields() {
		ex := f.Example
		if ex == "" {
			ex = f.Label
		}
		parts = append(parts, ex)
	}
	return strings.Join(parts, ", ")
}

// WithChoices returns a copy of the schema where the enum field `key` offers the given
// choices. Used for choice sets only known at runtime, such as assignable drivers.
func (s Schema) WithChoices(key string, values, labels []string) Schema {
	out := Schema{Name: s.Name, Title: s.Title, Fields: make([]Field, len(s.Fields))}
	copy(out.Fields, s.Fields)
	for i := range out.Fields {
		if out.Fields[i].Key == key {
			out.Fields[i].EnumValues = append([]string(nil), values...)
			out.Fields[i].EnumLabels = append([]string(nil), labels...)
		}
	}
	return out
}

// Validate checks the schema definition itself
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Key == "" {
			return fmt.Errorf("schema %s: field without key", s.Name)
		}
		if seen[f.Key] {
			return fmt.Errorf("schema %s: duplicate field %q", s.Name, f.Key)
		}
		seen[f.Key] = true
		switch f.Type {
		case TypeString, TypeNumber, TypePhoto:
		case TypeEnum:
			if len(f.EnumLabels) > 0 && len(f.EnumLabels) != len(f.EnumValues) {
				return fmt.Errorf("schema %s: field %q has %d labels for %d values", s.Name, f.Key, len(f.EnumLabels), len(f.EnumValues))
			}
		default:
			return fmt.Errorf("schema %s: field %q has unknown type %q", s.Name, f.Key, f.Type)
		}
	}
	return nil
}

// Allows reports whether v is one of the declared enum values
func (f Field) Allows(v string) bool {
	for _, ev := range f.EnumValues {
		if ev == v {
			return true
		}
	}
	return false
}

// ChoiceLabel returns the human label of an enum value, or the value itself.
func (f Field) ChoiceLabel(v string) string {
	for i, ev := range f.EnumValues {
		if ev == v && i < len(f.EnumLabels) && f.EnumLabels[i] != "" {
			return f.EnumLabels[i]
		}
	}
	return v
}

// Title returns the label, falling back to the key
func (f Field) Title() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Key
}
