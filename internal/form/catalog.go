package form

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed schemas.yaml
var builtinCatalog []byte

// Catalog is the set of schemas and the synonym table loaded from YAML
type Catalog struct {
	Synonyms map[string]string `yaml:"synonyms"`
	Schemas  []Schema          `yaml:"schemas"`

	byName map[string]Schema
}

// LoadCatalog parses and validates a YAML schema catalog
func LoadCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse schema catalog: %w", err)
	}
	c.byName = make(map[string]Schema, len(c.Schemas))
	for i := range c.Schemas {
		s := &c.Schemas[i]
		for j := range s.Fields {
			// yaml decodes numeric defaults as int; collected numbers are decimal strings
			if d, ok := AsNumber(s.Fields[j].Default); ok && s.Fields[j].Type == TypeNumber {
				s.Fields[j].Default = NumberValue(d)
			}
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate schema %q", s.Name)
		}
		c.byName[s.Name] = *s
	}
	return &c, nil
}

// DefaultCatalog loads the catalog embedded in the binary
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(builtinCatalog)
}

// Schema returns the named schema
func (c *Catalog) Schema(name string) (Schema, error) {
	s, ok := c.byName[name]
	if !ok {
		return Schema{}, fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}

// Fallback builds the fallback extractor over the catalog's synonym table
func (c *Catalog) Fallback() *Fallback {
	return NewFallback(c.Synonyms)
}
