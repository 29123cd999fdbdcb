package domain

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed document_types.yaml
var documentTypesYAML []byte

// DocumentType is one entry of the closed document-type catalog.
type DocumentType struct {
	Key          string `yaml:"key" json:"key"`
	Title        string `yaml:"title" json:"title"`
	Instructions string `yaml:"instructions" json:"-"`
	NeedsBudget  bool   `yaml:"needsBudget" json:"needsBudget"`
}

// Catalog is a validated registry of document types. Lookups at the request
// boundary reject unknown keys before any state is mutated.
type Catalog struct {
	ordered []DocumentType
	byKey   map[string]DocumentType
}

type catalogFile struct {
	DocumentTypes []DocumentType `yaml:"documentTypes"`
}

// ParseCatalog builds a catalog from YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse document type catalog: %w", err)
	}
	if len(file.DocumentTypes) == 0 {
		return nil, fmt.Errorf("document type catalog is empty")
	}

	c := &Catalog{
		ordered: make([]DocumentType, 0, len(file.DocumentTypes)),
		byKey:   make(map[string]DocumentType, len(file.DocumentTypes)),
	}
	for _, dt := range file.DocumentTypes {
		dt.Key = strings.TrimSpace(dt.Key)
		dt.Title = strings.TrimSpace(dt.Title)
		if dt.Key == "" || dt.Title == "" {
			return nil, fmt.Errorf("document type catalog entry requires key and title")
		}
		if _, dup := c.byKey[dt.Key]; dup {
			return nil, fmt.Errorf("duplicate document type %q", dt.Key)
		}
		c.byKey[dt.Key] = dt
		c.ordered = append(c.ordered, dt)
	}
	return c, nil
}

// DefaultCatalog returns the catalog embedded in the binary.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(documentTypesYAML)
	if err != nil {
		panic("embedded document type catalog is invalid: " + err.Error())
	}
	return c
}

// All returns the catalog entries in declaration order.
func (c *Catalog) All() []DocumentType {
	out := make([]DocumentType, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Lookup returns the entry for key.
func (c *Catalog) Lookup(key string) (DocumentType, bool) {
	dt, ok := c.byKey[key]
	return dt, ok
}

// UnknownDocumentTypeError lists keys that are not in the catalog.
type UnknownDocumentTypeError struct {
	Keys []string
}

func (e *UnknownDocumentTypeError) Error() string {
	return "unknown document type(s): " + strings.Join(e.Keys, ", ")
}

// Resolve maps a non-empty, ordered list of keys to catalog entries. The whole
// list is rejected if any key is unknown; duplicates are collapsed keeping the
// first occurrence.
func (c *Catalog) Resolve(keys []string) ([]DocumentType, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one document type is required")
	}

	seen := make(map[string]struct{}, len(keys))
	resolved := make([]DocumentType, 0, len(keys))
	var unknown []string
	for _, raw := range keys {
		key := strings.TrimSpace(raw)
		dt, ok := c.byKey[key]
		if !ok {
			unknown = append(unknown, raw)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		resolved = append(resolved, dt)
	}
	if len(unknown) > 0 {
		return nil, &UnknownDocumentTypeError{Keys: unknown}
	}
	return resolved, nil
}
