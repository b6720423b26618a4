// Package manifest fetches, parses and validates the remote tool catalog
// manifest, keeps the current manifest behind an atomic reference and
// downloads tool payloads referenced by it.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaVersionV1 is the manifest schema version produced by the catalog publisher.
const SchemaVersionV1 = "1.0"

// Manifest is the authoritative description of all categories and tools.
// A Manifest is never mutated after it has been fetched.
type Manifest struct {
	SchemaVersion string           `json:"schemaVersion" yaml:"schemaVersion"`
	Categories    []Category       `json:"categories" yaml:"categories"`
	Tools         []ToolDescriptor `json:"tools" yaml:"tools"`
}

// Category groups tools for presentation.
type Category struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolDescriptor describes one executable tool. Descriptors are compared by
// value, never by identity.
type ToolDescriptor struct {
	ID                        string `json:"id" yaml:"id"`
	Name                      string `json:"name" yaml:"name"`
	CategoryID                string `json:"categoryId" yaml:"categoryId"`
	PayloadRef                string `json:"payloadRef" yaml:"payloadRef"`
	Version                   string `json:"version" yaml:"version"`
	Description               string `json:"description,omitempty" yaml:"description,omitempty"`
	RequiresElevatedPrivilege bool   `json:"requiresElevatedPrivilege" yaml:"requiresElevatedPrivilege"`
	RequiresExternalResource  bool   `json:"requiresExternalResource" yaml:"requiresExternalResource"`
	DocumentationRef          string `json:"documentationRef,omitempty" yaml:"documentationRef,omitempty"`
	Author                    string `json:"author,omitempty" yaml:"author,omitempty"`
}

// Tool returns the descriptor with the given id.
func (m *Manifest) Tool(id string) (ToolDescriptor, bool) {
	if m == nil {
		return ToolDescriptor{}, false
	}
	for _, t := range m.Tools {
		if t.ID == id {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// Category returns the category with the given id.
func (m *Manifest) Category(id string) (Category, bool) {
	if m == nil {
		return Category{}, false
	}
	for _, c := range m.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return Category{}, false
}

// ToolIDs returns every tool id in manifest order.
func (m *Manifest) ToolIDs() []string {
	if m == nil {
		return nil
	}
	ids := make([]string, 0, len(m.Tools))
	for _, t := range m.Tools {
		ids = append(ids, t.ID)
	}
	return ids
}

// Clone returns a deep copy.
func (m Manifest) Clone() Manifest {
	return Manifest{
		SchemaVersion: m.SchemaVersion,
		Categories:    slices.Clone(m.Categories),
		Tools:         slices.Clone(m.Tools),
	}
}

// Parse decodes a manifest document. JSON is expected; documents whose first
// non-space byte is not '{' are decoded as YAML with the same field names.
func Parse(data []byte) (Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Manifest{}, fmt.Errorf("manifest document is empty")
	}

	var m Manifest
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return Manifest{}, fmt.Errorf("decoding manifest json: %w", err)
		}
		return m, nil
	}

	if err := yaml.Unmarshal(trimmed, &m); err != nil {
		return Manifest{}, fmt.Errorf("decoding manifest yaml: %w", err)
	}
	return m, nil
}

// Encode renders the manifest as indented JSON.
func Encode(m Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return append(data, '\n'), nil
}

func schemaMajor(version string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	return major
}
