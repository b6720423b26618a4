package manifest

import (
	"strings"
	"testing"
)

const sampleJSON = `{
  "schemaVersion": "1.0",
  "categories": [
    {"id": "disk", "name": "Disk", "description": "Disk maintenance"},
    {"id": "net", "name": "Network"}
  ],
  "tools": [
    {
      "id": "disk-cleanup",
      "name": "Disk cleanup",
      "categoryId": "disk",
      "payloadRef": "payloads/disk-cleanup.sh",
      "version": "1.2.0",
      "description": "Removes temp files",
      "requiresElevatedPrivilege": true,
      "requiresExternalResource": false,
      "documentationRef": "https://docs.example.com/disk-cleanup",
      "author": "ops"
    },
    {
      "id": "dns-flush",
      "name": "DNS flush",
      "categoryId": "net",
      "payloadRef": "https://cdn.example.com/dns-flush.sh",
      "version": "3",
      "requiresElevatedPrivilege": false,
      "requiresExternalResource": true,
      "author": "ops"
    }
  ]
}`

func sampleManifest() Manifest {
	return Manifest{
		SchemaVersion: SchemaVersionV1,
		Categories: []Category{
			{ID: "disk", Name: "Disk"},
			{ID: "net", Name: "Network"},
		},
		Tools: []ToolDescriptor{
			{ID: "disk-cleanup", Name: "Disk cleanup", CategoryID: "disk", PayloadRef: "disk-cleanup.sh", Version: "1"},
			{ID: "dns-flush", Name: "DNS flush", CategoryID: "net", PayloadRef: "dns-flush.sh", Version: "1"},
		},
	}
}

func TestParseJSON(t *testing.T) {
	m, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.SchemaVersion != "1.0" {
		t.Fatalf("SchemaVersion = %q, want 1.0", m.SchemaVersion)
	}
	if len(m.Categories) != 2 || len(m.Tools) != 2 {
		t.Fatalf("got %d categories, %d tools", len(m.Categories), len(m.Tools))
	}
	tool, ok := m.Tool("disk-cleanup")
	if !ok {
		t.Fatal("Tool(disk-cleanup) ok = false")
	}
	if !tool.RequiresElevatedPrivilege || tool.RequiresExternalResource {
		t.Fatalf("privilege flags = %v/%v", tool.RequiresElevatedPrivilege, tool.RequiresExternalResource)
	}
	if tool.DocumentationRef != "https://docs.example.com/disk-cleanup" {
		t.Fatalf("DocumentationRef = %q", tool.DocumentationRef)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	doc := `
schemaVersion: "1.0"
categories:
  - id: disk
    name: Disk
tools:
  - id: disk-cleanup
    name: Disk cleanup
    categoryId: disk
    payloadRef: disk-cleanup.sh
    version: 1.2.0
    requiresElevatedPrivilege: true
`
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	tool, ok := m.Tool("disk-cleanup")
	if !ok {
		t.Fatal("Tool(disk-cleanup) ok = false")
	}
	if tool.Version != "1.2.0" || !tool.RequiresElevatedPrivilege {
		t.Fatalf("tool = %+v", tool)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, doc := range []string{"", "   ", "{not json", "- [unbalanced"} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("Parse(%q) error = nil, want non-nil", doc)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := Encode(sampleManifest())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"categoryId": "disk"`) {
		t.Fatalf("encoded manifest missing camelCase field:\n%s", data)
	}
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(m.Tools) != 2 || m.Tools[1].ID != "dns-flush" {
		t.Fatalf("tools = %+v", m.Tools)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := sampleManifest()
	clone := m.Clone()
	clone.Tools[0].Version = "99"
	if m.Tools[0].Version != "1" {
		t.Fatal("mutating clone changed original")
	}
}
