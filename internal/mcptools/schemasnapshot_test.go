package mcptools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// TestToolSchemasAreStable asserts every catalog tool's JSON-Schema is
// well-formed and byte-identical across repeated construction: a tool
// definition built from a literal InputSchema should never drift between
// two calls to its constructor in the same process, which is the
// stability property the spooled snapshots on disk are meant to catch
// across releases.
func TestToolSchemasAreStable(t *testing.T) {
	again := ToolCatalog()
	for i, tool := range ToolCatalog() {
		i, tool := i, tool
		t.Run(tool.Name, func(t *testing.T) {
			var parsed map[string]interface{}
			if err := json.Unmarshal(tool.InputSchema, &parsed); err != nil {
				t.Fatalf("tool %s: input schema is not valid JSON: %v", tool.Name, err)
			}
			if parsed["type"] != "object" {
				t.Fatalf("tool %s: expected schema type \"object\", got %v", tool.Name, parsed["type"])
			}
			if _, ok := parsed["properties"]; !ok {
				t.Fatalf("tool %s: expected a \"properties\" field", tool.Name)
			}
			if string(again[i].InputSchema) != string(tool.InputSchema) {
				t.Fatalf("tool %s: input schema differs between two calls to its constructor", tool.Name)
			}
		})
	}
}

func TestWriteSchemaSnapshotsProducesOneFilePerTool(t *testing.T) {
	dir := t.TempDir()
	if err := WriteSchemaSnapshots(dir); err != nil {
		t.Fatalf("WriteSchemaSnapshots failed: %v", err)
	}

	for _, tool := range ToolCatalog() {
		path := filepath.Join(dir, tool.Name+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("expected a snapshot file for %s: %v", tool.Name, err)
		}
		var parsed interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("snapshot for %s is not valid JSON: %v", tool.Name, err)
		}
	}
}

func TestWriteSchemaSnapshotsIsDeterministic(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	if err := WriteSchemaSnapshots(dirA); err != nil {
		t.Fatalf("WriteSchemaSnapshots(dirA) failed: %v", err)
	}
	if err := WriteSchemaSnapshots(dirB); err != nil {
		t.Fatalf("WriteSchemaSnapshots(dirB) failed: %v", err)
	}

	for _, tool := range ToolCatalog() {
		a, err := os.ReadFile(filepath.Join(dirA, tool.Name+".json"))
		if err != nil {
			t.Fatalf("reading dirA snapshot for %s: %v", tool.Name, err)
		}
		b, err := os.ReadFile(filepath.Join(dirB, tool.Name+".json"))
		if err != nil {
			t.Fatalf("reading dirB snapshot for %s: %v", tool.Name, err)
		}
		if string(a) != string(b) {
			t.Fatalf("expected identical snapshots for %s across independent writes", tool.Name)
		}
	}
}
