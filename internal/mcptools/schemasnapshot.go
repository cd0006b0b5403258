package mcptools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vtcode/core/internal/mcp"
)

// ToolCatalog returns every built-in tool definition in a fixed order.
// WriteSchemaSnapshots and the tests in schemasnapshot_test.go walk it so
// a newly registered tool automatically gets a snapshot and a stability
// check without further wiring.
func ToolCatalog() []mcp.Tool {
	return []mcp.Tool{
		NewReadTool(),
		NewEditTool(),
		NewShellTool(),
		NewGrepTool(),
		NewGitStatusTool(),
		NewGitDiffTool(),
		NewTaskTrackerTool(),
		NewTodoWriteTool(),
		NewWebFetchTool(),
		NewWebSearchTool(),
		NewSubAgentTool(),
	}
}

// WriteSchemaSnapshots persists one JSON file per tool, keyed by tool name
// (§6 "Tool schema snapshots... one JSON file per tool"), under dir. A
// snapshot that changes unexpectedly between releases signals an
// accidental break in a tool's contract with the model.
func WriteSchemaSnapshots(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("tool schema snapshots: create %s: %w", dir, err)
	}
	for _, t := range ToolCatalog() {
		var parsed interface{}
		if err := json.Unmarshal(t.InputSchema, &parsed); err != nil {
			return fmt.Errorf("tool schema snapshots: %s: invalid input schema: %w", t.Name, err)
		}
		data, err := json.MarshalIndent(parsed, "", "  ")
		if err != nil {
			return fmt.Errorf("tool schema snapshots: %s: %w", t.Name, err)
		}
		path := filepath.Join(dir, t.Name+".json")
		if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("tool schema snapshots: %s: write %s: %w", t.Name, path, err)
		}
	}
	return nil
}
