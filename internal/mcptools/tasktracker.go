package mcptools

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/vtcode/core/internal/mcp"
	"github.com/vtcode/core/internal/session"
)

// TaskTrackerArgs represents arguments for the TaskTracker tool. Action
// selects the operation; the remaining fields are interpreted per action.
type TaskTrackerArgs struct {
	Action      string `json:"action"`
	Title       string `json:"title,omitempty"`       // create
	Description string `json:"description,omitempty"` // add
	Index       int    `json:"index,omitempty"`        // update
	Status      string `json:"status,omitempty"`       // update: pending|in_progress|done
	Notes       string `json:"notes,omitempty"`        // update (checklist-level notes)
}

// TaskTrackerHandler owns the checklist for one session and persists it to
// the workspace root on every mutation, so `.vtcode/tasks/current_task.md`
// always reflects the latest state a user could open mid-session.
type TaskTrackerHandler struct {
	mu        sync.Mutex
	checklist *session.TaskChecklist
	root      string
}

// NewTaskTrackerHandler loads any existing checklist under root, or starts
// a fresh one.
func NewTaskTrackerHandler(root string) *TaskTrackerHandler {
	checklist, err := session.LoadChecklist(root)
	if err != nil {
		checklist = session.NewTaskChecklist("Task")
	}
	return &TaskTrackerHandler{checklist: checklist, root: root}
}

// Checklist returns the underlying checklist, e.g. for recitation.
func (h *TaskTrackerHandler) Checklist() *session.TaskChecklist {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checklist
}

// NewTaskTrackerTool creates the TaskTracker tool definition.
func NewTaskTrackerTool() mcp.Tool {
	return mcp.Tool{
		Name: "TaskTracker",
		Description: `Manage a persistent, numbered task checklist for multi-step work. Actions:
  create - start a new checklist with a title, replacing any existing one
  add    - append a new pending item, returns its stable index
  update - change an item's status (pending|in_progress|done) by index, and optionally its description or the checklist's notes
  list   - return the current checklist as Markdown
Prefer this over TodoWrite when work has discrete, trackable steps that should survive across turns.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action":      {"type": "string", "enum": ["create", "add", "update", "list"]},
				"title":       {"type": "string", "description": "Checklist title. Required for create."},
				"description": {"type": "string", "description": "Item text. Required for add; optional new text for update."},
				"index":       {"type": "integer", "description": "Stable item index. Required for update."},
				"status":      {"type": "string", "enum": ["pending", "in_progress", "done"], "description": "New status. Required for update."},
				"notes":       {"type": "string", "description": "Replaces the checklist's free-form notes section."}
			},
			"required": ["action"]
		}`),
	}
}

// Handle dispatches a TaskTracker call by action.
func (h *TaskTrackerHandler) Handle(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args TaskTrackerArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch args.Action {
	case "create":
		if args.Title == "" {
			return toolError("title is required for create"), nil
		}
		h.checklist = session.NewTaskChecklist(args.Title)
		h.persistLocked()
		return toolText("Created checklist: " + args.Title), nil

	case "add":
		if args.Description == "" {
			return toolError("description is required for add"), nil
		}
		idx := h.checklist.Add(args.Description)
		h.persistLocked()
		return toolText(indexedText(idx, "Added item")), nil

	case "update":
		if args.Index <= 0 {
			return toolError("a positive index is required for update"), nil
		}
		status, ok := parseStatus(args.Status)
		if !ok {
			return toolError("status must be one of: pending, in_progress, done"), nil
		}
		if err := h.checklist.Update(args.Index, status, args.Description); err != nil {
			return toolError("%v: %d", err, args.Index), nil
		}
		if args.Notes != "" {
			h.checklist.Notes = args.Notes
		}
		h.persistLocked()
		return toolText(h.checklist.Markdown()), nil

	case "list":
		return toolText(h.checklist.Markdown()), nil

	default:
		return toolError("unknown action %q", args.Action), nil
	}
}

func (h *TaskTrackerHandler) persistLocked() {
	if h.root == "" {
		return
	}
	if err := h.checklist.Save(h.root); err != nil && !os.IsPermission(err) {
		// Persistence is best-effort: an unwritable workspace shouldn't
		// block the in-memory checklist from working for the rest of the
		// turn.
		_ = err
	}
}

func parseStatus(s string) (session.TaskStatus, bool) {
	switch s {
	case "pending":
		return session.TaskPending, true
	case "in_progress":
		return session.TaskInProgress, true
	case "done":
		return session.TaskDone, true
	default:
		return 0, false
	}
}

func indexedText(idx int, prefix string) string {
	return prefix + ": #" + strconv.Itoa(idx)
}
