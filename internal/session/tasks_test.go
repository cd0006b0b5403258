package session

import (
	"path/filepath"
	"testing"
)

func TestChecklistAddUpdateList(t *testing.T) {
	c := NewTaskChecklist("Refactor module")
	i1 := c.Add("read spec")
	i2 := c.Add("write code")

	if i1 != 1 || i2 != 2 {
		t.Fatalf("expected stable 1-based indices, got %d, %d", i1, i2)
	}

	if err := c.Update(i1, TaskDone, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := c.Update(99, TaskDone, ""); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	items := c.List()
	if items[0].Status != TaskDone {
		t.Fatalf("expected item 1 done, got %v", items[0].Status)
	}
	if items[1].Status != TaskPending {
		t.Fatalf("expected item 2 pending, got %v", items[1].Status)
	}

	done, total := c.Progress()
	if done != 1 || total != 2 {
		t.Fatalf("expected 1/2, got %d/%d", done, total)
	}
}

func TestMarkdownRoundTrip(t *testing.T) {
	c := NewTaskChecklist("Plan")
	c.Add("analyze")
	c.Add("implement")
	c.Update(1, TaskInProgress, "")
	c.Notes = "remember to check edge cases"

	md := c.Markdown()
	parsed := ParseChecklist(md)

	if parsed.Title != "Plan" {
		t.Fatalf("expected title Plan, got %q", parsed.Title)
	}
	if len(parsed.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(parsed.Items))
	}
	if parsed.Items[0].Status != TaskInProgress {
		t.Fatalf("expected item 1 in-progress, got %v", parsed.Items[0].Status)
	}
	if parsed.Notes != "remember to check edge cases" {
		t.Fatalf("notes not round-tripped: %q", parsed.Notes)
	}
}

func TestSaveAndLoadChecklist(t *testing.T) {
	dir := t.TempDir()
	c := NewTaskChecklist("Saved plan")
	c.Add("step one")
	if err := c.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}

	expectedPath := filepath.Join(dir, ".vtcode", "tasks", "current_task.md")
	if TaskFilePath(dir) != expectedPath {
		t.Fatalf("unexpected path: %s", TaskFilePath(dir))
	}

	loaded, err := LoadChecklist(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Title != "Saved plan" || len(loaded.Items) != 1 {
		t.Fatalf("unexpected loaded checklist: %+v", loaded)
	}
}

func TestLoadChecklistMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	c, err := LoadChecklist(dir)
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(c.Items) != 0 {
		t.Fatalf("expected empty checklist, got %+v", c.Items)
	}
}
