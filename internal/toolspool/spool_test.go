package toolspool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSpoolKeepsSmallOutputInline(t *testing.T) {
	s := New(t.TempDir())
	inline, path, err := s.Spool("Shell", "short output", time.Now())
	if err != nil {
		t.Fatalf("Spool failed: %v", err)
	}
	if inline != "short output" {
		t.Fatalf("expected output under InlineCap to pass through unchanged, got %q", inline)
	}
	if path != "" {
		t.Fatalf("expected no spool file for small output, got %q", path)
	}
}

func TestSpoolWritesOversizedOutputToDisk(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	big := strings.Repeat("x", InlineCap+1000)

	inline, path, err := s.Spool("Shell", big, time.Now())
	if err != nil {
		t.Fatalf("Spool failed: %v", err)
	}
	if path == "" {
		t.Fatal("expected a spool file path for oversized output")
	}
	if !strings.HasPrefix(path, filepath.Join(root, ".vtcode", "tool-output")) {
		t.Fatalf("expected spool file under .vtcode/tool-output, got %q", path)
	}
	if len([]rune(inline)) >= len([]rune(big)) {
		t.Fatal("expected the inline summary to be shorter than the original output")
	}
	if !strings.Contains(inline, path) {
		t.Fatalf("expected inline summary to reference the spool path, got %q", inline)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected spool file to exist on disk: %v", err)
	}
	if string(data) != big {
		t.Fatal("expected spool file to contain the full, untruncated output")
	}
}

func TestSpoolFileNamesDoNotCollideAcrossCalls(t *testing.T) {
	s := New(t.TempDir())
	big := strings.Repeat("y", InlineCap+1)

	_, path1, err := s.Spool("Shell", big, time.Now())
	if err != nil {
		t.Fatalf("first Spool failed: %v", err)
	}
	_, path2, err := s.Spool("Shell", big+"z", time.Now().Add(time.Millisecond))
	if err != nil {
		t.Fatalf("second Spool failed: %v", err)
	}
	if path1 == path2 {
		t.Fatalf("expected distinct spool files for distinct calls, both resolved to %q", path1)
	}
}

func TestSanitizeToolNameStripsUnsafeCharacters(t *testing.T) {
	if got := sanitizeToolName("../../etc/passwd"); strings.ContainsAny(got, "./") {
		t.Fatalf("expected sanitizeToolName to strip path separators, got %q", got)
	}
	if got := sanitizeToolName(""); got != "tool" {
		t.Fatalf("expected empty tool name to fall back to %q, got %q", "tool", got)
	}
}
