// Package toolspool implements the §6 persisted-state tool-output spool
// (`.vtcode/tool-output/`): a tool result too large to keep inline in the
// conversation is written to disk in full, and the transcript carries a
// truncated summary plus a pointer to the spool file. Grounded on
// internal/mcptools/shell.go's maxOutputChars/truncateMiddle inline
// truncation, generalized from "just truncate" to "truncate inline, keep
// the rest retrievable."
package toolspool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// InlineCap is the same inline budget internal/mcptools/shell.go enforces
// for a Shell result; Spooler reuses it as the threshold past which a
// result gets a spool file instead of a harder truncation.
const InlineCap = 30000

// Spooler writes oversized tool output to Dir, one file per call, named by
// a hash of the tool name, a timestamp, and the first 256 bytes of the
// output, so repeated calls to the same tool resolve to distinct files.
type Spooler struct {
	Dir string
}

// New returns a Spooler rooted at workspaceDir/.vtcode/tool-output.
func New(workspaceDir string) *Spooler {
	return &Spooler{Dir: filepath.Join(workspaceDir, ".vtcode", "tool-output")}
}

// Spool writes output to a new file under s.Dir when it exceeds InlineCap,
// returning the truncated inline text the transcript should carry and the
// absolute path of the spool file (empty if nothing was spooled). now is
// the call's timestamp, part of the spool filename so concurrent calls to
// the same tool resolve to distinct files.
func (s *Spooler) Spool(toolName, output string, now time.Time) (inline string, path string, err error) {
	if len([]rune(output)) <= InlineCap {
		return output, "", nil
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", "", fmt.Errorf("toolspool: create %s: %w", s.Dir, err)
	}

	name := fmt.Sprintf("%s-%s.log", sanitizeToolName(toolName), spoolID(toolName, output, now))
	fullPath := filepath.Join(s.Dir, name)
	if err := os.WriteFile(fullPath, []byte(output), 0600); err != nil {
		return "", "", fmt.Errorf("toolspool: write %s: %w", fullPath, err)
	}

	inline = truncateMiddle(output, InlineCap)
	inline += fmt.Sprintf("\n\n[full output spooled to %s]\n", fullPath)
	return inline, fullPath, nil
}

func spoolID(toolName, output string, now time.Time) string {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte(now.Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(output[:minInt(len(output), 256)]))
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func sanitizeToolName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "tool"
	}
	return string(out)
}

// truncateMiddle mirrors internal/mcptools/shell.go's inline-truncation
// shape: keep the head and tail, elide the middle.
func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated, see spool file] ...\n\n" + string(runes[len(runes)-half:])
}
