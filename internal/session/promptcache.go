// Package session implements the §4.5 session/context engine: an
// incremental system-prompt cache, a bounded context-pruning ledger,
// and a Markdown-backed task checklist. Grounded on internal/llm's prompt
// assembly (internal/llm/prompt.go) and internal/store's sqlite patterns.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/vtcode/core/internal/llm"
	"github.com/vtcode/core/internal/treesitter"
)

// PromptCache memoizes BuildSystemPrompt's output, keyed on the tuple that
// can change its result: model ID, the tree-sitter index's current
// snapshot digest, and AGENTS.md's content digest. A cache hit avoids
// re-walking the directory tree and re-formatting the outline on every
// turn; AGENTS.md and the project outline rarely change within a session.
type PromptCache struct {
	mu        sync.RWMutex
	key       string
	prompt    string
	hits      int
	misses    int
	evictions int
}

// NewPromptCache returns an empty cache.
func NewPromptCache() *PromptCache {
	return &PromptCache{}
}

// Get returns the cached system prompt for modelID/idx if still valid,
// rebuilding and caching it otherwise.
func (c *PromptCache) Get(modelID string, idx *treesitter.Index) string {
	key := cacheKey(modelID, idx)

	c.mu.RLock()
	if c.key == key {
		prompt := c.prompt
		c.mu.RUnlock()
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return prompt
	}
	c.mu.RUnlock()

	prompt := llm.BuildSystemPrompt(modelID, idx)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have rebuilt and stored the same key while we
	// were outside the lock; re-check before overwriting so we don't count
	// a spurious eviction.
	if c.key == key {
		c.hits++
		return c.prompt
	}
	if c.key != "" {
		c.evictions++
	}
	c.misses++
	c.key = key
	c.prompt = prompt
	return prompt
}

// Invalidate forces the next Get to rebuild regardless of key match —
// used when AGENTS.md or the workspace root changes out from under a
// long-lived session.
func (c *PromptCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = ""
	c.prompt = ""
}

// Stats reports cache hit/miss/eviction counters for diagnostics (the
// `stats` CLI subcommand does not read them).
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
}

func (c *PromptCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

func cacheKey(modelID string, idx *treesitter.Index) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(llm.LoadAgentInstructions()))
	if idx != nil {
		outline := treesitter.FormatOutline(idx.Snapshot())
		h.Write([]byte{0})
		h.Write([]byte(outline))
	}
	return hex.EncodeToString(h.Sum(nil))
}
