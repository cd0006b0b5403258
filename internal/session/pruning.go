package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vtcode/core/internal/provider"
)

// PruneTrigger names why a pruning pass ran.
type PruneTrigger int

const (
	TriggerManual PruneTrigger = iota
	TriggerEntryCountExceeded
	TriggerIdleInterval
	TriggerMemoryPressure
)

func (t PruneTrigger) String() string {
	switch t {
	case TriggerEntryCountExceeded:
		return "entry_count_exceeded"
	case TriggerIdleInterval:
		return "idle_interval"
	case TriggerMemoryPressure:
		return "memory_pressure"
	default:
		return "manual"
	}
}

// PruningDecision is one ledger entry: the messages dropped in a single
// prune pass, why, and what semantic score each scored.
type PruningDecision struct {
	Timestamp     time.Time
	Trigger       PruneTrigger
	DroppedCount  int
	DroppedChars  int
	RemainingMsgs int
	Scores        []float64
}

// MaxLedgerEntries and AutoPruneInterval bound the ledger itself (by count
// and by age) so the pruning record doesn't become the thing that needs
// pruning. AutoPruneInterval and AutoPruneMaxMsgs are also the idle and
// message-count thresholds of ShouldAutoPrune.
const (
	MaxLedgerEntries  = 1000
	AutoPruneInterval = 30 * time.Minute
	AutoPruneMaxMsgs  = 1000
)

// Ledger records the pruning decisions made in a session, for auditing
// what context a given response actually saw. Record evicts old entries
// (see sweepLocked); the `stats` subcommand does not read the ledger.
type Ledger struct {
	mu      sync.Mutex
	entries []PruningDecision
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record appends a decision, then sweeps the ledger: entries older than
// AutoPruneInterval are evicted, and the remainder is capped at
// MaxLedgerEntries. Both bounds apply on every Record call so a
// long-running, low-activity session can't accumulate arbitrarily old
// entries just because the count never crosses MaxLedgerEntries.
func (l *Ledger) Record(d PruningDecision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	l.entries = append(l.entries, d)
	l.sweepLocked(d.Timestamp)
}

// sweepLocked drops entries older than AutoPruneInterval relative to now,
// then trims to MaxLedgerEntries. Callers must hold l.mu.
func (l *Ledger) sweepLocked(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-AutoPruneInterval)
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	if len(l.entries) > MaxLedgerEntries {
		l.entries = l.entries[len(l.entries)-MaxLedgerEntries:]
	}
}

// Entries returns a copy of the ledger, oldest first.
func (l *Ledger) Entries() []PruningDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PruningDecision, len(l.entries))
	copy(out, l.entries)
	return out
}

// TotalDropped sums DroppedCount across every recorded decision.
func (l *Ledger) TotalDropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, e := range l.entries {
		total += e.DroppedCount
	}
	return total
}

// ShouldAutoPrune reports whether idle time or message count crossed the
// auto-prune thresholds since lastActivity.
func ShouldAutoPrune(lastActivity time.Time, messageCount int) (PruneTrigger, bool) {
	if messageCount > AutoPruneMaxMsgs {
		return TriggerEntryCountExceeded, true
	}
	if !lastActivity.IsZero() && time.Since(lastActivity) >= AutoPruneInterval {
		return TriggerIdleInterval, true
	}
	return TriggerManual, false
}

// semanticScore is a cheap relevance heuristic, not a real embedding
// similarity: longer, tool-result-bearing messages and anything mentioning
// a filename or an identifier-looking token score higher, since those are
// the messages most likely to be referenced again. PruneToFit neither
// scores nor drops the first message (assumed system) or the last one.
func semanticScore(m provider.Message) float64 {
	text := m.Content
	score := 0.1
	if len(text) > 0 {
		score += minF(float64(len(text))/2000.0, 0.4)
	}
	if m.Role == "tool" {
		score += 0.2
	}
	for _, marker := range []string{".go", ".md", ".json", "func ", "error", "TODO"} {
		if strings.Contains(text, marker) {
			score += 0.05
		}
	}
	return minF(score, 1.0)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// PruneToFit drops the lowest-scoring prunable messages (everything except
// index 0, assumed system, and the final message, assumed the live turn)
// until the remaining total character count is at or below budgetChars.
// It returns the retained slice and a PruningDecision describing what was
// cut, or ok=false if nothing needed to be dropped.
func PruneToFit(messages []provider.Message, budgetChars int, trigger PruneTrigger) ([]provider.Message, PruningDecision, bool) {
	total := totalChars(messages)
	if total <= budgetChars || len(messages) <= 2 {
		return messages, PruningDecision{}, false
	}

	type scored struct {
		idx   int
		score float64
	}
	candidates := make([]scored, 0, len(messages)-2)
	for i := 1; i < len(messages)-1; i++ {
		candidates = append(candidates, scored{idx: i, score: semanticScore(messages[i])})
	}
	sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].score < candidates[b].score })

	drop := make(map[int]bool)
	droppedChars := 0
	scores := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		if total-droppedChars <= budgetChars {
			break
		}
		drop[c.idx] = true
		droppedChars += len(messages[c.idx].Content)
		scores = append(scores, c.score)
	}

	retained := make([]provider.Message, 0, len(messages)-len(drop))
	for i, m := range messages {
		if drop[i] {
			continue
		}
		retained = append(retained, m)
	}

	decision := PruningDecision{
		Timestamp:     time.Now(),
		Trigger:       trigger,
		DroppedCount:  len(drop),
		DroppedChars:  droppedChars,
		RemainingMsgs: len(retained),
		Scores:        scores,
	}
	return retained, decision, len(drop) > 0
}

func totalChars(messages []provider.Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}
