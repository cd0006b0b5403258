package session

import (
	"strings"
	"testing"
	"time"

	"github.com/vtcode/core/internal/provider"
)

func msg(role string, n int) provider.Message {
	return provider.Message{Role: role, Content: strings.Repeat("x", n)}
}

func TestPruneToFitNoOpUnderBudget(t *testing.T) {
	messages := []provider.Message{msg("system", 10), msg("user", 10), msg("assistant", 10)}
	out, _, pruned := PruneToFit(messages, 1000, TriggerManual)
	if pruned {
		t.Fatalf("expected no pruning under budget")
	}
	if len(out) != len(messages) {
		t.Fatalf("expected unchanged messages")
	}
}

func TestPruneToFitDropsLowestScored(t *testing.T) {
	messages := []provider.Message{
		msg("system", 10),
		msg("user", 500),
		msg("tool", 2000),
		msg("user", 4), // most recent turn, never pruned
	}
	out, decision, pruned := PruneToFit(messages, 100, TriggerEntryCountExceeded)
	if !pruned {
		t.Fatalf("expected pruning")
	}
	if out[0].Role != "system" {
		t.Fatalf("system message must be retained at index 0")
	}
	if out[len(out)-1].Content != messages[len(messages)-1].Content {
		t.Fatalf("final message must always be retained")
	}
	if decision.DroppedCount == 0 {
		t.Fatalf("expected a non-zero dropped count in the decision record")
	}
}

func TestLedgerRecordAndTotals(t *testing.T) {
	l := NewLedger()
	l.Record(PruningDecision{DroppedCount: 3})
	l.Record(PruningDecision{DroppedCount: 5})
	if total := l.TotalDropped(); total != 8 {
		t.Fatalf("expected total 8, got %d", total)
	}
	if len(l.Entries()) != 2 {
		t.Fatalf("expected 2 entries")
	}
}

func TestLedgerBoundedSize(t *testing.T) {
	l := NewLedger()
	for i := 0; i < MaxLedgerEntries+50; i++ {
		l.Record(PruningDecision{DroppedCount: 1})
	}
	if len(l.Entries()) != MaxLedgerEntries {
		t.Fatalf("expected ledger capped at %d, got %d", MaxLedgerEntries, len(l.Entries()))
	}
}

func TestLedgerEvictsByAge(t *testing.T) {
	l := NewLedger()
	old := time.Now().Add(-AutoPruneInterval - time.Minute)
	l.Record(PruningDecision{DroppedCount: 1, Timestamp: old})
	l.Record(PruningDecision{DroppedCount: 2, Timestamp: old})
	l.Record(PruningDecision{DroppedCount: 3}) // fresh, stamped with time.Now()

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected stale entries evicted, got %d entries", len(entries))
	}
	if entries[0].DroppedCount != 3 {
		t.Fatalf("expected only the fresh entry to survive, got %+v", entries[0])
	}
	if time.Since(entries[0].Timestamp) > AutoPruneInterval {
		t.Fatalf("surviving entry must be within AutoPruneInterval, age=%v", time.Since(entries[0].Timestamp))
	}
}

func TestShouldAutoPrune(t *testing.T) {
	if _, ok := ShouldAutoPrune(time.Now(), 10); ok {
		t.Fatalf("expected no auto-prune for fresh, small session")
	}
	if trigger, ok := ShouldAutoPrune(time.Now(), AutoPruneMaxMsgs+1); !ok || trigger != TriggerEntryCountExceeded {
		t.Fatalf("expected entry-count trigger, got %v, %v", trigger, ok)
	}
	old := time.Now().Add(-AutoPruneInterval - time.Minute)
	if trigger, ok := ShouldAutoPrune(old, 5); !ok || trigger != TriggerIdleInterval {
		t.Fatalf("expected idle trigger, got %v, %v", trigger, ok)
	}
}
