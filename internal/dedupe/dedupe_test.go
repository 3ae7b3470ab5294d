package dedupe_test

import "testing"

import "github.com/clawswarm/orchestrator/internal/dedupe"

func TestSeen_FirstOccurrenceIsNotSeen(t *testing.T) {
	l := dedupe.New(4)
	if l.Seen("a") {
		t.Fatal("expected first occurrence to report unseen")
	}
	if !l.Seen("a") {
		t.Fatal("expected second occurrence to report seen")
	}
}

func TestSeen_EvictsLeastRecentlyUsed(t *testing.T) {
	l := dedupe.New(2)
	l.Seen("a")
	l.Seen("b")
	l.Seen("c") // evicts "a"

	if l.Seen("a") {
		t.Fatal("expected evicted key to report unseen")
	}
	if !l.Seen("b") {
		t.Fatal("expected b to still be cached")
	}
}

func TestSeen_RefreshesRecencyOnAccess(t *testing.T) {
	l := dedupe.New(2)
	l.Seen("a")
	l.Seen("b")
	l.Seen("a") // refresh a's recency; b is now the LRU entry
	l.Seen("c") // should evict b, not a

	if l.Seen("b") {
		t.Fatal("expected b to have been evicted")
	}
	if !l.Seen("a") {
		t.Fatal("expected a to still be cached")
	}
}

func TestNew_NonPositiveCapacityNormalizedToOne(t *testing.T) {
	l := dedupe.New(0)
	l.Seen("a")
	l.Seen("b")
	if l.Len() != 1 {
		t.Fatalf("expected capacity-1 cache to hold exactly 1 entry, got %d", l.Len())
	}
}
