package router

import (
	"testing"
	"time"
)

func TestDedupSeenAfterMark(t *testing.T) {
	d := NewDedup()
	if d.Seen("m1") {
		t.Error("Seen() before MarkSeen should be false")
	}
	d.MarkSeen("m1")
	if !d.Seen("m1") {
		t.Error("Seen() after MarkSeen should be true")
	}
}

func TestDedupEmptyIDNeverSeen(t *testing.T) {
	d := NewDedup()
	d.MarkSeen("")
	if d.Seen("") {
		t.Error("empty identifier must never be seen")
	}
	if len(d.seen) != 0 {
		t.Errorf("empty identifier was stored, ledger size = %d", len(d.seen))
	}
}

func TestDedupExpiry(t *testing.T) {
	d := NewDedup()
	d.MarkSeen("old")
	d.seen["old"] = time.Now().Add(-10 * time.Minute)
	if d.Seen("old") {
		t.Error("entry older than TTL should not be seen")
	}
}

func TestDedupSweepOnThreshold(t *testing.T) {
	d := NewDedup()
	// Fill to the sweep threshold with expired entries.
	for i := 0; i < dedupSweepSize; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		d.seen[id] = time.Now().Add(-10 * time.Minute)
	}
	d.MarkSeen("fresh")
	if len(d.seen) != 1 {
		t.Errorf("sweep left %d entries, want 1 (only the fresh id)", len(d.seen))
	}
	if !d.Seen("fresh") {
		t.Error("fresh id should survive the sweep")
	}
}
