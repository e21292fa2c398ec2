package dedup

import "testing"

func TestRecordAndApplied(t *testing.T) {
	l := NewLedger()
	if l.Applied("C1") {
		t.Error("empty ledger should not report C1 applied")
	}
	l.Record("C1", "L1")
	if !l.Applied("C1") {
		t.Error("C1 should be applied after Record")
	}
	localID, ok := l.LocalFor("C1")
	if !ok || localID != "L1" {
		t.Errorf("LocalFor(C1) = %q, %v, want L1", localID, ok)
	}
}

func TestLocalForWithoutCounterpart(t *testing.T) {
	l := NewLedger()
	l.Record("C1", "")
	if _, ok := l.LocalFor("C1"); ok {
		t.Error("LocalFor should report no counterpart for empty local id")
	}
}

// TestTombstonePermanence verifies that a deleted id cannot re-enter the
// ledger via a stale insert replay.
func TestTombstonePermanence(t *testing.T) {
	l := NewLedger()
	l.Record("C1", "L1")
	l.Tombstone("C1")

	if !l.Tombstoned("C1") {
		t.Fatal("C1 should be tombstoned")
	}
	if l.Applied("C1") {
		t.Error("tombstoned id should no longer be applied")
	}

	// Stale replay.
	l.Record("C1", "L1")
	if l.Applied("C1") {
		t.Error("Record after Tombstone should be a no-op")
	}
	if !l.Tombstoned("C1") {
		t.Error("tombstone should survive a replayed Record")
	}
}
