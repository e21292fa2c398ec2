package dedup

import "sync"

// Ledger tracks which canonical message ids have already been applied to the
// visible conversation, and which local id each one reconciled against. It
// also retains tombstones for deleted ids so a stale insert replay cannot
// resurrect a removed message. The ledger is in-memory only; it lives for
// the life of the realtime subscription and is rebuilt implicitly by the
// next full sync after a restart.
type Ledger struct {
	mu      sync.Mutex
	applied map[string]string // canonical id -> local id ("" when no local counterpart)
	tombs   map[string]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		applied: make(map[string]string),
		tombs:   make(map[string]struct{}),
	}
}

// Record marks a canonical id as applied, remembering the local id it was
// reconciled with. Recording a tombstoned id is a no-op.
func (l *Ledger) Record(canonicalID, localID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dead := l.tombs[canonicalID]; dead {
		return
	}
	l.applied[canonicalID] = localID
}

// Applied reports whether a canonical id has already been applied.
func (l *Ledger) Applied(canonicalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.applied[canonicalID]
	return ok
}

// LocalFor returns the local id a canonical id reconciled against, if any.
func (l *Ledger) LocalFor(canonicalID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	localID, ok := l.applied[canonicalID]
	if !ok || localID == "" {
		return "", false
	}
	return localID, true
}

// Tombstone marks a canonical id as deleted. The marker is permanent for
// the ledger's lifetime: Record calls for the id are ignored afterwards.
func (l *Ledger) Tombstone(canonicalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.applied, canonicalID)
	l.tombs[canonicalID] = struct{}{}
}

// Tombstoned reports whether a canonical id has been deleted.
func (l *Ledger) Tombstoned(canonicalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tombs[canonicalID]
	return ok
}
