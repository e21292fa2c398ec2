package identity

import "fmt"

// Kind discriminates the three identity shapes a message can have.
type Kind int

const (
	// KindLocal means only the client-generated id exists (message still pending).
	KindLocal Kind = iota
	// KindCanonical means only the server-assigned id is known (message from
	// another device or sender, never pending on this one).
	KindCanonical
	// KindReconciled means both ids are known: an optimistic local entry that
	// has been matched with its canonical counterpart.
	KindReconciled
)

// Identity names a logical message. A message is identified by its canonical
// id once known, otherwise by its local id; during reconciliation both are
// carried so the dedup ledger can map one onto the other.
type Identity struct {
	kind        Kind
	localID     string
	canonicalID string
}

// Local returns an identity for a message that only has a client id.
func Local(localID string) Identity {
	return Identity{kind: KindLocal, localID: localID}
}

// Canonical returns an identity for a message known only by its server id.
func Canonical(canonicalID string) Identity {
	return Identity{kind: KindCanonical, canonicalID: canonicalID}
}

// Reconciled returns an identity carrying both ids.
func Reconciled(localID, canonicalID string) Identity {
	return Identity{kind: KindReconciled, localID: localID, canonicalID: canonicalID}
}

// Kind returns the identity's shape.
func (id Identity) Kind() Kind { return id.kind }

// LocalID returns the client id and whether one exists.
func (id Identity) LocalID() (string, bool) {
	return id.localID, id.kind == KindLocal || id.kind == KindReconciled
}

// CanonicalID returns the server id and whether one exists.
func (id Identity) CanonicalID() (string, bool) {
	return id.canonicalID, id.kind == KindCanonical || id.kind == KindReconciled
}

// Key returns the id used for display and storage keying: the canonical id
// once known, else the local id.
func (id Identity) Key() string {
	if id.canonicalID != "" {
		return id.canonicalID
	}
	return id.localID
}

// Reconcile attaches a canonical id to a local identity. It is an error to
// reconcile an identity that already carries a different canonical id.
func (id Identity) Reconcile(canonicalID string) (Identity, error) {
	switch id.kind {
	case KindLocal:
		return Reconciled(id.localID, canonicalID), nil
	case KindReconciled, KindCanonical:
		if id.canonicalID != canonicalID {
			return id, fmt.Errorf("identity already bound to %s, cannot rebind to %s", id.canonicalID, canonicalID)
		}
		return id, nil
	}
	return id, fmt.Errorf("unknown identity kind %d", id.kind)
}

func (id Identity) String() string {
	switch id.kind {
	case KindLocal:
		return "local:" + id.localID
	case KindCanonical:
		return "canonical:" + id.canonicalID
	default:
		return "reconciled:" + id.localID + "/" + id.canonicalID
	}
}
