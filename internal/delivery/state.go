package delivery

import (
	"fmt"
	"slices"
)

// State is the lifecycle label attached to a message.
type State string

const (
	Pending   State = "pending"
	Sent      State = "sent"
	Delivered State = "delivered"
	Read      State = "read"
	Failed    State = "failed"
)

// rank orders the forward path. Failed sits outside the ordering.
var rank = map[State]int{
	Pending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// validTransitions defines allowed state transitions. Failed is reachable
// only from Pending, and leaving Failed requires an explicit user retry.
var validTransitions = map[State][]State{
	Pending:   {Sent, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {Pending},
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	_, ok := rank[s]
	return ok || s == Failed
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition validates from -> to and returns the new state.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid delivery transition from %s to %s", from, to)
	}
	return to, nil
}

// Merge applies an observed state on top of the current one, ignoring
// anything that would move the message backward. Out-of-order realtime
// updates (a delivered receipt arriving after read) collapse to a no-op.
// Failed never overrides a state that already left Pending.
func Merge(current, observed State) State {
	if observed == Failed {
		if current == Pending {
			return Failed
		}
		return current
	}
	if current == Failed {
		// Only an explicit retry (back to Pending) leaves Failed.
		if observed == Pending {
			return Pending
		}
		return current
	}
	if rank[observed] > rank[current] {
		return observed
	}
	return current
}

// FromSeen maps the remote store's seen flag onto a delivery state for
// canonical messages pulled during reconciliation.
func FromSeen(seen bool) State {
	if seen {
		return Read
	}
	return Delivered
}
