package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tmarotta/quill/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Syncing    State = "SYNCING"
	Ready      State = "READY"
	Degraded   State = "DEGRADED"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions. The daemon boots into
// Offline (local cache only), moves through Connecting/Syncing when the
// network comes back, and falls back to Offline on loss.
var validTransitions = map[State][]State{
	Booting:    {Offline, Connecting, Error},
	Offline:    {Connecting, Error},
	Connecting: {Syncing, Offline, Degraded, Error},
	Syncing:    {Ready, Offline, Degraded, Error},
	Ready:      {Offline, Syncing, Degraded, Error},
	Degraded:   {Connecting, Syncing, Ready, Offline, Error},
	Error:      {Booting},
}

// Machine tracks and enforces daemon runtime state transitions, and
// publishes connectivity edges the outbox drainer reacts to.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus == nil {
		return nil
	}
	m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	// Connectivity edges drive outbox draining.
	if to == Ready && from != Ready {
		m.bus.Emit(bus.KindConnOnline, nil)
	}
	if to == Offline && from != Offline && from != Booting {
		m.bus.Emit(bus.KindConnOffline, nil)
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
