package status

import (
	"testing"

	"github.com/tmarotta/quill/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Offline},
		{Booting, Connecting},
		{Offline, Connecting},
		{Connecting, Syncing},
		{Syncing, Ready},
		{Ready, Offline},
		{Ready, Syncing},
		{Degraded, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(BOOTING -> READY) should fail")
	}
	if m.Current() != Booting {
		t.Errorf("state = %s, should not have changed", m.Current())
	}
}

func TestTransitionEmitsStatusEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Offline {
		t.Errorf("change = %v -> %v, want BOOTING -> OFFLINE", change.From, change.To)
	}
}

// TestReadyEmitsConnOnline verifies the connectivity edge the drainer keys
// off: entering READY publishes conn.online exactly once per edge.
func TestReadyEmitsConnOnline(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Ready)

	evt := <-ch
	if evt.Kind != bus.KindConnOnline {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindConnOnline)
	}
	if len(ch) != 0 {
		t.Error("only one conn event expected")
	}
}

func TestOfflineEmitsConnOffline(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	walkTo(t, m, Ready)

	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}
	evt := <-ch
	if evt.Kind != bus.KindConnOffline {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindConnOffline)
	}
}

// TestBootOfflineThenReconnect simulates the full offline-first lifecycle:
// BOOTING -> OFFLINE (cache only) -> CONNECTING -> SYNCING -> READY.
func TestBootOfflineThenReconnect(t *testing.T) {
	m := NewMachine(nil)
	steps := []State{Offline, Connecting, Syncing, Ready}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Ready {
		t.Errorf("final state = %s, want READY", m.Current())
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:    {},
		Offline:    {Offline},
		Connecting: {Offline, Connecting},
		Syncing:    {Offline, Connecting, Syncing},
		Ready:      {Offline, Connecting, Syncing, Ready},
		Degraded:   {Offline, Connecting, Degraded},
		Error:      {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
