package delivery

import "testing"

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Pending, Sent},
		{Pending, Failed},
		{Sent, Delivered},
		{Sent, Read},
		{Delivered, Read},
		{Failed, Pending},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, err := Transition(tt.from, tt.to)
			if err != nil {
				t.Fatalf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if got != tt.to {
				t.Errorf("state = %s, want %s", got, tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Read, Delivered},
		{Delivered, Sent},
		{Sent, Pending},
		{Sent, Failed},
		{Delivered, Failed},
		{Read, Failed},
		{Failed, Sent},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if _, err := Transition(tt.from, tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
		})
	}
}

// TestMergeIsMonotonic verifies that out-of-order observations never move a
// message backward along pending < sent < delivered < read.
func TestMergeIsMonotonic(t *testing.T) {
	tests := []struct {
		current  State
		observed State
		want     State
	}{
		{Pending, Sent, Sent},
		{Sent, Delivered, Delivered},
		{Delivered, Read, Read},
		{Read, Delivered, Read},
		{Delivered, Sent, Delivered},
		{Read, Pending, Read},
		{Sent, Read, Read},
	}
	for _, tt := range tests {
		if got := Merge(tt.current, tt.observed); got != tt.want {
			t.Errorf("Merge(%s, %s) = %s, want %s", tt.current, tt.observed, got, tt.want)
		}
	}
}

func TestMergeFailedOnlyFromPending(t *testing.T) {
	if got := Merge(Pending, Failed); got != Failed {
		t.Errorf("Merge(pending, failed) = %s, want failed", got)
	}
	for _, current := range []State{Sent, Delivered, Read} {
		if got := Merge(current, Failed); got != current {
			t.Errorf("Merge(%s, failed) = %s, want %s", current, got, current)
		}
	}
}

func TestMergeFailedLeavesOnlyViaRetry(t *testing.T) {
	if got := Merge(Failed, Pending); got != Pending {
		t.Errorf("Merge(failed, pending) = %s, want pending (explicit retry)", got)
	}
	for _, observed := range []State{Sent, Delivered, Read} {
		if got := Merge(Failed, observed); got != Failed {
			t.Errorf("Merge(failed, %s) = %s, want failed", observed, got)
		}
	}
}

func TestFromSeen(t *testing.T) {
	if FromSeen(true) != Read {
		t.Error("seen should map to read")
	}
	if FromSeen(false) != Delivered {
		t.Error("unseen should map to delivered")
	}
}
