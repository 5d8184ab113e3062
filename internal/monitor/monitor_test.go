package monitor

import "testing"

type fakeResource struct {
	fds []int
}

func (r *fakeResource) OpenFDs() []int { return r.fds }

func TestRegisterUnregisterTracksLen(t *testing.T) {
	before := Len()

	r := &fakeResource{fds: []int{3, 4}}
	Register(r)
	if Len() != before+1 {
		t.Fatalf("Len = %d, want %d after Register", Len(), before+1)
	}

	Register(r) // idempotent
	if Len() != before+1 {
		t.Fatalf("Len = %d, want %d after duplicate Register", Len(), before+1)
	}

	Unregister(r)
	if Len() != before {
		t.Fatalf("Len = %d, want %d after Unregister", Len(), before)
	}

	Unregister(r) // no-op
	if Len() != before {
		t.Fatalf("Len = %d, want %d after duplicate Unregister", Len(), before)
	}
}

func TestSnapshotCollectsOpenFDs(t *testing.T) {
	r := &fakeResource{fds: []int{10, 11}}
	Register(r)
	defer Unregister(r)

	snap := Snapshot()
	var found10, found11 bool
	for _, fd := range snap {
		if fd == 10 {
			found10 = true
		}
		if fd == 11 {
			found11 = true
		}
	}
	if !found10 || !found11 {
		t.Fatalf("Snapshot() = %v, want to contain 10 and 11", snap)
	}
}
