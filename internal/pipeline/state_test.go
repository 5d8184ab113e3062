package pipeline

import "testing"

func TestBufferStateCycle(t *testing.T) {
	var bs BufferState

	if got := bs.Load(); got != Free {
		t.Fatalf("initial state = %v, want FREE", got)
	}

	steps := []struct {
		call func() error
		want State
	}{
		{bs.Stage, Staged},
		{bs.Submit, Pending},
		{bs.Activate, Active},
		{bs.Retire, Retired},
		{bs.Release, Free},
	}
	for _, step := range steps {
		if err := step.call(); err != nil {
			t.Fatalf("transition to %v: %v", step.want, err)
		}
		if got := bs.Load(); got != step.want {
			t.Fatalf("state after transition = %v, want %v", got, step.want)
		}
	}
}

func TestBufferStateIllegalTransitionDoesNotMutate(t *testing.T) {
	var bs BufferState

	// The buffer is FREE; Submit requires STAGED, so it must be rejected
	// without moving the buffer off FREE.
	err := bs.Submit()
	if err == nil {
		t.Fatalf("expected IllegalTransitionError, got nil")
	}

	ite, ok := err.(IllegalTransitionError)
	if !ok {
		t.Fatalf("expected IllegalTransitionError, got %T: %v", err, err)
	}
	if ite.Expected != Staged || ite.Observed != Free || ite.Target != Pending {
		t.Fatalf("unexpected IllegalTransitionError fields: %+v", ite)
	}

	if got := bs.Load(); got != Free {
		t.Fatalf("state after rejected transition = %v, want unchanged FREE", got)
	}
}

func TestBufferStateRejectsSkippingAhead(t *testing.T) {
	var bs BufferState

	if err := bs.Stage(); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	// Buffer is STAGED; Activate requires PENDING and must be rejected.
	if err := bs.Activate(); err == nil {
		t.Fatalf("expected IllegalTransitionError skipping PENDING")
	}
	if got := bs.Load(); got != Staged {
		t.Fatalf("state after rejected skip-ahead = %v, want unchanged STAGED", got)
	}
}
