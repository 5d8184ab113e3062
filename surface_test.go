package compositor

import "testing"

type fakeKeyboardSink struct {
	refs     int
	released bool
	keys     []uint32
}

func (s *fakeKeyboardSink) AddRef()  { s.refs++ }
func (s *fakeKeyboardSink) Release() { s.released = true }
func (s *fakeKeyboardSink) Key(code uint32, pressed bool) {
	s.keys = append(s.keys, code)
}

func newTestSurface() *Surface {
	return &Surface{name: "test", width: 100, height: 100}
}

func TestKeyboardSinkXORInvariant(t *testing.T) {
	s := newTestSurface()
	sink := &fakeKeyboardSink{}

	if err := s.Keyboard(sink); err != nil {
		t.Fatalf("attach on empty slot: %v", err)
	}
	if sink.refs != 1 {
		t.Fatalf("expected AddRef called once, got %d", sink.refs)
	}

	if err := s.Keyboard(sink); err != ErrSinkAttached {
		t.Fatalf("attach while already attached = %v, want ErrSinkAttached", err)
	}
	if err := s.Keyboard(nil); err != nil {
		t.Fatalf("detach on attached slot: %v", err)
	}
	if !sink.released {
		t.Fatalf("expected Release called on detach")
	}
	if err := s.Keyboard(nil); err != ErrSinkAttached {
		t.Fatalf("detach while already detached = %v, want ErrSinkAttached", err)
	}
}

func TestKeyboardSwapReleasesPrevious(t *testing.T) {
	s := newTestSurface()
	first := &fakeKeyboardSink{}
	second := &fakeKeyboardSink{}

	if err := s.Keyboard(first); err != nil {
		t.Fatalf("attach first: %v", err)
	}
	if err := s.Keyboard(nil); err != nil {
		t.Fatalf("detach first: %v", err)
	}
	if err := s.Keyboard(second); err != nil {
		t.Fatalf("attach second: %v", err)
	}
	if !first.released {
		t.Fatalf("expected first sink released before second attached")
	}
	if second.released {
		t.Fatalf("second sink must not be released")
	}
}

func TestSendKeyDeliversToAttachedSink(t *testing.T) {
	s := newTestSurface()
	sink := &fakeKeyboardSink{}
	if err := s.Keyboard(sink); err != nil {
		t.Fatalf("attach: %v", err)
	}

	s.SendKey(42, true)
	if len(sink.keys) != 1 || sink.keys[0] != 42 {
		t.Fatalf("expected key 42 delivered, got %v", sink.keys)
	}
}

func TestSendKeyNoSinkIsNoop(t *testing.T) {
	s := newTestSurface()
	s.SendKey(1, true) // must not panic with no sink attached
}
