package pipeline

import "testing"

type fakeBuffer struct {
	name string

	staged, submitted, activated, retired, released bool
	failStage, failSubmit                            bool
}

func (b *fakeBuffer) Stage() error {
	if b.failStage {
		return errStage
	}
	b.staged = true
	return nil
}

func (b *fakeBuffer) Submit() error {
	if b.failSubmit {
		return errSubmit
	}
	b.submitted = true
	return nil
}

func (b *fakeBuffer) Activate() error { b.activated = true; return nil }
func (b *fakeBuffer) Retire() error   { b.retired = true; return nil }
func (b *fakeBuffer) Release() error  { b.released = true; return nil }

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const (
	errStage  = fakeErr("stage failed")
	errSubmit = fakeErr("submit failed")
)

func TestRequestRenderHappyPath(t *testing.T) {
	buf := &fakeBuffer{name: "a"}
	var notified bool

	RequestRender(
		func() (any, bool) { return buf, true },
		func(raw any) (Buffer, error) { return raw.(*fakeBuffer), nil },
		func(raw any) { t.Fatalf("releaseRaw called on success path") },
		func() { notified = true },
	)

	if !buf.staged || !buf.submitted {
		t.Fatalf("expected buffer to be staged and submitted, got %+v", buf)
	}
	if notified {
		t.Fatalf("notifyApp must not fire on the success path; it fires from Rendered")
	}
}

func TestRequestRenderLockTimeout(t *testing.T) {
	var notified bool
	RequestRender(
		func() (any, bool) { return nil, false },
		func(raw any) (Buffer, error) { t.Fatalf("resolve called after lock failure"); return nil, nil },
		func(raw any) { t.Fatalf("releaseRaw called after lock failure") },
		func() { notified = true },
	)
	if !notified {
		t.Fatalf("expected synthetic notifyApp on lock timeout")
	}
}

func TestRequestRenderStageFailureReleasesRaw(t *testing.T) {
	buf := &fakeBuffer{failStage: true}
	var released, notified bool

	RequestRender(
		func() (any, bool) { return "raw", true },
		func(raw any) (Buffer, error) { return buf, nil },
		func(raw any) {
			if raw != "raw" {
				t.Fatalf("releaseRaw got %v, want raw token", raw)
			}
			released = true
		},
		func() { notified = true },
	)

	if !released || !notified {
		t.Fatalf("expected releaseRaw and notifyApp on stage failure")
	}
	if buf.submitted {
		t.Fatalf("submit must not run after stage fails")
	}
}

func TestDriverRenderedTwoFrameRotation(t *testing.T) {
	var d Driver
	first := &fakeBuffer{name: "first"}
	second := &fakeBuffer{name: "second"}

	d.Rendered(first, func(Buffer) { t.Fatalf("forceRelease called with only one frame rendered") }, func() {})
	if d.Active.Load() != first {
		t.Fatalf("expected first buffer active")
	}
	if d.Retired.Load() != nil {
		t.Fatalf("expected retired empty after first frame")
	}

	d.Rendered(second, func(Buffer) { t.Fatalf("forceRelease called when retired cell was empty") }, func() {})
	if d.Active.Load() != second {
		t.Fatalf("expected second buffer active")
	}
	if d.Retired.Load() != first {
		t.Fatalf("expected first buffer retired")
	}
	if !first.retired {
		t.Fatalf("expected first buffer's Retire to have been called")
	}
}

func TestDriverRenderedOrphansPreviousRetired(t *testing.T) {
	var d Driver
	a := &fakeBuffer{name: "a"}
	b := &fakeBuffer{name: "b"}
	c := &fakeBuffer{name: "c"}

	d.Rendered(a, func(Buffer) {}, func() {})
	d.Rendered(b, func(Buffer) {}, func() {}) // a is now retired

	var orphaned Buffer
	d.Rendered(c, func(buf Buffer) { orphaned = buf }, func() {}) // b displaces a from retired

	if orphaned != a {
		t.Fatalf("expected orphaned retired buffer to be a, got %v", orphaned)
	}
	if !a.released {
		t.Fatalf("expected orphaned buffer to be force-released")
	}
	if d.Retired.Load() != b {
		t.Fatalf("expected b in retired cell")
	}
}

func TestDriverPublishedReleasesRetired(t *testing.T) {
	var d Driver
	buf := &fakeBuffer{}
	d.Retired.Swap(buf)

	var released bool
	var notified bool
	d.Published(nil, func(got Buffer) {
		if got != buf {
			t.Fatalf("forceRelease got %v, want %v", got, buf)
		}
		released = true
	}, func() { notified = true })

	if !buf.released || !released || !notified {
		t.Fatalf("expected buffer released, forceRelease called, notifyApp called")
	}
	if d.Retired.Load() != nil {
		t.Fatalf("expected retired cell cleared after Published")
	}
}

func TestDriverPublishedNoRetiredIsNoop(t *testing.T) {
	var d Driver
	var forceReleaseCalled, notified bool
	d.Published(nil, func(Buffer) { forceReleaseCalled = true }, func() { notified = true })

	if forceReleaseCalled {
		t.Fatalf("forceRelease must not run when retired cell is empty")
	}
	if !notified {
		t.Fatalf("notifyApp must still fire")
	}
}
