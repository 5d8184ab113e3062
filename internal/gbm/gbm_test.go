package gbm

import (
	"testing"
	"time"
)

func alwaysAccept(f Format, flags UsageFlag) bool { return true }

func TestCreateSurfacePicksFirstAcceptedFormat(t *testing.T) {
	d := NewDevice(-1, "")
	s, err := d.CreateSurface(640, 480, alwaysAccept)
	if err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}
	if s.format != FormatARGB8888 {
		t.Fatalf("format = %v, want the first entry in FormatPriority", s.format)
	}
}

func TestCreateSurfaceNoAcceptedFormat(t *testing.T) {
	d := NewDevice(-1, "")
	_, err := d.CreateSurface(640, 480, func(Format, UsageFlag) bool { return false })
	if err == nil {
		t.Fatalf("expected an error when no format is accepted")
	}
}

func TestNoUsageFlagBackendSkipsFlags(t *testing.T) {
	var gotFlags UsageFlag
	probe := func(f Format, flags UsageFlag) bool {
		gotFlags = flags
		return true
	}

	d := NewDevice(-1, "no-flag")
	if _, err := d.CreateSurface(1, 1, probe); err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}
	if gotFlags != 0 {
		t.Fatalf("probe saw flags %v, want 0 for a no-usage-flag backend", gotFlags)
	}

	d2 := NewDevice(-1, "")
	if _, err := d2.CreateSurface(1, 1, probe); err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}
	if gotFlags != UsageRendering {
		t.Fatalf("probe saw flags %v, want UsageRendering for a normal backend", gotFlags)
	}
}

func TestLockFrontBufferRecyclesFreedBuffer(t *testing.T) {
	d := NewDevice(-1, "")
	s, err := d.CreateSurface(64, 64, alwaysAccept)
	if err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}

	bo, ok := s.LockFrontBuffer()
	if !ok {
		t.Fatalf("LockFrontBuffer: timed out")
	}
	s.ReleaseBuffer(bo)
	s.UnlockOnRendered()

	bo2, ok := s.LockFrontBuffer()
	if !ok {
		t.Fatalf("second LockFrontBuffer: timed out")
	}
	if bo2 != bo {
		t.Fatalf("expected the freed buffer object to be recycled")
	}
	s.UnlockOnRendered()
}

func TestLockFrontBufferBlocksUntilUnlockOnRendered(t *testing.T) {
	d := NewDevice(-1, "")
	s, err := d.CreateSurface(64, 64, alwaysAccept)
	if err != nil {
		t.Fatalf("CreateSurface: %v", err)
	}

	if _, ok := s.LockFrontBuffer(); !ok {
		t.Fatalf("first LockFrontBuffer: timed out")
	}

	saved := LockTimeout
	LockTimeout = 20 * time.Millisecond
	defer func() { LockTimeout = saved }()

	start := time.Now()
	_, ok := s.LockFrontBuffer()
	elapsed := time.Since(start)

	if ok {
		t.Fatalf("expected LockFrontBuffer to time out while the lock is held")
	}
	if elapsed < LockTimeout {
		t.Fatalf("LockFrontBuffer returned after %v, want at least %v", elapsed, LockTimeout)
	}
}
