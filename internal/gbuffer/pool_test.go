package gbuffer

import (
	"os"
	"testing"

	"libgbmshare.dev/compositor/internal/pipeline"
)

type fakeSurface struct{ id uint32 }

func (s fakeSurface) ID() uint32 { return s.id }

// fakeBO is a minimal BufferObject: one real pipe fd per ExportPlane call
// (so ContentBuffer's unix.Dup has something valid to duplicate), plus
// the user-data slot GetOrCreate's recycle detection reads.
type fakeBO struct {
	id     uint64
	userData any
	destroy  func()
}

func (b *fakeBO) Width() uint32    { return 64 }
func (b *fakeBO) Height() uint32   { return 64 }
func (b *fakeBO) Format() uint32   { return 1 }
func (b *fakeBO) Modifier() uint64 { return 0 }
func (b *fakeBO) PlaneCount() int  { return 1 }

func (b *fakeBO) ExportPlane(plane int) (fd int, stride, offset uint32, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return -1, 0, 0, err
	}
	w.Close()
	return int(r.Fd()), 64 * 4, 0, nil
}

func (b *fakeBO) SubmitAsync() error { return nil }
func (b *fakeBO) UserData() any      { return b.userData }
func (b *fakeBO) SetUserData(v any, destroy func()) {
	b.userData = v
	b.destroy = destroy
}

func TestPoolGetOrCreateRecycle(t *testing.T) {
	p := NewPool(fakeSurface{id: 1}, nil)
	bo := &fakeBO{id: 1}

	first, err := p.GetOrCreate(bo)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := p.GetOrCreate(bo)
	if err != nil {
		t.Fatalf("GetOrCreate on recycle: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same Content Buffer for the same GPU buffer object")
	}
	if p.Len() != 1 {
		t.Fatalf("expected pool len 1, got %d", p.Len())
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(fakeSurface{id: 1}, nil)

	for i := 0; i < Capacity; i++ {
		if _, err := p.GetOrCreate(&fakeBO{id: uint64(i)}); err != nil {
			t.Fatalf("GetOrCreate %d: %v", i, err)
		}
	}

	if _, err := p.GetOrCreate(&fakeBO{id: 99}); err == nil {
		t.Fatalf("expected ErrPoolExhausted on a fifth distinct buffer object")
	}
}

func TestPoolDestroyedEvictsSlot(t *testing.T) {
	p := NewPool(fakeSurface{id: 1}, nil)
	bo := &fakeBO{id: 1}

	if _, err := p.GetOrCreate(bo); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected len 1 before destroy")
	}

	bo.destroy()
	if p.Len() != 0 {
		t.Fatalf("expected len 0 after destroy callback fires")
	}

	// A second GetOrCreate for the same object now allocates a fresh slot
	// once its user-data slot is cleared. The real allocator clears it
	// before invoking the destroy callback; fakeBO does not, so the test
	// clears it by hand.
	bo.userData = nil
	if _, err := p.GetOrCreate(bo); err != nil {
		t.Fatalf("GetOrCreate after destroy: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected len 1 after re-creating")
	}
}

func TestPoolDestroyedClearsCells(t *testing.T) {
	var driver pipeline.Driver
	p := NewPool(fakeSurface{id: 1}, driver.ClearCells)
	bo := &fakeBO{id: 1}

	cb, err := p.GetOrCreate(bo)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	driver.Active.Swap(cb)
	driver.Retired.Swap(cb)

	bo.destroy()

	if driver.Active.Load() != nil {
		t.Fatalf("expected active cell cleared after destroy callback")
	}
	if driver.Retired.Load() != nil {
		t.Fatalf("expected retired cell cleared after destroy callback")
	}
}

func TestPoolDrainClearsAllSlots(t *testing.T) {
	p := NewPool(fakeSurface{id: 1}, nil)
	for i := 0; i < 3; i++ {
		if _, err := p.GetOrCreate(&fakeBO{id: uint64(i)}); err != nil {
			t.Fatalf("GetOrCreate %d: %v", i, err)
		}
	}

	p.Drain()
	if p.Len() != 0 {
		t.Fatalf("expected len 0 after Drain, got %d", p.Len())
	}
}
