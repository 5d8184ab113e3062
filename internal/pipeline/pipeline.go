package pipeline

import (
	"sync/atomic"

	"libgbmshare.dev/compositor/internal/debug"
)

// Buffer is the state-machine surface a Content Buffer exposes to the
// pipeline. It intentionally says nothing about descriptors, GPU buffer
// objects, or pools — those belong to the gbuffer package. Keeping the
// pipeline's view this narrow is what makes RequestRender/Rendered/
// Published testable with a fake.
type Buffer interface {
	Stage() error
	Submit() error
	Activate() error
	Retire() error
	Release() error
}

// cellBox lets a nil Buffer be stored in an atomic.Pointer without the
// "typed nil interface" trap: the box itself is nil when the cell is
// empty, never the buf field.
type cellBox struct {
	buf Buffer
}

// Cell is a lock-free single-slot holder for at most one Buffer, used for
// the per-surface "active" and "retired" invariant slots. Two adjacent
// frames can interleave lock-free through a pair of Cells; a third can't,
// since Swap always displaces whatever was there.
type Cell struct {
	p atomic.Pointer[cellBox]
}

func (c *Cell) Load() Buffer {
	box := c.p.Load()
	if box == nil {
		return nil
	}
	return box.buf
}

func (c *Cell) Swap(v Buffer) Buffer {
	var box *cellBox
	if v != nil {
		box = &cellBox{buf: v}
	}
	old := c.p.Swap(box)
	if old == nil {
		return nil
	}
	return old.buf
}

// Clear empties the cell if and only if it currently holds v, and reports
// whether it did. Used to evict a specific buffer from a cell without
// disturbing a different buffer that may have raced in ahead of it.
func (c *Cell) Clear(v Buffer) bool {
	for {
		box := c.p.Load()
		if box == nil || box.buf != v {
			return false
		}
		if c.p.CompareAndSwap(box, nil) {
			return true
		}
	}
}

// Driver holds the two single-slot cells that enforce "at most one ACTIVE,
// at most one RETIRED per surface" (spec invariant 1). One Driver belongs
// to exactly one Surface.
type Driver struct {
	Active  Cell
	Retired Cell
}

// ClearCells evicts buf from whichever of Active/Retired it currently
// occupies, without touching the other cell if a different buffer has
// since taken buf's place. It is what the Buffer Pool's allocator-side
// destroy callback calls before destroying a Content Buffer still
// referenced by a cell (spec invariant 3/4: no cell may outlive the
// buffer it names).
func (d *Driver) ClearCells(buf Buffer) {
	d.Active.Clear(buf)
	d.Retired.Clear(buf)
}

// RequestRender drives one FREE->STAGED->PENDING attempt for the buffer
// the allocator hands back. lockFront returns the raw GPU buffer object
// (or ok=false on timeout/null); resolve turns that raw object into a
// tracked Buffer via the pool; releaseRaw hands a raw object back to the
// allocator unresolved. notifyApp is the synthetic-or-real Rendered
// delivery that must fire exactly once per call regardless of outcome,
// except along the success path, where the compositor's own Rendered
// callback will deliver it later.
func RequestRender(lockFront func() (raw any, ok bool), resolve func(raw any) (Buffer, error), releaseRaw func(raw any), notifyApp func()) {
	raw, ok := lockFront()
	if !ok {
		debug.Warn("lock front buffer failed or timed out")
		notifyApp()
		return
	}

	buf, err := resolve(raw)
	if err != nil {
		debug.Error("resolve buffer through pool: %v", err)
		releaseRaw(raw)
		notifyApp()
		return
	}

	if err := buf.Stage(); err != nil {
		debug.Error("stage: %v", err)
		releaseRaw(raw)
		notifyApp()
		return
	}

	if err := buf.Submit(); err != nil {
		debug.Error("submit: %v", err)
		releaseRaw(raw)
		notifyApp()
		return
	}

	// The compositor now owns the buffer. It will eventually call back
	// with Rendered, and this frame's notifyApp fires from there.
}

// Rendered handles the compositor's Rendered callback for buf: PENDING ->
// ACTIVE, retiring whatever was previously ACTIVE, and force-releasing an
// orphaned RETIRED buffer if the previous Published was somehow dropped.
// forceRelease hands a Buffer's underlying GPU object back to the
// allocator outside of the normal Release-then-Published flow.
func (d *Driver) Rendered(buf Buffer, forceRelease func(Buffer), notifyApp func()) {
	if err := buf.Activate(); err != nil {
		debug.Error("activate: %v", err)
		return
	}

	oldActive := d.Active.Swap(buf)

	var orphan Buffer
	if oldActive != nil && oldActive != buf {
		if err := oldActive.Retire(); err != nil {
			debug.Error("retire: %v", err)
		}
		orphan = d.Retired.Swap(oldActive)
	}

	if orphan != nil {
		debug.Error("orphaned retired buffer displaced without Published; force-releasing")
		if err := orphan.Release(); err != nil {
			debug.Error("force-release CAS: %v", err)
		}
		forceRelease(orphan)
	}

	notifyApp()
}

// Published handles the compositor's Published callback: whatever
// occupies the RETIRED cell is released (RETIRED -> FREE) and handed back
// to the allocator.
func (d *Driver) Published(buf Buffer, forceRelease func(Buffer), notifyApp func()) {
	retired := d.Retired.Swap(nil)
	if retired != nil {
		if err := retired.Release(); err != nil {
			debug.Error("release: %v", err)
		}
		forceRelease(retired)
	}

	notifyApp()
}
