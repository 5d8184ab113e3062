package gbuffer

import (
	"errors"
	"fmt"
	"sync"

	"libgbmshare.dev/compositor/internal/debug"
	"libgbmshare.dev/compositor/internal/pipeline"
)

// Capacity is the fixed number of Content Buffer slots a Pool holds. The
// allocator is expected to rotate through 2-4 front buffers under normal
// operation; needing a fifth distinct live buffer object indicates
// allocator misbehavior and must be surfaced, not masked.
const Capacity = 4

// ErrPoolExhausted is returned by GetOrCreate when all Capacity slots are
// occupied by distinct, still-live GPU buffer objects.
var ErrPoolExhausted = errors.New("gbuffer: pool exhausted")

// Pool is a fixed-capacity table mapping GPU buffer objects to Content
// Buffers for one surface. The invariant it maintains: at any instant,
// each slot is either empty or holds a distinct Content Buffer whose GPU
// buffer object is live and whose user-data slot points back to that same
// Content Buffer.
type Pool struct {
	surface    Surface
	clearCells func(pipeline.Buffer)

	mu    sync.Mutex
	slots [Capacity]*ContentBuffer
}

// NewPool returns an empty Pool bound to surface, used as the Surface
// back-reference for every Content Buffer it creates. clearCells is called
// by the allocator's destroy callback to evict a Content Buffer from the
// surface's active/retired pipeline cells before it is destroyed; it may
// be nil in tests that don't exercise a surface's pipeline.Driver.
func NewPool(surface Surface, clearCells func(pipeline.Buffer)) *Pool {
	return &Pool{surface: surface, clearCells: clearCells}
}

// GetOrCreate resolves bo to its Content Buffer, creating one on first
// sighting. The fast path reads bo's user-data slot without the lock,
// which is what makes the common recycle case cheap; only a miss takes
// the pool mutex and re-checks before scanning for a free slot.
func (p *Pool) GetOrCreate(bo BufferObject) (*ContentBuffer, error) {
	if v := bo.UserData(); v != nil {
		return v.(*ContentBuffer), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if v := bo.UserData(); v != nil {
		return v.(*ContentBuffer), nil
	}

	slot := -1
	for i, s := range p.slots {
		if s == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, fmt.Errorf("%w: capacity %d exceeded", ErrPoolExhausted, Capacity)
	}

	cb, err := New(p.surface, bo)
	if err != nil {
		return nil, err
	}

	p.slots[slot] = cb
	bo.SetUserData(cb, func() { p.destroyed(bo, cb) })

	return cb, nil
}

// destroyed is the allocator's destroy-callback for one GPU buffer
// object. It must acquire the pool mutex, clear the slot and both of the
// surface's active/retired cells if they pointed at cb, then destroy cb.
// A Surface tearing down nulls user-data first so that this becomes a
// no-op if the allocator later calls it anyway.
func (p *Pool) destroyed(bo BufferObject, cb *ContentBuffer) {
	p.mu.Lock()
	evicted := false
	defer func() {
		p.mu.Unlock()
		if evicted {
			cb.Destroy()
		}
	}()

	if cb.RawBufferObject() != bo {
		debug.Error("gbuffer: destroy callback buffer object mismatch, refusing to evict slot")
		return
	}
	evicted = true

	found := false
	for i, s := range p.slots {
		if s == cb {
			p.slots[i] = nil
			found = true
			break
		}
	}
	if !found {
		debug.Warn("gbuffer: destroy callback for buffer not owned by this pool")
	}

	if p.clearCells != nil {
		p.clearCells(cb)
	}
}

// Drain empties every slot, nulling user-data on each buffer object first
// so that a subsequent allocator-side destroy callback becomes a no-op,
// then destroying each Content Buffer. This is what Surface teardown
// calls before releasing its window object.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cb := range p.slots {
		if cb == nil {
			continue
		}
		cb.bo.SetUserData(nil, nil)
		cb.Destroy()
		p.slots[i] = nil
	}
}

// Len reports how many slots are currently occupied, for tests asserting
// the pool never exceeds capacity or holds duplicates.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range p.slots {
		if s != nil {
			n++
		}
	}
	return n
}
