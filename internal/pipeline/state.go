// Package pipeline implements the per-buffer swap state machine and the
// RequestRender/Rendered/Published drivers that sit between the GPU
// producer and the compositor consumer.
package pipeline

import (
	"fmt"
	"sync/atomic"
)

// State is one stop on the buffer lifecycle cycle
// FREE -> STAGED -> PENDING -> ACTIVE -> RETIRED -> FREE.
type State uint32

const (
	Free State = iota
	Staged
	Pending
	Active
	Retired
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Staged:
		return "STAGED"
	case Pending:
		return "PENDING"
	case Active:
		return "ACTIVE"
	case Retired:
		return "RETIRED"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// IllegalTransitionError reports a state CAS that found a source state
// other than the one it expected. No state is mutated when this occurs;
// the caller is expected to log it and let the next legal callback heal
// the pipeline.
type IllegalTransitionError struct {
	Expected State
	Observed State
	Target   State
}

func (err IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition to %v: expected source %v, observed %v", err.Target, err.Expected, err.Observed)
}

// BufferState is the atomic single-field state machine for one Content
// Buffer. Every transition is a compare-and-swap with acquire-release
// ordering; there is no lock and no retry. This is what lets the
// compositor callback path and the render-request path touch the same
// buffer concurrently without contention.
type BufferState struct {
	v atomic.Uint32
}

func (bs *BufferState) Load() State {
	return State(bs.v.Load())
}

// cas attempts the single transition from -> to, reporting an
// IllegalTransitionError (without mutating anything) if the buffer was
// not in from.
func (bs *BufferState) cas(from, to State) error {
	if bs.v.CompareAndSwap(uint32(from), uint32(to)) {
		return nil
	}
	return IllegalTransitionError{Expected: from, Observed: bs.Load(), Target: to}
}

// Stage transitions FREE -> STAGED: the client has locked the buffer and
// rendered content into it, not yet submitted.
func (bs *BufferState) Stage() error { return bs.cas(Free, Staged) }

// Submit transitions STAGED -> PENDING: the buffer has been handed to the
// compositor and is awaiting the Rendered callback.
func (bs *BufferState) Submit() error { return bs.cas(Staged, Pending) }

// Activate transitions PENDING -> ACTIVE: the compositor has signaled
// Rendered and the buffer is now being composited/scanned out.
func (bs *BufferState) Activate() error { return bs.cas(Pending, Active) }

// Retire transitions ACTIVE -> RETIRED: a newer buffer has displaced this
// one as ACTIVE; this one awaits the next Published to be released.
func (bs *BufferState) Retire() error { return bs.cas(Active, Retired) }

// Release transitions RETIRED -> FREE: the compositor has signaled
// Published and the buffer is returned to the allocator pool.
func (bs *BufferState) Release() error { return bs.cas(Retired, Free) }
