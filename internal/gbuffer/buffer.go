// Package gbuffer implements the Content Buffer (one long-lived wrapper
// around one GPU buffer object and its exported descriptors) and the
// fixed-capacity Buffer Pool that hands them out and recycles them.
package gbuffer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"libgbmshare.dev/compositor/internal/debug"
	"libgbmshare.dev/compositor/internal/monitor"
	"libgbmshare.dev/compositor/internal/offer"
	"libgbmshare.dev/compositor/internal/pipeline"
)

// BufferObject is the narrow view of a GPU buffer object that a Content
// Buffer needs: dimension/format accessors, per-plane descriptor export,
// a user-data slot the pool uses for recycle detection, and the
// asynchronous submit primitive that arms the compositor's Rendered and
// Published callbacks.
type BufferObject interface {
	Width() uint32
	Height() uint32
	Format() uint32
	Modifier() uint64
	PlaneCount() int
	ExportPlane(plane int) (fd int, stride, offset uint32, err error)
	SubmitAsync() error
	UserData() any
	SetUserData(v any, destroy func())
}

// Descriptor is one plane's file descriptor, row stride, and offset, as
// exported once at Content Buffer construction time.
type Descriptor struct {
	FD     int
	Stride uint32
	Offset uint32
}

// Surface is the narrow back-reference a Content Buffer needs into its
// owning surface: just enough to address the compositor's descriptor
// offer and to log. The relationship is a weak one -- the Surface drains
// its pool and destroys every Content Buffer before it releases itself,
// so this is never a shared-ownership cycle.
type Surface interface {
	ID() uint32
}

// ContentBuffer binds one GPU buffer object to its exported descriptors,
// its owning surface, and its pipeline state slot.
type ContentBuffer struct {
	Width, Height uint32
	Format        uint32
	Modifier      uint64
	Descriptors   []Descriptor

	bo      BufferObject
	surface Surface
	state   pipeline.BufferState
}

// New constructs a Content Buffer for bo: exports and dup's every plane's
// descriptor, offers the full descriptor set to the compositor exactly
// once, and registers with the process-wide resource monitor. Initial
// state is FREE.
func New(surface Surface, bo BufferObject) (*ContentBuffer, error) {
	cb := &ContentBuffer{
		Width:    bo.Width(),
		Height:   bo.Height(),
		Format:   bo.Format(),
		Modifier: bo.Modifier(),
		bo:       bo,
		surface:  surface,
	}

	planes := bo.PlaneCount()
	if planes != 1 {
		return nil, fmt.Errorf("gbuffer: unsupported format: %d planes, only single-plane packed formats are supported", planes)
	}

	cb.Descriptors = make([]Descriptor, 0, planes)
	fds := make([]int, 0, planes)
	for i := 0; i < planes; i++ {
		fd, stride, offset, err := bo.ExportPlane(i)
		if err != nil {
			cb.closeDescriptors()
			return nil, fmt.Errorf("gbuffer: export plane %d: %w", i, err)
		}

		dup, err := unix.Dup(fd)
		unix.Close(fd) // the caller's copy is no longer needed once dup'd
		if err != nil {
			cb.closeDescriptors()
			return nil, fmt.Errorf("gbuffer: dup plane %d descriptor: %w", i, err)
		}

		cb.Descriptors = append(cb.Descriptors, Descriptor{FD: dup, Stride: stride, Offset: offset})
		fds = append(fds, dup)
	}

	if err := offer.Offer(surface.ID(), fds); err != nil {
		debug.Error("offer descriptors for surface %d: %v", surface.ID(), err)
		// The registration proceeds regardless: the compositor will not
		// receive this buffer and frames using it will fail later,
		// typically triggering a reset on the compositor side. That is
		// the documented failure mode for OfferRejected, not a
		// construction error here.
	}

	monitor.Register(cb)

	return cb, nil
}

// OpenFDs implements monitor.Resource.
func (cb *ContentBuffer) OpenFDs() []int {
	fds := make([]int, len(cb.Descriptors))
	for i, d := range cb.Descriptors {
		fds[i] = d.FD
	}
	return fds
}

func (cb *ContentBuffer) closeDescriptors() {
	for _, d := range cb.Descriptors {
		unix.Close(d.FD)
	}
	cb.Descriptors = nil
}

// Destroy unregisters the buffer from the resource monitor and closes
// every descriptor it owns. It does not touch the state machine: the
// caller (Surface teardown, or the pool's destroy callback) is
// responsible for having already quiesced the buffer.
func (cb *ContentBuffer) Destroy() {
	monitor.Unregister(cb)
	cb.closeDescriptors()
}

// State returns the buffer's current pipeline state.
func (cb *ContentBuffer) State() pipeline.State {
	return cb.state.Load()
}

func (cb *ContentBuffer) Stage() error { return cb.state.Stage() }

// Submit additionally arms the wrapped GPU buffer's asynchronous submit
// primitive, which will later trigger the compositor's Rendered and
// Published callbacks.
func (cb *ContentBuffer) Submit() error {
	if err := cb.state.Submit(); err != nil {
		return err
	}
	if err := cb.bo.SubmitAsync(); err != nil {
		debug.Error("submit async for surface %d: %v", cb.surface.ID(), err)
	}
	return nil
}

// RawBufferObject returns the underlying GPU buffer object, for a caller
// that needs to hand it back to the allocator directly (force-release
// paths that bypass the normal Published flow).
func (cb *ContentBuffer) RawBufferObject() BufferObject { return cb.bo }

func (cb *ContentBuffer) Activate() error { return cb.state.Activate() }
func (cb *ContentBuffer) Retire() error   { return cb.state.Retire() }
func (cb *ContentBuffer) Release() error  { return cb.state.Release() }

var (
	_ pipeline.Buffer  = (*ContentBuffer)(nil)
	_ monitor.Resource = (*ContentBuffer)(nil)
)
