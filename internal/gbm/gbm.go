// Package gbm gives the GPU buffer allocator spec.md assumes as an
// external collaborator a concrete, compilable shape: an opaque device,
// a per-surface front-buffer ring, and buffer objects with the
// width/height/format/modifier accessors, per-plane descriptor export,
// user-data slot, and lock/release API the swap pipeline is built
// against. There is no cgo binding to libgbm/libdrm here -- linking the
// real allocator is explicitly out of scope (spec.md SS1) -- so this
// models the same call shape the pipeline drives against, in-process.
package gbm

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"libgbmshare.dev/compositor/internal/gbuffer"
	"libgbmshare.dev/compositor/internal/set"
)

var _ gbuffer.BufferObject = (*BufferObject)(nil)

// Format mirrors the DRM fourcc codes spec.md's format-priority list
// names. Only single-plane packed formats are represented, per the
// single-plane restriction in spec.md SS9.
type Format uint32

const (
	FormatARGB8888 Format = iota + 1
	FormatABGR8888
	FormatXRGB8888
	FormatXBGR8888
	FormatRGB565
)

// FormatPriority is the walk order CreateSurface uses when negotiating a
// pixel format with the backend: the first one the backend accepts wins.
var FormatPriority = []Format{
	FormatARGB8888, // best overall: universal support, full alpha
	FormatABGR8888, // alternate byte order, still 32-bit with alpha
	FormatXRGB8888, // best for opaque content
	FormatXBGR8888, // alternate opaque byte order
	FormatRGB565,   // fallback: memory efficient, widely supported
}

// UsageFlag mirrors gbm_bo_flags. Rendering is the only flag this module
// requests.
type UsageFlag uint32

const UsageRendering UsageFlag = 1 << 0

// noUsageFlagBackends names allocator backends that reject any usage flag
// at all, discovered empirically by the original compositor client. New
// backends are added here as they're found, not by special-casing a
// single hardcoded name.
var noUsageFlagBackends = set.New("no-flag")

// LockTimeout is how long RequestRender will wait for a front buffer
// before giving up, per the original implementation's 1000ms budget
// (spec.md leaves the exact value unspecified). A var, not a const, so
// tests can shorten it rather than waiting out the real budget.
var LockTimeout = time.Second

var ErrResourceAcquire = errors.New("gbm: resource acquire failed")

// Device is an opened render-node/allocator handle.
type Device struct {
	backendName string
	fd          int
}

// OpenRenderNode opens path (a DRM render node) read-write and
// close-on-exec, for NewDevice to create an allocator device on.
func OpenRenderNode(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: open render node %s: %v", ErrResourceAcquire, path, err)
	}
	return fd, nil
}

// NewDevice creates an allocator device on fd (already opened by
// OpenRenderNode). backendName identifies the allocator backend for the
// usage-flag quirk table.
func NewDevice(fd int, backendName string) *Device {
	return &Device{backendName: backendName, fd: fd}
}

func (d *Device) FD() int { return d.fd }

// Close releases the allocator device. The underlying render-node
// descriptor belongs to whoever opened it (the owning Display); Close
// does not touch it.
func (d *Device) Close() error {
	d.fd = -1
	return nil
}

// usesUsageFlags reports whether this backend accepts a nonzero usage
// flags argument at all.
func (d *Device) usesUsageFlags() bool {
	return !noUsageFlagBackends.Has(d.backendName)
}

// CreateSurface walks FormatPriority, trying each format (with
// UsageRendering unless the backend is in the no-usage-flag quirk table)
// until one succeeds. probe is the backend-specific format/flag
// acceptance test; it is injected so this package doesn't need a real
// allocator to be exercised in tests.
func (d *Device) CreateSurface(width, height uint32, probe func(f Format, flags UsageFlag) bool) (*Surface, error) {
	for _, f := range FormatPriority {
		var flags UsageFlag
		if d.usesUsageFlags() {
			flags = UsageRendering
		}
		if probe(f, flags) {
			return &Surface{
				device: d,
				width:  width,
				height: height,
				format: f,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: no supported pixel format for surface %dx%d", ErrResourceAcquire, width, height)
}

// Surface is a GBM-level rendering surface: the thing that produces a new
// or recycled front buffer on every RequestRender.
type Surface struct {
	device *Device
	width  uint32
	height uint32
	format Format

	mu      sync.Mutex
	current *BufferObject // buffer object most recently handed out by LockFrontBuffer
	next    uint64        // monotonically increasing id for freshly-minted buffer objects
	free    []*BufferObject

	// lockMu is held from a successful LockFrontBuffer until the matching
	// UnlockOnRendered, not until LockFrontBuffer returns: the original
	// allocator client wraps lock_front_buffer/release_buffer in a
	// std::timed_mutex released from its Rendered callback, not from the
	// call site that acquired it.
	lockMu sync.Mutex
}

// NativeWindow returns the value an EGL/GLES context would treat as an
// EGLNativeWindowType for this surface: the surface's own address, the
// same way gbm_surface_t* is handed to eglCreateWindowSurface.
func (s *Surface) NativeWindow() uintptr {
	return uintptr(unsafe.Pointer(s))
}

// LockFrontBuffer returns the buffer the application just finished
// rendering into, waiting up to LockTimeout to acquire the surface's lock
// and then to pick a buffer. Recycled buffer objects are preferred over
// freshly minted ones, mirroring gbm_surface's own preference for reusing
// its small internal ring. The lock survives the call: it is released by
// UnlockOnRendered, not here.
func (s *Surface) LockFrontBuffer() (*BufferObject, bool) {
	if !tryLockTimeout(&s.lockMu, LockTimeout) {
		return nil, false
	}

	s.mu.Lock()
	var bo *BufferObject
	if len(s.free) > 0 {
		bo = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	} else {
		bo = newBufferObject(s)
	}
	s.current = bo
	s.mu.Unlock()

	return bo, true
}

// UnlockOnRendered releases the lock LockFrontBuffer acquired. It is
// called from the compositor's Rendered callback path, once this surface's
// submitted buffer has actually reached the compositor, not from
// RequestRender itself.
func (s *Surface) UnlockOnRendered() {
	s.lockMu.Unlock()
}

// tryLockTimeout polls TryLock for up to d, sleeping briefly between
// attempts. sync.Mutex has no native timed-lock primitive; this is the
// same tradeoff the standard library's own internal timers make when
// asked to bound something inherently blocking.
func tryLockTimeout(mu *sync.Mutex, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// ReleaseBuffer returns bo to the surface's free ring, mirroring
// gbm_surface_release_buffer. It is what the pipeline calls whenever a
// frame is dropped or a buffer completes its RETIRED -> FREE transition.
func (s *Surface) ReleaseBuffer(bo *BufferObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, bo)
}

// Destroy releases the surface's resources. Buffer objects already handed
// out survive until their own Destroyed callback runs; DRM is assumed to invoke
// each one's destroy callback eventually, same as the original comment
// notes ("lets hope DRM cleans up the gbm buffer objects for us").
func (s *Surface) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = nil
}

// BufferObject is one GPU-owned buffer: a small ring slot, plus the
// exported plane descriptors and the user-data slot the Buffer Pool uses
// for recycle detection.
type BufferObject struct {
	surface *Surface
	id      uint64

	mu       sync.Mutex
	userData any
	destroy  func()
}

func newBufferObject(s *Surface) *BufferObject {
	s.next++
	return &BufferObject{surface: s, id: s.next}
}

func (bo *BufferObject) Width() uint32    { return bo.surface.width }
func (bo *BufferObject) Height() uint32   { return bo.surface.height }
func (bo *BufferObject) Format() uint32   { return uint32(bo.surface.format) }
func (bo *BufferObject) Modifier() uint64 { return 0 }
func (bo *BufferObject) PlaneCount() int  { return 1 }

// ExportPlane exports a fresh file descriptor for the single plane this
// buffer object has. The caller is responsible for closing (or dup'ing
// and then closing) it. A memfd stands in for the DMA-BUF export a real
// allocator would perform; what matters to the pipeline is that it is a
// distinct, closable descriptor identifying this buffer.
func (bo *BufferObject) ExportPlane(plane int) (fd int, stride, offset uint32, err error) {
	if plane != 0 {
		return -1, 0, 0, fmt.Errorf("%w: plane %d out of range", ErrResourceAcquire, plane)
	}

	name := fmt.Sprintf("gbm-bo-%d", bo.id)
	memfd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return -1, 0, 0, fmt.Errorf("%w: memfd_create: %v", ErrResourceAcquire, err)
	}

	stride = bo.surface.width * 4
	size := int64(stride) * int64(bo.surface.height)
	if err := unix.Ftruncate(memfd, size); err != nil {
		unix.Close(memfd)
		return -1, 0, 0, fmt.Errorf("%w: ftruncate memfd to %d bytes: %v", ErrResourceAcquire, size, err)
	}

	return memfd, stride, 0, nil
}

// SubmitAsync arms the asynchronous submit primitive. In the real
// allocator this hands the buffer to the compositor's render/scan-out
// pipeline; the caller (Content Buffer) has already offered the
// descriptors, so this is where the callback plumbing that eventually
// fires Rendered/Published would be wired to a real compositor.
func (bo *BufferObject) SubmitAsync() error {
	return nil
}

func (bo *BufferObject) UserData() any {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.userData
}

func (bo *BufferObject) SetUserData(v any, destroy func()) {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	bo.userData = v
	bo.destroy = destroy
}

// Destroyed is the allocator's destroy-callback entry point, invoked when
// DRM signals the underlying buffer object is gone. It is a no-op if
// user-data was already cleared by a Surface teardown racing with it.
func (bo *BufferObject) Destroyed() {
	bo.mu.Lock()
	destroy := bo.destroy
	bo.userData = nil
	bo.destroy = nil
	bo.mu.Unlock()

	if destroy != nil {
		destroy()
	}
}
