package compositor

import (
	"errors"
	"fmt"
	"image/draw"
	"sync"
	"sync/atomic"

	"libgbmshare.dev/compositor/internal/debug"
	"libgbmshare.dev/compositor/internal/gbm"
	"libgbmshare.dev/compositor/internal/gbuffer"
	"libgbmshare.dev/compositor/internal/pipeline"
	"libgbmshare.dev/compositor/internal/texture"
)

// Callback delivers the two compositor-driven swap events back to
// whoever created the Surface.
type Callback interface {
	Rendered(*Surface)
	Published(*Surface)
}

// KeyboardSink, PointerSink, WheelSink and TouchPanelSink are the four
// input-sink kinds a Surface can carry. Each is attached and detached
// under the XOR invariant enforced by Surface's setters: a sink can only
// go from unset to set, or set to unset, never set to a different sink
// directly.
type KeyboardSink interface {
	AddRef()
	Release()
	Key(code uint32, pressed bool)
}

type PointerSink interface {
	AddRef()
	Release()
	Motion(dx, dy float64)
	Button(code uint32, pressed bool)
}

type WheelSink interface {
	AddRef()
	Release()
	Scroll(dx, dy float64)
}

type TouchPanelSink interface {
	AddRef()
	Release()
	Touch(id int32, x, y float64, down bool)
}

// ErrSinkAttached is returned by an input-sink setter that was called with
// a non-nil sink while one was already attached, or with nil while none
// was.
var ErrSinkAttached = errors.New("compositor: input sink attach/detach precondition violated")

// Surface represents one client window: a GBM-backed swap pipeline, a
// remote client proxy, and up to four input sinks.
type Surface struct {
	display *Display
	name    string
	width   uint32
	height  uint32

	remote   remoteSurface
	callback Callback

	refMu    sync.Mutex
	refCount int

	window atomic.Pointer[gbm.Surface]
	pool   *gbuffer.Pool
	driver pipeline.Driver

	// pendingMu guards pending, the Content Buffer most recently
	// Submit-ted and awaiting its Rendered callback. The comrpc
	// notification channel identifies a swap event only by surface id,
	// not by buffer, so this is what Rendered/Published resolve their
	// buffer argument against; see DESIGN.md's decision on this.
	pendingMu sync.Mutex
	pending   *gbuffer.ContentBuffer

	sinkMu   sync.Mutex
	keyboard KeyboardSink
	pointer  PointerSink
	wheel    WheelSink
	touch    TouchPanelSink

	paintMu sync.Mutex
	paint   PaintFunc
}

// PaintFunc paints directly into a Content Buffer's exported descriptor,
// for a client that produces frame content on the CPU rather than
// driving Native() through an EGL/GLES context.
type PaintFunc func(img draw.Image)

// SetPaint installs (or, with nil, clears) the CPU paint hook every
// subsequent RequestRender invokes on the buffer it resolves, right
// before staging it. It has no effect on a frame already in flight.
func (s *Surface) SetPaint(fn PaintFunc) {
	s.paintMu.Lock()
	s.paint = fn
	s.paintMu.Unlock()
}

// remoteSurface is the narrow slice of *remote.SurfaceProxy Surface needs,
// so surface_test.go can fake it without a real comrpc connection.
type remoteSurface interface {
	Native() uint32
	Release() error
}

// Create allocates a new Surface on d: a GBM-level window (walking the
// pixel-format priority list) and a remote client proxy, then registers
// the surface with the display.
func (d *Display) Create(name string, width, height uint32, cb Callback) (*Surface, error) {
	gsurf, err := d.device.CreateSurface(width, height, d.probeFormat)
	if err != nil {
		return nil, fmt.Errorf("compositor: create surface %q: %w", name, err)
	}

	proxy, err := d.remote.CreateSurface(name, width, height)
	if err != nil {
		gsurf.Destroy()
		return nil, fmt.Errorf("compositor: create remote surface proxy %q: %w", name, err)
	}

	s := &Surface{
		display:  d,
		name:     name,
		width:    width,
		height:   height,
		remote:   proxy,
		callback: cb,
		refCount: 1,
	}
	s.window.Store(gsurf)
	s.pool = gbuffer.NewPool(s, s.driver.ClearCells)

	d.AddRef()
	d.surfaces.Add(s.ID(), s)
	debug.Info("surface %q (id %d) created on display %q, %dx%d", name, s.ID(), d.name, width, height)
	return s, nil
}

// ID implements gbuffer.Surface: the numeric id the remote display
// assigned this surface's client proxy.
func (s *Surface) ID() uint32 { return s.remote.Native() }

// Native returns the allocator-level window handle, the value an EGL/GLES
// context treats as its EGLNativeWindowType. It reads as zero once the
// surface has been torn down.
func (s *Surface) Native() uintptr {
	win := s.window.Load()
	if win == nil {
		return 0
	}
	return win.NativeWindow()
}

func (s *Surface) Name() string      { return s.name }
func (s *Surface) Id() uint32        { return s.ID() }
func (s *Surface) Width() uint32     { return s.width }
func (s *Surface) Height() uint32    { return s.height }
func (s *Surface) Display() *Display { return s.display }

// Keyboard attaches (sink != nil) or detaches (sink == nil) the keyboard
// input sink, under the XOR invariant: attaching requires none currently
// attached, detaching requires one currently attached.
func (s *Surface) Keyboard(sink KeyboardSink) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	if (sink == nil) == (s.keyboard == nil) {
		return ErrSinkAttached
	}
	if s.keyboard != nil {
		s.keyboard.Release()
	}
	s.keyboard = sink
	if sink != nil {
		sink.AddRef()
	}
	return nil
}

func (s *Surface) Pointer(sink PointerSink) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	if (sink == nil) == (s.pointer == nil) {
		return ErrSinkAttached
	}
	if s.pointer != nil {
		s.pointer.Release()
	}
	s.pointer = sink
	if sink != nil {
		sink.AddRef()
	}
	return nil
}

func (s *Surface) Wheel(sink WheelSink) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	if (sink == nil) == (s.wheel == nil) {
		return ErrSinkAttached
	}
	if s.wheel != nil {
		s.wheel.Release()
	}
	s.wheel = sink
	if sink != nil {
		sink.AddRef()
	}
	return nil
}

func (s *Surface) TouchPanel(sink TouchPanelSink) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	if (sink == nil) == (s.touch == nil) {
		return ErrSinkAttached
	}
	if s.touch != nil {
		s.touch.Release()
	}
	s.touch = sink
	if sink != nil {
		sink.AddRef()
	}
	return nil
}

// SendKey delivers a keyboard event directly to the attached sink, with
// no queueing. It is a no-op if no keyboard sink is attached.
func (s *Surface) SendKey(code uint32, pressed bool) {
	s.sinkMu.Lock()
	sink := s.keyboard
	s.sinkMu.Unlock()
	if sink != nil {
		sink.Key(code, pressed)
	}
}

func (s *Surface) SendPointerMotion(dx, dy float64) {
	s.sinkMu.Lock()
	sink := s.pointer
	s.sinkMu.Unlock()
	if sink != nil {
		sink.Motion(dx, dy)
	}
}

func (s *Surface) SendPointerButton(code uint32, pressed bool) {
	s.sinkMu.Lock()
	sink := s.pointer
	s.sinkMu.Unlock()
	if sink != nil {
		sink.Button(code, pressed)
	}
}

func (s *Surface) SendWheel(dx, dy float64) {
	s.sinkMu.Lock()
	sink := s.wheel
	s.sinkMu.Unlock()
	if sink != nil {
		sink.Scroll(dx, dy)
	}
}

func (s *Surface) SendTouch(id int32, x, y float64, down bool) {
	s.sinkMu.Lock()
	sink := s.touch
	s.sinkMu.Unlock()
	if sink != nil {
		sink.Touch(id, x, y, down)
	}
}

// RequestRender asks the allocator for the surface's front buffer and
// drives it FREE->STAGED->PENDING through the swap pipeline. If the
// surface has already been torn down, this synthesizes a Rendered
// notification instead of touching the allocator, per SS4.4 step 1.
func (s *Surface) RequestRender() {
	lockFront := func() (any, bool) {
		win := s.window.Load()
		if win == nil {
			return nil, false
		}
		bo, ok := win.LockFrontBuffer()
		if !ok {
			return nil, false
		}
		return bo, true
	}

	resolve := func(raw any) (pipeline.Buffer, error) {
		bo := raw.(*gbm.BufferObject)
		cb, err := s.pool.GetOrCreate(bo)
		if err != nil {
			return nil, err
		}

		s.paintMu.Lock()
		paint := s.paint
		s.paintMu.Unlock()
		if paint != nil && len(cb.Descriptors) > 0 {
			d := cb.Descriptors[0]
			if err := texture.Paint(d.FD, int(cb.Width), int(cb.Height), d.Stride, paint); err != nil {
				debug.Warn("surface %q: paint: %v", s.name, err)
			}
		}

		return cb, nil
	}

	releaseRaw := func(raw any) {
		bo := raw.(*gbm.BufferObject)
		// A buffer that failed before reaching the compositor was never
		// Submit-ted, so it must not stay behind as the pending buffer.
		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
		if win := s.window.Load(); win != nil {
			win.ReleaseBuffer(bo)
			// No Rendered will ever arrive for a buffer that failed
			// before reaching the compositor, so the lock LockFrontBuffer
			// took has to be released here instead of there.
			win.UnlockOnRendered()
		}
	}

	notifyApp := func() {
		if s.callback != nil {
			s.callback.Rendered(s)
		}
	}

	pipeline.RequestRender(lockFront, func(raw any) (pipeline.Buffer, error) {
		buf, err := resolve(raw)
		if err == nil {
			s.pendingMu.Lock()
			s.pending = buf.(*gbuffer.ContentBuffer)
			s.pendingMu.Unlock()
		}
		return buf, err
	}, releaseRaw, notifyApp)
}

func (s *Surface) forceRelease(buf pipeline.Buffer) {
	cb, ok := buf.(*gbuffer.ContentBuffer)
	if !ok {
		return
	}
	bo, ok := cb.RawBufferObject().(*gbm.BufferObject)
	if !ok {
		return
	}
	if win := s.window.Load(); win != nil {
		win.ReleaseBuffer(bo)
	}
}

// onRendered is the comrpc dispatcher's entry point for this surface's
// Rendered notification: it resolves to whichever Content Buffer was
// last Submit-ted and drives the swap-pipeline Rendered transition.
func (s *Surface) onRendered() {
	s.pendingMu.Lock()
	buf := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if win := s.window.Load(); win != nil {
		win.UnlockOnRendered()
	}

	if buf == nil {
		debug.Warn("surface %q: Rendered notification with no pending buffer", s.name)
		if s.callback != nil {
			s.callback.Rendered(s)
		}
		return
	}

	notifyApp := func() {
		if s.callback != nil {
			s.callback.Rendered(s)
		}
	}
	s.driver.Rendered(buf, s.forceRelease, notifyApp)
}

// onPublished is the comrpc dispatcher's entry point for this surface's
// Published notification.
func (s *Surface) onPublished() {
	notifyApp := func() {
		if s.callback != nil {
			s.callback.Published(s)
		}
	}
	// Published always concerns whatever currently occupies the retired
	// cell; the driver call needs a buf argument only so its signature
	// matches Rendered's, but it only ever reads d.Retired.
	s.driver.Published(nil, s.forceRelease, notifyApp)
}

// teardown implements the first five steps of SS4.5's destruction
// contract: clear input sinks, null the native window so any racing
// RequestRender falls through to the synthetic path, drain the buffer
// pool, release the remote proxy, and destroy the GBM window. The sixth
// step -- releasing the owning display -- is the caller's job: Surface's
// own Release does it, but a Display tearing itself down force-destroys
// its remaining surfaces without it, since the display is already going
// away regardless.
func (s *Surface) teardown() {
	s.sinkMu.Lock()
	if s.keyboard != nil {
		s.keyboard.Release()
		s.keyboard = nil
	}
	if s.pointer != nil {
		s.pointer.Release()
		s.pointer = nil
	}
	if s.wheel != nil {
		s.wheel.Release()
		s.wheel = nil
	}
	if s.touch != nil {
		s.touch.Release()
		s.touch = nil
	}
	s.sinkMu.Unlock()

	win := s.window.Swap(nil)

	s.pool.Drain()
	s.driver.Active.Swap(nil)
	s.driver.Retired.Swap(nil)

	if err := s.remote.Release(); err != nil {
		debug.Warn("release remote surface proxy %q: %v", s.name, err)
	}

	if win != nil {
		win.Destroy()
	}
}

// AddRef increments the surface's reference count.
func (s *Surface) AddRef() {
	s.refMu.Lock()
	s.refCount++
	s.refMu.Unlock()
}

// Release decrements the surface's reference count. When it reaches
// zero, the surface is removed from its display's surface table and torn
// down per SS4.5.
func (s *Surface) Release() {
	s.refMu.Lock()
	s.refCount--
	done := s.refCount == 0
	s.refMu.Unlock()

	if !done {
		return
	}

	s.display.surfaces.Delete(s.ID())
	s.teardown()
	s.display.Release()
}
