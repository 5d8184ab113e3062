// Package compositor is a client-side library that lets an application
// render with a GPU into buffers that are zero-copy shared with a remote
// compositor over a local IPC channel. It negotiates a DRM render node
// and allocates remote-side surface proxies, then drives a per-surface
// DMA-BUF swap pipeline between the application's buffer swaps and the
// compositor's Rendered/Published callbacks.
package compositor

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/exp/maps"

	"libgbmshare.dev/compositor/internal/debug"
	"libgbmshare.dev/compositor/internal/gbm"
	"libgbmshare.dev/compositor/internal/objstore"
	"libgbmshare.dev/compositor/internal/remote"
	"libgbmshare.dev/compositor/internal/xslices"
)

var registry = struct {
	mu       sync.Mutex
	displays map[string]*Display
}{displays: make(map[string]*Display)}

// Instance returns the Display for name, creating it on first use. Every
// call increments the Display's reference count; the matching number of
// Release calls removes it from the registry and tears it down. A name
// whose last reference has been released and is then requested again
// gets a fresh Display, not the torn-down one.
func Instance(name string) (*Display, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if d, ok := registry.displays[name]; ok {
		d.refMu.Lock()
		d.refCount++
		d.refMu.Unlock()
		return d, nil
	}

	d, err := newDisplay(name)
	if err != nil {
		return nil, err
	}
	registry.displays[name] = d
	return d, nil
}

// Publish walks every live display and, within each, every live surface,
// invoking f for each. This is what the virtual-input keyboard/mouse/
// touch callbacks call through to fan their decoded events out.
func Publish(f func(*Surface)) {
	registry.mu.Lock()
	displays := maps.Values(registry.displays)
	registry.mu.Unlock()

	for _, d := range displays {
		d.surfaces.Each(func(_ uint32, s *Surface) { f(s) })
	}
}

// Display represents one named connection to the compositor.
type Display struct {
	name string

	refMu    sync.Mutex
	refCount int

	conn   *remote.Conn
	remote *remote.DisplayProxy
	device *gbm.Device

	renderNodeFD int

	surfaces *objstore.Store[*Surface]
}

func newDisplay(name string) (*Display, error) {
	conn, err := remote.Dial()
	if err != nil {
		return nil, fmt.Errorf("compositor: connect display %q: %w", name, err)
	}

	proxy, err := remote.CreateDisplayProxy(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("compositor: create display proxy %q: %w", name, err)
	}

	renderNode, err := proxy.RenderNodePath()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("compositor: fetch render node path: %w", err)
	}

	fd, err := gbm.OpenRenderNode(renderNode)
	if err != nil {
		conn.Close()
		return nil, err
	}

	device := gbm.NewDevice(fd, backendName())

	d := &Display{
		name:         name,
		refCount:     1,
		conn:         conn,
		remote:       proxy,
		device:       device,
		renderNodeFD: fd,
		surfaces:     objstore.New[*Surface](),
	}
	proxy.OnNotify(d.handleNotify)

	debug.Info("display %q initialized, render node %s", name, renderNode)
	return d, nil
}

// handleNotify routes a comrpc Rendered/Published push to the surface it
// names. A push for a surface id this display no longer knows about (the
// surface was already released) is logged and dropped.
func (d *Display) handleNotify(kind remote.NotifyKind, surfaceID uint32) {
	s, ok := d.surfaces.Get(surfaceID)
	if !ok {
		debug.Warn("display %q: notification for unknown surface %d", d.name, surfaceID)
		return
	}
	switch kind {
	case remote.NotifyRendered:
		s.onRendered()
	case remote.NotifyPublished:
		s.onPublished()
	default:
		debug.Warn("display %q: unknown notification kind %d for surface %d", d.name, kind, surfaceID)
	}
}

// probeFormat is the GBM format-acceptance test CreateSurface walks its
// priority list against. Absent a live allocator backend to query, every
// format in the priority list is accepted and the first one (ARGB8888)
// always wins, mirroring the common case where the backend supports it.
func (d *Display) probeFormat(f gbm.Format, flags gbm.UsageFlag) bool {
	return true
}

// Name returns the display's name.
func (d *Display) Name() string { return d.name }

// FileDescriptor returns the render-node file descriptor opened for this
// display.
func (d *Display) FileDescriptor() int { return d.renderNodeFD }

// Native returns the render-node file descriptor the allocator device was
// created on, as an opaque value, for callers (such as an EGL context)
// that need to construct a native display from it.
func (d *Display) Native() uintptr { return uintptr(d.renderNodeFD) }

// AddRef increments the display's reference count.
func (d *Display) AddRef() {
	d.refMu.Lock()
	d.refCount++
	d.refMu.Unlock()
}

// Release decrements the display's reference count. When it reaches
// zero, the display is removed from the registry and torn down: any
// surfaces still alive are force-destroyed with an error diagnostic
// before the RPC connection and render node are closed.
func (d *Display) Release() {
	d.refMu.Lock()
	d.refCount--
	done := d.refCount == 0
	d.refMu.Unlock()

	if !done {
		return
	}

	registry.mu.Lock()
	delete(registry.displays, d.name)
	registry.mu.Unlock()

	d.surfaces.Each(func(id uint32, s *Surface) {
		debug.Error("display %q released with surface %d (%s) still alive; force-destroying", d.name, id, s.Name())
		s.teardown()
	})

	d.device.Close()

	if err := d.conn.Close(); err != nil {
		debug.Warn("close comrpc connection for display %q: %v", d.name, err)
	}
	closeFD(d.renderNodeFD)
}

// SurfaceByName returns the live surface with the given name, if any. If
// more than one surface happens to share the name, the first one the
// filter turns up wins; callers that care about that ambiguity should
// track ids instead.
func (d *Display) SurfaceByName(name string) (*Surface, bool) {
	matches := xslices.Filter(d.surfaces.Values(), func(s *Surface) bool {
		return s.Name() == name
	})
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Process is a no-op hook applications can call from their own event
// loop; dispatch for this library happens on background goroutines
// (the RPC reader and the virtual-input reader), so there is nothing to
// pump here, but the method exists to match the library surface callers
// of a Wayland-shaped API expect.
func (d *Display) Process() error {
	return nil
}

// backendName identifies the allocator backend so CreateSurface knows
// whether to special-case the usage-flags quirk. A real allocator
// reports this once the device is opened (gbm_device_get_backend_name);
// absent a live backend to query, the common case -- usage flags
// supported -- is assumed.
func backendName() string {
	return ""
}

func closeFD(fd int) {
	if fd < 0 {
		return
	}
	os.NewFile(uintptr(fd), "").Close()
}
