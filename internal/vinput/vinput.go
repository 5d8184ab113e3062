// Package vinput reads the virtual-input event stream -- keyboard, mouse
// and touch, fanned in from a single external source -- and delivers each
// decoded event to every live surface via compositor.Publish, the same
// registry-walk the teacher's internal/ev-backed delivery mirrors for its
// own input events.
package vinput

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"libgbmshare.dev/compositor"
	"libgbmshare.dev/compositor/internal/bin"
	"libgbmshare.dev/compositor/internal/debug"
	"libgbmshare.dev/compositor/internal/ev"
)

// frameKind tags one decoded wire event.
type frameKind byte

const (
	kindKey frameKind = iota + 1
	kindMouseMotion
	kindMouseButton
	kindWheel
	kindTouch
)

// SocketPath is the virtual-input connector: $VIRTUAL_INPUT if set, else
// /tmp/keyhandler.
func SocketPath() string {
	if p := os.Getenv("VIRTUAL_INPUT"); p != "" {
		return p
	}
	return "/tmp/keyhandler"
}

// Reader owns the connection to the virtual-input socket, the queue that
// lets its decode loop hand delivery off without blocking on any
// surface's Send*, and the small pieces of state (accumulated cursor
// position, last-seen touch points) the fan-out rules in spec.md SS4.6
// need across events.
type Reader struct {
	conn  net.Conn
	queue *ev.Queue

	cursorMu sync.Mutex
	cursorX  float64
	cursorY  float64

	touchMu   sync.Mutex
	lastTouch map[int32]touchPoint
}

type touchPoint struct {
	x, y float64
	down bool
}

// Dial connects to the virtual-input socket and starts the reader's
// decode loop and delivery-queue drain in the background. Close stops
// both.
func Dial() (*Reader, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, fmt.Errorf("vinput: dial %s: %w", SocketPath(), err)
	}

	r := &Reader{
		conn:      conn,
		queue:     ev.NewQueue(),
		lastTouch: make(map[int32]touchPoint),
	}
	go r.drain()
	go r.readLoop()

	return r, nil
}

// Close closes the connection and stops the delivery queue.
func (r *Reader) Close() error {
	r.queue.Stop()
	return r.conn.Close()
}

func (r *Reader) drain() {
	for batch := range r.queue.Get() {
		if err := batch.Flush(); err != nil {
			debug.Error("vinput: flush: %v", err)
		}
	}
}

// readLoop decodes one frame at a time -- [4-byte length][1-byte kind]
// [payload] -- and queues a closure that performs the actual per-surface
// delivery, so a slow surface callback never stalls the socket read.
func (r *Reader) readLoop() {
	for {
		kind, payload, err := readFrame(r.conn)
		if err != nil {
			debug.Warn("vinput: read loop exiting: %v", err)
			return
		}

		fn := r.decode(kind, payload)
		if fn == nil {
			continue
		}
		r.queue.Add() <- fn
	}
}

func (r *Reader) decode(kind frameKind, payload []byte) func() error {
	switch kind {
	case kindKey:
		if len(payload) < 5 {
			return nil
		}
		code := readU32(payload)
		pressed := payload[4] != 0
		return func() error {
			compositor.Publish(func(s *compositor.Surface) { s.SendKey(code, pressed) })
			return nil
		}

	case kindMouseMotion:
		if len(payload) < 8 {
			return nil
		}
		dx := int32(readU32(payload))
		dy := int32(readU32(payload[4:]))
		return func() error {
			x, y := r.integrateCursor(float64(dx), float64(dy))
			compositor.Publish(func(s *compositor.Surface) {
				cx, cy := clamp(x, float64(s.Width())), clamp(y, float64(s.Height()))
				s.SendPointerMotion(cx, cy)
			})
			return nil
		}

	case kindMouseButton:
		if len(payload) < 5 {
			return nil
		}
		code := readU32(payload)
		pressed := payload[4] != 0
		return func() error {
			compositor.Publish(func(s *compositor.Surface) { s.SendPointerButton(code, pressed) })
			return nil
		}

	case kindWheel:
		if len(payload) < 8 {
			return nil
		}
		dx := fixed1616(readU32(payload))
		dy := fixed1616(readU32(payload[4:]))
		return func() error {
			compositor.Publish(func(s *compositor.Surface) { s.SendWheel(dx, dy) })
			return nil
		}

	case kindTouch:
		if len(payload) < 13 {
			return nil
		}
		id := int32(readU32(payload))
		x := fixed1616(readU32(payload[4:]))
		y := fixed1616(readU32(payload[8:]))
		down := payload[12] != 0

		if r.suppressDuplicateTouch(id, x, y, down) {
			return nil
		}

		return func() error {
			compositor.Publish(func(s *compositor.Surface) {
				s.SendTouch(id, x*float64(s.Width()), y*float64(s.Height()), down)
			})
			return nil
		}

	default:
		return nil
	}
}

// integrateCursor accumulates a relative motion delta into the reader's
// single device-level cursor position, returning the new position. Each
// surface then clamps this same position independently to its own
// dimensions, per spec.md SS4.6.
func (r *Reader) integrateCursor(dx, dy float64) (float64, float64) {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	r.cursorX += dx
	r.cursorY += dy
	return r.cursorX, r.cursorY
}

func clamp(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// suppressDuplicateTouch reports whether this exact (x, y, down) has
// already been delivered for touch point id, to cut down on IPC traffic,
// per spec.md SS4.6.
func (r *Reader) suppressDuplicateTouch(id int32, x, y float64, down bool) bool {
	r.touchMu.Lock()
	defer r.touchMu.Unlock()

	prev, ok := r.lastTouch[id]
	cur := touchPoint{x: x, y: y, down: down}
	if ok && prev == cur {
		return true
	}
	r.lastTouch[id] = cur
	if !down {
		delete(r.lastTouch, id)
	}
	return false
}

// readFrame reads one [4-byte length][1-byte kind][payload] frame off r.
func readFrame(r io.Reader) (frameKind, []byte, error) {
	length, err := bin.Read[uint32](r)
	if err != nil {
		return 0, nil, fmt.Errorf("vinput: read frame length: %w", err)
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("vinput: empty frame")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("vinput: read frame body: %w", err)
	}

	return frameKind(body[0]), body[1:], nil
}

func readU32(b []byte) uint32 {
	return bin.Value[uint32]([4]byte{b[0], b[1], b[2], b[3]})
}

// fixed1616 converts a 16.16 fixed-point wire value (used for wheel deltas
// and normalized touch coordinates) to a float64 in [0, 1] for touch, or a
// signed scroll delta for wheel.
func fixed1616(v uint32) float64 {
	return float64(int32(v)) / 65536
}
