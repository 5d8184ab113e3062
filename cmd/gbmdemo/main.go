// Command gbmdemo exercises the compositor package end to end: it dials
// a display, creates a surface, and drives RequestRender at 60Hz until
// interrupted, logging every Rendered/Published callback it receives. It
// also dials the virtual-input socket, if one is reachable, so keyboard
// and pointer events flowing through vinput can be observed landing on
// the surface it created.
package main

import (
	"context"
	"flag"
	"image"
	"image/draw"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/image/colornames"
	xdraw "golang.org/x/image/draw"

	"libgbmshare.dev/compositor"
	"libgbmshare.dev/compositor/internal/vinput"
)

func main() {
	var (
		displayName = flag.String("display", "wayland-0", "display name to connect to")
		width       = flag.Uint("width", 640, "surface width")
		height      = flag.Uint("height", 480, "surface height")
		frames      = flag.Uint("frames", 0, "number of frames to render before exiting (0 = run until interrupted)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	d, err := compositor.Instance(*displayName)
	if err != nil {
		log.Fatalf("gbmdemo: instance %q: %v", *displayName, err)
	}
	defer d.Release()

	cb := &callback{}
	s, err := d.Create("gbmdemo", uint32(*width), uint32(*height), cb)
	if err != nil {
		log.Fatalf("gbmdemo: create surface: %v", err)
	}
	defer s.Release()

	log.Printf("gbmdemo: surface %q (id %d) ready, native window %#x", s.Name(), s.ID(), s.Native())

	s.SetPaint(checkerboard)

	sink := &logSink{}
	if err := s.Keyboard(sink); err != nil {
		log.Printf("gbmdemo: attach keyboard sink: %v", err)
	}
	if err := s.Pointer(sink); err != nil {
		log.Printf("gbmdemo: attach pointer sink: %v", err)
	}

	if in, err := vinput.Dial(); err != nil {
		log.Printf("gbmdemo: virtual input unavailable: %v", err)
	} else {
		defer in.Close()
		log.Printf("gbmdemo: virtual input connected at %s", vinput.SocketPath())
	}

	run(ctx, s, *frames)
}

// run drives RequestRender at 60Hz, the same cadence the teacher's own
// server-side example flushes its connection at, until ctx is canceled
// or the requested frame count is reached.
func run(ctx context.Context, s *compositor.Surface, frames uint) {
	tick := time.NewTicker(time.Second / 60)
	defer tick.Stop()

	var n uint
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.RequestRender()
			n++
			if frames > 0 && n >= frames {
				return
			}
		}
	}
}

// checkerboard paints a small fixed tile and upscales it to fill img,
// the same scale-to-fit the teacher's image viewer uses to fit an
// arbitrary source image into its surface.
func checkerboard(img draw.Image) {
	const tile = 8
	src := image.NewRGBA(image.Rect(0, 0, tile, tile))
	for y := 0; y < tile; y++ {
		for x := 0; x < tile; x++ {
			c := colornames.Dimgray
			if (x+y)%2 == 0 {
				c = colornames.Gainsboro
			}
			src.Set(x, y, c)
		}
	}

	xdraw.NearestNeighbor.Scale(img, img.Bounds(), src, src.Bounds(), xdraw.Src, nil)
}

type callback struct{}

func (callback) Rendered(s *compositor.Surface)  { log.Printf("surface %d: rendered", s.ID()) }
func (callback) Published(s *compositor.Surface) { log.Printf("surface %d: published", s.ID()) }

// logSink is a trivial input sink that just logs what it receives, to
// prove events routed through vinput actually reach a surface's sinks.
type logSink struct{}

func (*logSink) AddRef()  {}
func (*logSink) Release() {}

func (*logSink) Key(code uint32, pressed bool) {
	log.Printf("key %d pressed=%v", code, pressed)
}

func (*logSink) Motion(dx, dy float64) {
	log.Printf("pointer motion %.1f,%.1f", dx, dy)
}

func (*logSink) Button(code uint32, pressed bool) {
	log.Printf("pointer button %d pressed=%v", code, pressed)
}
