// Package texture is the CPU-side paint path for a client that isn't
// driving Native() through an EGL/GLES context: it mmaps a Content
// Buffer's exported descriptor and hands the caller a draw.Image over
// it, the same way the teacher's shm image buffers expose their pool
// allocation as a paintable image.
package texture

import (
	"fmt"
	"image"
	"image/draw"

	"golang.org/x/sys/unix"

	"deedles.dev/ximage"
)

// Paint mmaps fd for height*stride bytes and calls fn with a draw.Image
// backed directly by that mapping, so writes fn makes land in the buffer
// in place. The mapping is unconditionally unmapped before Paint returns.
func Paint(fd int, width, height int, stride uint32, fn func(img draw.Image)) error {
	size := int(stride) * height
	if size <= 0 {
		return fmt.Errorf("texture: invalid buffer size %dx%d stride %d", width, height, stride)
	}

	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("texture: mmap: %w", err)
	}
	defer func() {
		if err := unix.Munmap(mmap); err != nil {
			// Nothing left to do about a failed unmap; the fd itself is
			// closed independently by the Content Buffer's own teardown.
			_ = err
		}
	}()

	img := &ximage.FormatImage{
		Format: ximage.ARGB8888,
		Rect:   image.Rect(0, 0, width, height),
		Pix:    mmap,
	}
	fn(img)

	return nil
}
