// Package offer implements the one-shot descriptor hand-off to the
// compositor: exporting a buffer's per-plane file descriptors to the
// remote side over the credential-passing connector socket.
package offer

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"libgbmshare.dev/compositor/internal/bin"
)

// Timeout is the maximum time the offer will wait for the compositor to
// accept the connection and message.
const Timeout = 100 * time.Millisecond

// MaxDescriptors is the implementation-defined per-request maximum number
// of descriptors a single offer may carry -- one per plane, and this
// module only supports single-plane formats, but the limit is kept a few
// planes wide in case a future format needs more.
const MaxDescriptors = 4

// ErrOfferRejected is returned when the socket is unreachable, the
// compositor does not accept within Timeout, or the descriptor count
// exceeds MaxDescriptors.
var ErrOfferRejected = errors.New("offer: rejected")

func socketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/tmp/Compositor"
}

// SocketPath is the descriptor-offer connector socket path.
func SocketPath() string {
	return filepath.Join(socketDir(), "descriptors")
}

// Offer hands fds (one per plane of a single buffer) to the compositor,
// tagged with surfaceID, over the descriptors connector socket. On
// success, the remote end has its own copies of the descriptors and the
// caller may close its local copies.
func Offer(surfaceID uint32, fds []int) error {
	if len(fds) == 0 {
		return fmt.Errorf("%w: no descriptors to offer", ErrOfferRejected)
	}
	if len(fds) > MaxDescriptors {
		return fmt.Errorf("%w: %d descriptors exceeds maximum %d", ErrOfferRejected, len(fds), MaxDescriptors)
	}

	deadline := time.Now().Add(Timeout)

	conn, err := net.DialTimeout("unix", SocketPath(), Timeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrOfferRejected, SocketPath(), err)
	}
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("%w: not a unix socket connection", ErrOfferRejected)
	}
	if err := uc.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %v", ErrOfferRejected, err)
	}

	rights := unix.UnixRights(fds...)
	var header bytes.Buffer
	bin.Write(&header, surfaceID)

	if _, _, err := uc.WriteMsgUnix(header.Bytes(), rights, nil); err != nil {
		return fmt.Errorf("%w: write descriptors for surface %d: %v", ErrOfferRejected, surfaceID, err)
	}

	ack := make([]byte, 1)
	if _, err := uc.Read(ack); err != nil {
		return fmt.Errorf("%w: waiting for compositor ack: %v", ErrOfferRejected, err)
	}

	return nil
}
