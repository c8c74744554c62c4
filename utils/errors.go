package utils

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/RustWorks/mirrord/pkg/models"
)

// Sentinel errors shared across the layer. Hook handlers translate these
// back into the errno convention the intercepted function normally uses, so
// the host program's error handling runs unmodified.
var (
	// ErrWouldBlock is returned for a non-blocking descriptor whose result
	// is not already available. Never block the caller in that case.
	ErrWouldBlock = errors.New("operation would block")

	// ErrConnectionLost means the control channel to the proxy is gone.
	// Every remote descriptor is unusable from that point on.
	ErrConnectionLost = errors.New("control channel to proxy lost")

	// ErrInvalidTransition is a descriptor state machine violation, e.g.
	// accept on a descriptor that was never put into listening state.
	ErrInvalidTransition = errors.New("invalid descriptor state transition")

	// ErrNotManaged marks a descriptor the layer never created; the caller
	// must pass the operation through to the real OS implementation.
	ErrNotManaged = errors.New("descriptor is not managed by the layer")

	// ErrProtocol is an unrecoverable control channel protocol violation
	// (duplicate response id, undecodable frame). State past this point
	// cannot be trusted.
	ErrProtocol = errors.New("control channel protocol violation")
)

// ErrnoOf maps a layer error to the errno an unmodified program would see
// from the equivalent local syscall failure.
func ErrnoOf(err error) unix.Errno {
	var errno unix.Errno
	var wire *models.WireError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return errno
	case errors.As(err, &wire):
		// the proxy replays the exact errno the remote operation produced
		return unix.Errno(wire.Errno)
	case errors.Is(err, ErrWouldBlock):
		return unix.EWOULDBLOCK
	case errors.Is(err, ErrConnectionLost):
		return unix.ECONNABORTED
	case errors.Is(err, ErrInvalidTransition):
		return unix.EINVAL
	case errors.Is(err, ErrNotManaged):
		return unix.EBADF
	default:
		return unix.EIO
	}
}
