package ustproto

import (
	"errors"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ustd/sessiond/internal/usterrors"
)

// classifyTransportError turns a raw connection error into one of the two
// benign peer-death sentinels whenever it genuinely reflects the peer
// going away, so every call site can distinguish that case from a real
// transport failure without re-deriving the syscall classification
// (spec 4.1).
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return usterrors.ErrPeerExiting
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EPIPE:
			return usterrors.ErrBrokenPipe
		case unix.ECONNRESET, unix.ESHUTDOWN:
			return usterrors.ErrPeerExiting
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return classifyTransportError(opErr.Err)
	}
	return err
}
