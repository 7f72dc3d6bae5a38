package ustproto

import (
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/ustd/sessiond/internal/usterrors"
)

func TestClassifyTransportError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"eof", io.EOF, usterrors.ErrPeerExiting},
		{"closed", net.ErrClosed, usterrors.ErrPeerExiting},
		{"epipe", &net.OpError{Op: "write", Err: syscall.Errno(unix.EPIPE)}, usterrors.ErrBrokenPipe},
		{"econnreset", &net.OpError{Op: "read", Err: syscall.Errno(unix.ECONNRESET)}, usterrors.ErrPeerExiting},
		{"other", os.ErrInvalid, os.ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyTransportError(tc.in)
			assert.ErrorIs(t, got, tc.want)
		})
	}
}
