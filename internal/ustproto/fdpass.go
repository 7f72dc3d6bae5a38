package ustproto

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

// writeFrameWithFDs writes a length-prefixed frame exactly like writeFrame,
// additionally attaching fds as SCM_RIGHTS ancillary data when conn is a
// real AF_UNIX socket. send_channel_to_app and send_stream_to_app (spec
// 4.2) are the only calls that carry descriptors; every other request
// goes through the plain bufio-buffered path in frameCodec.
//
// When conn is not a *net.UnixConn (the in-process net.Pipe transport used
// by tests), there is no fd-passing primitive available; the
// frame is written without ancillary data and the fd numbers are only
// meaningful to the simulated peer, not a real descriptor table.
func writeFrameWithFDs(conn net.Conn, payload []byte, fds []int) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	uc, ok := conn.(*net.UnixConn)
	if !ok || len(fds) == 0 {
		_, err := conn.Write(frame)
		return err
	}
	oob := unix.UnixRights(fds...)
	_, _, err := uc.WriteMsgUnix(frame, oob, nil)
	return err
}
