package consumer

import (
	"net"

	"golang.org/x/sys/unix"
)

// readFrameWithFDs reads one length-prefixed frame like readFrame, also
// collecting any SCM_RIGHTS descriptors attached to it. get_channel (spec
// 4.2) is the only call whose response carries descriptors (two per
// stream: data, then wakeup). At most maxFDs descriptors are accepted.
//
// Real ancillary data only exists on AF_UNIX sockets; when conn is not a
// *net.UnixConn (the in-process net.Pipe transport used in tests) the
// frame is read normally and no fds are returned.
func readFrameWithFDs(conn net.Conn, codec *frameCodec, maxFDs int) ([]byte, []int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		payload, err := readFrame(codec.rw.Reader)
		return payload, nil, err
	}

	// A pending response frame may already be the next bytes the bufio
	// reader sees if a prior call left nothing buffered; since every
	// call is fully drained before the codec mutex is released, the
	// buffer is always empty here, so it's safe to read straight off
	// the raw connection for this one oob-bearing response.
	var lenBuf [4]byte
	if _, err := readFullRaw(uc, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	n := beUint32(lenBuf[:])
	buf := make([]byte, n)
	oob := make([]byte, unix.CmsgSpace(4*maxFDs))
	read, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, err
	}
	for read < len(buf) {
		more := make([]byte, len(buf)-read)
		mr, merr := uc.Read(more)
		if merr != nil {
			return nil, nil, merr
		}
		copy(buf[read:], more[:mr])
		read += mr
	}

	var fds []int
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, err
		}
		for _, m := range msgs {
			got, err := unix.ParseUnixRights(&m)
			if err != nil {
				return nil, nil, err
			}
			fds = append(fds, got...)
		}
	}
	return buf, fds, nil
}

func readFullRaw(uc *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := uc.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
