// Package consumer implements the consumer client transport (C2): per-app
// channel allocation on a process-wide consumer daemon, selected by the
// app's bitness (spec 4.2).
//
// Like ustproto, the consumer daemon is an external collaborator per the
// specification; this package ships a concrete, self-contained
// length-prefixed gob transport so the reconciler can be exercised without
// one.
package consumer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
)

type opcode uint8

const (
	opAskChannel opcode = iota + 1
	opGetChannel
	opDestroyChannel
)

type status uint8

const (
	statusOK status = iota
	statusNoEntry
	statusError
)

func (s status) err(msg string) error {
	switch s {
	case statusOK:
		return nil
	case statusNoEntry:
		return usterrors.ErrNoEntry
	default:
		return fmt.Errorf("consumer: %s", msg)
	}
}

type request struct {
	Op          opcode
	ChannelKey  uint64
	ChannelAttr shadow.ChannelAttr
}

type response struct {
	Status              status
	Message             string
	ObjectHandle        int64
	ExpectedStreamCount int32
	StreamCount         int32
}

func writeFrame(w *bufio.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// frameCodec mirrors ustproto's: one in-flight request per connection.
type frameCodec struct {
	mu sync.Mutex
	rw *bufio.ReadWriter
}

func newFrameCodec(conn net.Conn) *frameCodec {
	return &frameCodec{rw: bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))}
}
