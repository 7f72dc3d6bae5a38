// Package ustproto implements the typed request/response transport (C1)
// spoken over each application's private command socket: session,
// channel, event and context lifecycle, enable/disable, filtering,
// start/stop, quiescent wait, version and tracepoint enumeration.
//
// The tracer control library is, per the specification, an external
// collaborator specified only at its interface. This package ships a
// concrete, self-contained implementation of that interface (a
// length-prefixed, gob-encoded request/response protocol) so the
// reconciler can be exercised end to end without an external process.
package ustproto

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
)

// opcode identifies the operation carried by a request frame.
type opcode uint8

const (
	opCreateSession opcode = iota + 1
	opReleaseSessionHandle
	opCreateChannel
	opEnable
	opDisable
	opCreateEvent
	opSetFilter
	opAddContext
	opReleaseObject
	opStartSession
	opStopSession
	opWaitQuiescent
	opFlushBuffer
	opTracerVersion
	opTracepointListOpen
	opTracepointListGet
	opFieldListOpen
	opFieldListGet
	opCalibrate
	opSendChannel
	opSendStream
)

// status is the typed outcome of a request, distinct from a transport
// (connection) failure.
type status uint8

const (
	statusOK status = iota
	statusPermissionDenied
	statusAlreadyExists
	statusNoEntry
	statusNotSupported
	statusError
)

func (s status) err(msg string) error {
	switch s {
	case statusOK:
		return nil
	case statusPermissionDenied:
		return usterrors.ErrPermissionDenied
	case statusAlreadyExists:
		return usterrors.ErrAlreadyExists
	case statusNoEntry:
		return usterrors.ErrNoEntry
	case statusNotSupported:
		return usterrors.ErrNotSupported
	default:
		return fmt.Errorf("ustproto: %s", msg)
	}
}

type request struct {
	Op            opcode
	SessionHandle int64
	ChannelHandle int64
	ObjectHandle  int64
	ChannelAttr   shadow.ChannelAttr
	EventAttr     shadow.EventAttr
	EventName     string
	Filter        []byte
	ContextKind   shadow.ContextKind
	ListHandle    int32
	ListIndex     uint32
	Calibrate     CalibrateParams
}

type response struct {
	Status      status
	Message     string
	Handle      int64
	ListHandle  int32
	TracerMajor uint32
	TracerMinor uint32
	Tracepoint  Tracepoint
	Field       Field
}

// Tracepoint describes one entry returned by tracepoint enumeration.
type Tracepoint struct {
	Name     string
	Loglevel int32
	Pid      int32
	// Enabled carries the sentinel -1 per spec 4.7; list entries do not
	// report a real enabled state.
	Enabled int32
}

// Field describes one entry returned by field enumeration.
type Field struct {
	Name      string
	EventName string
	Pid       int32
}

// CalibrateParams parameterizes the calibrate operation. The spec treats
// calibration as an opaque tracer self-test; we forward whatever the
// caller supplies.
type CalibrateParams struct {
	Kind string
}

// frameCodec performs length-prefixed gob framing over a connection. Only
// one request may be in flight at a time per connection (spec 4.1:
// "synchronous, per-socket request/response API").
type frameCodec struct {
	mu  sync.Mutex
	rw  *bufio.ReadWriter
	enc *gob.Encoder
	dec *gob.Decoder
}

func newFrameCodec(conn net.Conn) *frameCodec {
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	return &frameCodec{rw: rw}
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
