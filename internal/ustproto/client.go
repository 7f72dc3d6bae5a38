package ustproto

import (
	"bytes"
	"encoding/gob"
	"net"

	"github.com/ustd/sessiond/internal/shadow"
)

// Client is the per-app tracer transport (C1). Every method returns
// either success or a signed error; ErrBrokenPipe and ErrPeerExiting
// (usterrors) are the two benign peer-death signals that every call site
// must distinguish from all other failures (spec 4.1).
type Client interface {
	CreateSession() (*shadow.TracerObject, error)
	ReleaseSessionHandle(handle int64) error
	CreateChannel(sessionHandle int64, attr shadow.ChannelAttr) (*shadow.TracerObject, error)
	Enable(obj *shadow.TracerObject) error
	Disable(obj *shadow.TracerObject) error
	CreateEvent(channelHandle int64, name string, attr shadow.EventAttr) (*shadow.TracerObject, error)
	SetFilter(obj *shadow.TracerObject, bytecode []byte) error
	AddContext(channelHandle int64, kind shadow.ContextKind) (*shadow.TracerObject, error)
	ReleaseObject(obj *shadow.TracerObject) error
	StartSession(handle int64) error
	StopSession(handle int64) error
	WaitQuiescent() error
	FlushBuffer(obj *shadow.TracerObject) error
	TracerVersion() (major, minor uint32, err error)
	TracepointListOpen() (listHandle int32, err error)
	TracepointListGet(listHandle int32, index uint32) (*Tracepoint, error)
	FieldListOpen(eventHandle int64) (listHandle int32, err error)
	FieldListGet(listHandle int32, index uint32) (*Field, error)
	Calibrate(params CalibrateParams) error
	// SendChannel hands the consumer-allocated channel object fd to the
	// app over its own command socket (spec 4.2's send_channel_to_app).
	SendChannel(channelHandle int64, objFd int) error
	// SendStream hands one stream's data and wakeup fds to the app (spec
	// 4.2's send_stream_to_app).
	SendStream(channelHandle int64, dataFd, wakeupFd int) error
	Close() error
}

// connClient is the concrete Client backed by a length-prefixed gob
// request/response stream over a net.Conn.
type connClient struct {
	conn  net.Conn
	codec *frameCodec
}

// NewClient wraps an already-connected app socket in a tracer transport
// client.
func NewClient(conn net.Conn) Client {
	return &connClient{conn: conn, codec: newFrameCodec(conn)}
}

func (c *connClient) do(req request) (response, error) {
	c.codec.mu.Lock()
	defer c.codec.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return response{}, err
	}
	if err := writeFrame(c.codec.rw.Writer, buf.Bytes()); err != nil {
		return response{}, classifyTransportError(err)
	}

	payload, err := readFrame(c.codec.rw.Reader)
	if err != nil {
		return response{}, classifyTransportError(err)
	}
	var resp response
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&resp); err != nil {
		return response{}, err
	}
	if resp.Status != statusOK {
		return resp, resp.Status.err(resp.Message)
	}
	return resp, nil
}

func (c *connClient) CreateSession() (*shadow.TracerObject, error) {
	resp, err := c.do(request{Op: opCreateSession})
	if err != nil {
		return nil, err
	}
	return &shadow.TracerObject{Handle: resp.Handle}, nil
}

func (c *connClient) ReleaseSessionHandle(handle int64) error {
	_, err := c.do(request{Op: opReleaseSessionHandle, SessionHandle: handle})
	return err
}

func (c *connClient) CreateChannel(sessionHandle int64, attr shadow.ChannelAttr) (*shadow.TracerObject, error) {
	resp, err := c.do(request{Op: opCreateChannel, SessionHandle: sessionHandle, ChannelAttr: attr})
	if err != nil {
		return nil, err
	}
	return &shadow.TracerObject{Handle: resp.Handle}, nil
}

func (c *connClient) Enable(obj *shadow.TracerObject) error {
	_, err := c.do(request{Op: opEnable, ObjectHandle: obj.Handle})
	return err
}

func (c *connClient) Disable(obj *shadow.TracerObject) error {
	_, err := c.do(request{Op: opDisable, ObjectHandle: obj.Handle})
	return err
}

func (c *connClient) CreateEvent(channelHandle int64, name string, attr shadow.EventAttr) (*shadow.TracerObject, error) {
	resp, err := c.do(request{Op: opCreateEvent, ChannelHandle: channelHandle, EventName: name, EventAttr: attr})
	if err != nil {
		return nil, err
	}
	return &shadow.TracerObject{Handle: resp.Handle}, nil
}

func (c *connClient) SetFilter(obj *shadow.TracerObject, bytecode []byte) error {
	_, err := c.do(request{Op: opSetFilter, ObjectHandle: obj.Handle, Filter: bytecode})
	return err
}

func (c *connClient) AddContext(channelHandle int64, kind shadow.ContextKind) (*shadow.TracerObject, error) {
	resp, err := c.do(request{Op: opAddContext, ChannelHandle: channelHandle, ContextKind: kind})
	if err != nil {
		return nil, err
	}
	return &shadow.TracerObject{Handle: resp.Handle}, nil
}

func (c *connClient) ReleaseObject(obj *shadow.TracerObject) error {
	_, err := c.do(request{Op: opReleaseObject, ObjectHandle: obj.Handle})
	return err
}

func (c *connClient) StartSession(handle int64) error {
	_, err := c.do(request{Op: opStartSession, SessionHandle: handle})
	return err
}

func (c *connClient) StopSession(handle int64) error {
	_, err := c.do(request{Op: opStopSession, SessionHandle: handle})
	return err
}

func (c *connClient) WaitQuiescent() error {
	_, err := c.do(request{Op: opWaitQuiescent})
	return err
}

func (c *connClient) FlushBuffer(obj *shadow.TracerObject) error {
	_, err := c.do(request{Op: opFlushBuffer, ObjectHandle: obj.Handle})
	return err
}

func (c *connClient) TracerVersion() (uint32, uint32, error) {
	resp, err := c.do(request{Op: opTracerVersion})
	if err != nil {
		return 0, 0, err
	}
	return resp.TracerMajor, resp.TracerMinor, nil
}

func (c *connClient) TracepointListOpen() (int32, error) {
	resp, err := c.do(request{Op: opTracepointListOpen})
	if err != nil {
		return 0, err
	}
	return resp.ListHandle, nil
}

// TracepointListGet terminates iteration when it returns ErrNoEntry; any
// other error is a real failure (spec 4.1).
func (c *connClient) TracepointListGet(listHandle int32, index uint32) (*Tracepoint, error) {
	resp, err := c.do(request{Op: opTracepointListGet, ListHandle: listHandle, ListIndex: index})
	if err != nil {
		return nil, err
	}
	tp := resp.Tracepoint
	return &tp, nil
}

func (c *connClient) FieldListOpen(eventHandle int64) (int32, error) {
	resp, err := c.do(request{Op: opFieldListOpen, ObjectHandle: eventHandle})
	if err != nil {
		return 0, err
	}
	return resp.ListHandle, nil
}

func (c *connClient) FieldListGet(listHandle int32, index uint32) (*Field, error) {
	resp, err := c.do(request{Op: opFieldListGet, ListHandle: listHandle, ListIndex: index})
	if err != nil {
		return nil, err
	}
	f := resp.Field
	return &f, nil
}

func (c *connClient) Calibrate(params CalibrateParams) error {
	_, err := c.do(request{Op: opCalibrate, Calibrate: params})
	return err
}

func (c *connClient) SendChannel(channelHandle int64, objFd int) error {
	return c.doWithFDs(request{Op: opSendChannel, ChannelHandle: channelHandle}, []int{objFd})
}

func (c *connClient) SendStream(channelHandle int64, dataFd, wakeupFd int) error {
	return c.doWithFDs(request{Op: opSendStream, ChannelHandle: channelHandle}, []int{dataFd, wakeupFd})
}

// doWithFDs is do's counterpart for requests that must attach descriptors
// out of band. The response still arrives through the ordinary buffered
// frame reader: only the outbound leg carries ancillary data.
func (c *connClient) doWithFDs(req request, fds []int) error {
	c.codec.mu.Lock()
	defer c.codec.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return err
	}
	if err := writeFrameWithFDs(c.conn, buf.Bytes(), fds); err != nil {
		return classifyTransportError(err)
	}

	payload, err := readFrame(c.codec.rw.Reader)
	if err != nil {
		return classifyTransportError(err)
	}
	var resp response
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&resp); err != nil {
		return err
	}
	if resp.Status != statusOK {
		return resp.Status.err(resp.Message)
	}
	return nil
}

func (c *connClient) Close() error {
	return c.conn.Close()
}
