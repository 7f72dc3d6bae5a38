package consumer

import (
	"bytes"
	"encoding/gob"
	"net"

	"github.com/ustd/sessiond/internal/shadow"
)

// Client is the per-bitness consumer transport (C2).
type Client interface {
	// AskChannel asks the consumer to allocate a channel for attr,
	// returning the stream count the app must expect.
	AskChannel(channelKey uint64, attr shadow.ChannelAttr) (expectedStreamCount int32, err error)
	// GetChannel retrieves the channel object and its stream descriptors
	// once the consumer has finished allocating them.
	GetChannel(channelKey uint64) (obj *shadow.TracerObject, streams []*shadow.AppStream, err error)
	// DestroyChannel best-effort tears down the channel on the consumer
	// side; spec 4.2 calls this only when the local flow has already
	// failed, so callers must not treat its error as fatal.
	DestroyChannel(channelKey uint64) error
	Close() error
}

type connClient struct {
	conn  net.Conn
	codec *frameCodec
}

// NewClient wraps an already-connected consumer socket.
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
		return response{}, err
	}
	payload, err := readFrame(c.codec.rw.Reader)
	if err != nil {
		return response{}, err
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

func (c *connClient) AskChannel(channelKey uint64, attr shadow.ChannelAttr) (int32, error) {
	resp, err := c.do(request{Op: opAskChannel, ChannelKey: channelKey, ChannelAttr: attr})
	if err != nil {
		return 0, err
	}
	return resp.ExpectedStreamCount, nil
}

// GetChannel writes the get_channel request and reads a single response
// frame together with any SCM_RIGHTS descriptors attached to it. The
// channel object is identified by the response's ObjectHandle; received
// descriptors are assigned in order as data/wakeup pairs to the streams,
// and a stream with no received pair keeps zero descriptors.
func (c *connClient) GetChannel(channelKey uint64) (*shadow.TracerObject, []*shadow.AppStream, error) {
	c.codec.mu.Lock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(request{Op: opGetChannel, ChannelKey: channelKey}); err != nil {
		c.codec.mu.Unlock()
		return nil, nil, err
	}
	if err := writeFrame(c.codec.rw.Writer, buf.Bytes()); err != nil {
		c.codec.mu.Unlock()
		return nil, nil, err
	}

	payload, fds, err := readFrameWithFDs(c.conn, c.codec, 2)
	c.codec.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	var resp response
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&resp); err != nil {
		return nil, nil, err
	}
	if resp.Status != statusOK {
		return nil, nil, resp.Status.err(resp.Message)
	}

	obj := &shadow.TracerObject{Handle: resp.ObjectHandle}
	streams := make([]*shadow.AppStream, 0, resp.StreamCount)
	for i := int32(0); i < resp.StreamCount; i++ {
		s := &shadow.AppStream{}
		if len(fds) >= int(i+1)*2 {
			s.DataFd = fds[i*2]
			s.WakeupFd = fds[i*2+1]
		}
		streams = append(streams, s)
	}
	return obj, streams, nil
}

func (c *connClient) DestroyChannel(channelKey uint64) error {
	_, err := c.do(request{Op: opDestroyChannel, ChannelKey: channelKey})
	return err
}

func (c *connClient) Close() error {
	return c.conn.Close()
}
