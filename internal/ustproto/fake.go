package ustproto

import (
	"sync"
	"sync/atomic"

	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
)

// FakeClient is a Client implementation backed entirely by in-memory
// bookkeeping; it stands in for an application's tracer during tests,
// the way MockSync stands in for a real ConfigMap watch in the teacher
// corpus.
type FakeClient struct {
	mu sync.Mutex

	// Dead causes every call to fail with the given error (typically one
	// of usterrors.ErrBrokenPipe / ErrPeerExiting) to simulate the peer
	// having gone away.
	Dead error

	// FailOp, when non-nil, is consulted before each call and lets a
	// test inject a failure for one specific opcode.
	FailOp map[opcode]error

	nextHandle     int64
	TracerMajor    uint32
	TracerMinor    uint32
	Tracepoints    []Tracepoint
	Fields         []Field
	Calibrations   int32
	QuiescentCalls int32
	FlushCalls     int32

	CreatedSessions int32
	CreatedChannels int32
	CreatedEvents   int32
	EnabledObjects  map[int64]bool
	Closed          bool

	SentChannelFds []int
	SentStreamFds  [][2]int
}

// NewFakeClient returns a FakeClient defaulting to protocol 2.0.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		TracerMajor:    2,
		TracerMinor:    0,
		EnabledObjects: make(map[int64]bool),
	}
}

func (f *FakeClient) fail(op opcode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Dead != nil {
		return f.Dead
	}
	if f.FailOp != nil {
		if err, ok := f.FailOp[op]; ok {
			return err
		}
	}
	return nil
}

func (f *FakeClient) allocHandle() int64 {
	return atomic.AddInt64(&f.nextHandle, 1)
}

func (f *FakeClient) CreateSession() (*shadow.TracerObject, error) {
	if err := f.fail(opCreateSession); err != nil {
		return nil, err
	}
	atomic.AddInt32(&f.CreatedSessions, 1)
	return &shadow.TracerObject{Handle: f.allocHandle()}, nil
}

func (f *FakeClient) ReleaseSessionHandle(handle int64) error {
	return f.fail(opReleaseSessionHandle)
}

func (f *FakeClient) CreateChannel(sessionHandle int64, attr shadow.ChannelAttr) (*shadow.TracerObject, error) {
	if err := f.fail(opCreateChannel); err != nil {
		return nil, err
	}
	atomic.AddInt32(&f.CreatedChannels, 1)
	return &shadow.TracerObject{Handle: f.allocHandle()}, nil
}

func (f *FakeClient) Enable(obj *shadow.TracerObject) error {
	if err := f.fail(opEnable); err != nil {
		return err
	}
	f.mu.Lock()
	f.EnabledObjects[obj.Handle] = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Disable(obj *shadow.TracerObject) error {
	if err := f.fail(opDisable); err != nil {
		return err
	}
	f.mu.Lock()
	f.EnabledObjects[obj.Handle] = false
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) CreateEvent(channelHandle int64, name string, attr shadow.EventAttr) (*shadow.TracerObject, error) {
	if err := f.fail(opCreateEvent); err != nil {
		return nil, err
	}
	atomic.AddInt32(&f.CreatedEvents, 1)
	return &shadow.TracerObject{Handle: f.allocHandle()}, nil
}

func (f *FakeClient) SetFilter(obj *shadow.TracerObject, bytecode []byte) error {
	return f.fail(opSetFilter)
}

func (f *FakeClient) AddContext(channelHandle int64, kind shadow.ContextKind) (*shadow.TracerObject, error) {
	if err := f.fail(opAddContext); err != nil {
		return nil, err
	}
	return &shadow.TracerObject{Handle: f.allocHandle()}, nil
}

func (f *FakeClient) ReleaseObject(obj *shadow.TracerObject) error {
	return f.fail(opReleaseObject)
}

func (f *FakeClient) StartSession(handle int64) error {
	return f.fail(opStartSession)
}

func (f *FakeClient) StopSession(handle int64) error {
	return f.fail(opStopSession)
}

func (f *FakeClient) WaitQuiescent() error {
	if err := f.fail(opWaitQuiescent); err != nil {
		return err
	}
	atomic.AddInt32(&f.QuiescentCalls, 1)
	return nil
}

func (f *FakeClient) FlushBuffer(obj *shadow.TracerObject) error {
	if err := f.fail(opFlushBuffer); err != nil {
		return err
	}
	atomic.AddInt32(&f.FlushCalls, 1)
	return nil
}

func (f *FakeClient) TracerVersion() (uint32, uint32, error) {
	if err := f.fail(opTracerVersion); err != nil {
		return 0, 0, err
	}
	return f.TracerMajor, f.TracerMinor, nil
}

func (f *FakeClient) TracepointListOpen() (int32, error) {
	return 1, f.fail(opTracepointListOpen)
}

func (f *FakeClient) TracepointListGet(listHandle int32, index uint32) (*Tracepoint, error) {
	if err := f.fail(opTracepointListGet); err != nil {
		return nil, err
	}
	if int(index) >= len(f.Tracepoints) {
		return nil, usterrors.ErrNoEntry
	}
	tp := f.Tracepoints[index]
	return &tp, nil
}

func (f *FakeClient) FieldListOpen(eventHandle int64) (int32, error) {
	return 1, f.fail(opFieldListOpen)
}

func (f *FakeClient) FieldListGet(listHandle int32, index uint32) (*Field, error) {
	if err := f.fail(opFieldListGet); err != nil {
		return nil, err
	}
	if int(index) >= len(f.Fields) {
		return nil, usterrors.ErrNoEntry
	}
	field := f.Fields[index]
	return &field, nil
}

func (f *FakeClient) Calibrate(params CalibrateParams) error {
	if err := f.fail(opCalibrate); err != nil {
		return err
	}
	atomic.AddInt32(&f.Calibrations, 1)
	return nil
}

func (f *FakeClient) SendChannel(channelHandle int64, objFd int) error {
	if err := f.fail(opSendChannel); err != nil {
		return err
	}
	f.mu.Lock()
	f.SentChannelFds = append(f.SentChannelFds, objFd)
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) SendStream(channelHandle int64, dataFd, wakeupFd int) error {
	if err := f.fail(opSendStream); err != nil {
		return err
	}
	f.mu.Lock()
	f.SentStreamFds = append(f.SentStreamFds, [2]int{dataFd, wakeupFd})
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

var _ Client = (*FakeClient)(nil)
