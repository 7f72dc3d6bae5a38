package consumer

import (
	"sync"

	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
)

// FakeClient is an in-memory Client standing in for a consumer daemon in
// tests, in the same shipped-mock style as ustproto.FakeClient.
type FakeClient struct {
	mu sync.Mutex

	Dead error
	// FailAsk/FailGet/FailDestroy let a test inject a failure for one
	// specific call without affecting the others.
	FailAsk, FailGet, FailDestroy error

	StreamCount  int32
	nextHandle   int64
	Asked        map[uint64]shadow.ChannelAttr
	Destroyed    []uint64
	GetCallCount int
}

// NewFakeClient returns a FakeClient that allocates one stream per
// channel by default.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		StreamCount: 1,
		Asked:       make(map[uint64]shadow.ChannelAttr),
	}
}

func (f *FakeClient) AskChannel(channelKey uint64, attr shadow.ChannelAttr) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Dead != nil {
		return 0, f.Dead
	}
	if f.FailAsk != nil {
		return 0, f.FailAsk
	}
	f.Asked[channelKey] = attr
	return f.StreamCount, nil
}

func (f *FakeClient) GetChannel(channelKey uint64) (*shadow.TracerObject, []*shadow.AppStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Dead != nil {
		return nil, nil, f.Dead
	}
	if f.FailGet != nil {
		return nil, nil, f.FailGet
	}
	if _, asked := f.Asked[channelKey]; !asked {
		return nil, nil, usterrors.ErrNoEntry
	}
	f.GetCallCount++
	f.nextHandle++
	obj := &shadow.TracerObject{Handle: f.nextHandle}
	streams := make([]*shadow.AppStream, 0, f.StreamCount)
	for i := int32(0); i < f.StreamCount; i++ {
		f.nextHandle++
		data := int(f.nextHandle)
		f.nextHandle++
		wakeup := int(f.nextHandle)
		streams = append(streams, &shadow.AppStream{DataFd: data, WakeupFd: wakeup})
	}
	return obj, streams, nil
}

func (f *FakeClient) DestroyChannel(channelKey uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDestroy != nil {
		return f.FailDestroy
	}
	f.Destroyed = append(f.Destroyed, channelKey)
	return nil
}

func (f *FakeClient) Close() error { return nil }

var _ Client = (*FakeClient)(nil)
