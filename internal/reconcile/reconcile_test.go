package reconcile

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ustd/sessiond/internal/consumer"
	"github.com/ustd/sessiond/internal/fdbudget"
	"github.com/ustd/sessiond/internal/registry"
	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
	"github.com/ustd/sessiond/internal/ustproto"
)

type testHarness struct {
	reg       *registry.Registry
	rec       *Reconciler
	fds       *fdbudget.Budget
	consumers *consumer.Selector
	fakes     map[int32]*ustproto.FakeClient
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	fds := fdbudget.New(nil)
	consumers := consumer.NewSelector()
	consumers.SetClient(64, consumer.NewFakeClient())
	reg := registry.New(2, func(int32) bool { return true }, fds)

	h := &testHarness{reg: reg, fds: fds, consumers: consumers, fakes: make(map[int32]*ustproto.FakeClient)}
	h.rec = New(reg, consumers, fds, DefaultConfig())
	h.rec.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	h.rec.NewClient = func(app *shadow.App) ustproto.Client {
		f := ustproto.NewFakeClient()
		h.fakes[app.Pid] = f
		return f
	}
	return h
}

func (h *testHarness) registerApp(t *testing.T, pid int32) *shadow.App {
	t.Helper()
	_, daemonSide := net.Pipe()
	t.Cleanup(func() { daemonSide.Close() })
	app, err := h.reg.Register(registry.RegisterMessage{Name: "app", Pid: pid, Bitness: 64, ProtocolMajor: 2}, daemonSide)
	require.NoError(t, err)
	app.Compatible = true
	return app
}

func newLogicalSession(id uint64) *shadow.LogicalSession {
	session := shadow.NewLogicalSession(id, "sess", 0, 0)
	ch := session.EnsureChannel("chan0", shadow.ChannelAttr{SubBufSize: 4096, SubBufCount: 4})
	ch.Events = append(ch.Events, &shadow.LogicalEvent{
		Name:    "ev",
		Attr:    shadow.EventAttr{Loglevel: 0, LoglevelType: shadow.LoglevelTypeAll},
		Enabled: true,
	})
	return session
}

// Scenario 1 (spec 8): single app, single event.
func TestScenarioSingleAppSingleEvent(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 42)
	logical := newLogicalSession(7)

	session, err := h.rec.CreateAppSession(logical, app)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, session.Handle, int64(0))

	ch := session.Channel("chan0")
	require.NotNil(t, ch)
	require.NoError(t, h.rec.CreateChannel(session, ch, app))
	assert.True(t, ch.IsSent)
	assert.Empty(t, ch.Streams)
	assert.NotNil(t, ch.Object)

	require.NoError(t, h.rec.CreateEvent(ch, logical.Channels["chan0"].Events[0], app))
	events := ch.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Enabled)

	require.NoError(t, h.rec.StartTrace(session, app))
	assert.True(t, session.Started)
	assert.NotNil(t, session.Metadata)
	assert.True(t, session.Metadata.IsSent)
}

// Scenario 2: event identity with filter produces a distinct AppEvent.
func TestScenarioEventIdentityWithFilter(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 42)
	logical := newLogicalSession(7)

	session, err := h.rec.CreateAppSession(logical, app)
	require.NoError(t, err)
	ch := session.Channel("chan0")
	require.NoError(t, h.rec.CreateChannel(session, ch, app))
	require.NoError(t, h.rec.CreateEvent(ch, logical.Channels["chan0"].Events[0], app))

	filtered := &shadow.LogicalEvent{
		Name:    "ev",
		Attr:    shadow.EventAttr{Loglevel: 0, LoglevelType: shadow.LoglevelTypeAll},
		Filter:  []byte{0x01, 0x02},
		Enabled: true,
	}
	require.NoError(t, h.rec.CreateEvent(ch, filtered, app))

	assert.Len(t, ch.Events(), 2)
}

// Scenario 3: loglevel-ALL equivalence collides on identity.
func TestScenarioLoglevelAllEquivalence(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 1)
	logical := newLogicalSession(1)
	session, err := h.rec.CreateAppSession(logical, app)
	require.NoError(t, err)
	ch := session.Channel("chan0")
	require.NoError(t, h.rec.CreateChannel(session, ch, app))

	all := &shadow.LogicalEvent{Name: "x", Attr: shadow.EventAttr{Loglevel: -1, LoglevelType: shadow.LoglevelTypeAll}}
	require.NoError(t, h.rec.CreateEvent(ch, all, app))

	dup := &shadow.LogicalEvent{Name: "x", Attr: shadow.EventAttr{Loglevel: 0, LoglevelType: shadow.LoglevelTypeAll}}
	err = h.rec.CreateEvent(ch, dup, app)
	require.ErrorIs(t, err, usterrors.ErrAlreadyExists)
	// the shadow-copied "ev" from newLogicalSession plus a single "x".
	assert.Len(t, ch.Events(), 2)
}

// Scenario 4: peer death mid-fan-out on one app does not affect the other.
func TestScenarioPeerDeathMidFanout(t *testing.T) {
	h := newHarness(t)
	appA := h.registerApp(t, 1)
	appB := h.registerApp(t, 2)
	logical := newLogicalSession(1)

	sessionA, err := h.rec.CreateAppSession(logical, appA)
	require.NoError(t, err)
	chA := sessionA.Channel("chan0")
	require.NoError(t, h.rec.CreateChannel(sessionA, chA, appA))

	sessionB, err := h.rec.CreateAppSession(logical, appB)
	require.NoError(t, err)
	chB := sessionB.Channel("chan0")
	require.NoError(t, h.rec.CreateChannel(sessionB, chB, appB))

	h.fakes[appA.Pid].Dead = usterrors.ErrBrokenPipe

	ev := logical.Channels["chan0"].Events[0]
	errA := h.rec.CreateEvent(chA, ev, appA)
	require.Error(t, errA)
	assert.True(t, usterrors.IsBenignPeerDeath(errA))

	require.NoError(t, h.rec.CreateEvent(chB, ev, appB))
	assert.Len(t, chB.Events(), 1)
	// appA keeps only the shadow-copied event, never created on its tracer.
	assert.EqualValues(t, shadow.NoHandle, chA.FindEvent(ev.Name, ev.Attr, ev.Filter).Handle)
}

func TestStopTraceRequiresStarted(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 1)
	logical := newLogicalSession(1)
	session, err := h.rec.CreateAppSession(logical, app)
	require.NoError(t, err)

	err = h.rec.StopTrace(session, app)
	require.ErrorIs(t, err, usterrors.ErrNotStarted)
}

func TestStopTraceFlushesChannelsThenMetadata(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 1)
	logical := newLogicalSession(1)
	session, err := h.rec.CreateAppSession(logical, app)
	require.NoError(t, err)
	ch := session.Channel("chan0")
	require.NoError(t, h.rec.CreateChannel(session, ch, app))
	require.NoError(t, h.rec.StartTrace(session, app))

	require.NoError(t, h.rec.StopTrace(session, app))
	assert.EqualValues(t, 2, h.fakes[app.Pid].FlushCalls)
}

func TestDestroyTraceToleratesMissingSession(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 1)
	logical := newLogicalSession(1)
	session, err := h.rec.CreateAppSession(logical, app)
	require.NoError(t, err)

	require.NoError(t, h.rec.DestroyTrace(session, app))
	// idempotent: destroying again must not double-free or error.
	require.NoError(t, h.rec.DestroyTrace(session, app))
}

func TestCreateChannelReleasesFDBudgetOnError(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 1)
	logical := newLogicalSession(1)
	session, err := h.rec.CreateAppSession(logical, app)
	require.NoError(t, err)
	ch := session.Channel("chan0")

	// force get_channel to fail after the FD reservation has been made,
	// exercising the release-on-error path (spec 8: "FD budget exhausted
	// mid-create-channel ... reservation released").
	cc, _ := h.consumers.ClientFor(app.Bitness)
	ccFake := cc.(*consumer.FakeClient)
	ccFake.FailGet = usterrors.ErrNoEntry

	err = h.rec.CreateChannel(session, ch, app)
	require.Error(t, err)
	// only the app socket's own registration reservation remains.
	assert.EqualValues(t, 1, h.fds.InUse(fdbudget.ClassApps))
}

func TestDestroyTraceReleasesFDBudgetForSentChannels(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 1)
	logical := newLogicalSession(1)
	session, err := h.rec.CreateAppSession(logical, app)
	require.NoError(t, err)
	ch := session.Channel("chan0")

	require.NoError(t, h.rec.CreateChannel(session, ch, app))
	require.True(t, ch.IsSent)
	// the app socket's registration reservation (1) plus one fake stream
	// and the channel object itself: 2*1 + 2 (spec 4.3).
	assert.EqualValues(t, 5, h.fds.InUse(fdbudget.ClassApps))

	require.NoError(t, h.rec.DestroyTrace(session, app))
	assert.EqualValues(t, 1, h.fds.InUse(fdbudget.ClassApps))
}

func TestGlobalUpdateProjectsExistingSession(t *testing.T) {
	h := newHarness(t)
	app := h.registerApp(t, 1)
	logical := newLogicalSession(1)

	require.NoError(t, h.rec.GlobalUpdate(logical, app.Sock))

	session := app.Session(logical.ID)
	require.NotNil(t, session)
	ch := session.Channel("chan0")
	require.NotNil(t, ch)
	assert.True(t, ch.IsSent)
	assert.Len(t, ch.Events(), 1)
}
