// Package reconcile implements the per-app procedures (C6) that drive the
// tracer transport (C1) and the consumer client (C2) to bring one app's
// shadow replica in line with a logical session, in the fixed order spec
// 4.6 describes: session, then channels, then events/contexts, then
// start/stop/destroy.
package reconcile

import (
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/ustd/sessiond/internal/consumer"
	"github.com/ustd/sessiond/internal/fdbudget"
	"github.com/ustd/sessiond/internal/metrics"
	"github.com/ustd/sessiond/internal/registry"
	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
	"github.com/ustd/sessiond/internal/ustproto"
)

// Reconciler holds the dependencies every per-app procedure needs: the
// registry to pin apps, the consumer selector to reach the right
// consumer daemon by bitness, the FD budget, and the tracer transport
// client cache.
type Reconciler struct {
	Registry  *registry.Registry
	Consumers *consumer.Selector
	FDs       *fdbudget.Budget
	Config    Config

	// Metrics is optional; when set, per-app skip/abort outcomes are
	// recorded as counters for the status endpoint (spec 7).
	Metrics *metrics.Collector

	// Now is injected so tests control the timestamp embedded in a newly
	// shadow-copied session's OutputPath (spec 9).
	Now func() time.Time

	clientsMu sync.Mutex
	clients   map[*shadow.App]ustproto.Client

	// NewClient builds a transport client for a freshly registered app's
	// socket. Overridable in tests to hand out ustproto.FakeClients keyed
	// by app.
	NewClient func(app *shadow.App) ustproto.Client
}

// New returns a Reconciler backed by the real ustproto transport.
func New(reg *registry.Registry, consumers *consumer.Selector, fds *fdbudget.Budget, cfg Config) *Reconciler {
	return &Reconciler{
		Registry:  reg,
		Consumers: consumers,
		FDs:       fds,
		Config:    cfg,
		Now:       time.Now,
		clients:   make(map[*shadow.App]ustproto.Client),
		NewClient: func(app *shadow.App) ustproto.Client { return ustproto.NewClient(app.Sock) },
	}
}

func (r *Reconciler) clientFor(app *shadow.App) ustproto.Client {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	if c, ok := r.clients[app]; ok {
		return c
	}
	c := r.NewClient(app)
	r.clients[app] = c
	return c
}

// DropClient forgets the cached transport client for app, e.g. once it
// has been torn down.
func (r *Reconciler) DropClient(app *shadow.App) {
	r.clientsMu.Lock()
	delete(r.clients, app)
	r.clientsMu.Unlock()
}

// Transport exposes the cached tracer transport client for app, for
// callers (the public API layer) that need to issue enable/disable calls
// directly against an existing handle outside the per-app procedures
// above.
func (r *Reconciler) Transport(app *shadow.App) ustproto.Client {
	return r.clientFor(app)
}

// outcome classifies a per-app error per spec 7's precedence order.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeSkipBenign
	outcomeSkipError
	outcomeAbort
)

func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeOK
	case err == usterrors.ErrOutOfMemory:
		return outcomeAbort
	case usterrors.IsBenignPeerDeath(err):
		return outcomeSkipBenign
	default:
		return outcomeSkipError
	}
}

// logOutcome implements spec 7's logging policy: benign peer-death is
// debug-logged without being treated as an error; everything else that
// isn't OK is logged with pid and operation. When r.Metrics is set, the
// outcome is also counted for the status endpoint.
func (r *Reconciler) logOutcome(op string, app *shadow.App, err error) outcome {
	oc := classify(err)
	switch oc {
	case outcomeSkipBenign:
		klog.V(4).Infof("reconcile: %s: pid %d: benign peer death: %v", op, app.Pid, err)
		if r.Metrics != nil {
			r.Metrics.ObserveSkip(op, metrics.ReasonBenign)
		}
	case outcomeSkipError:
		klog.Errorf("reconcile: %s: pid %d: %v", op, app.Pid, err)
		if r.Metrics != nil {
			r.Metrics.ObserveSkip(op, metrics.ReasonError)
		}
	case outcomeAbort:
		klog.Errorf("reconcile: %s: pid %d: %v", op, app.Pid, err)
		if r.Metrics != nil {
			r.Metrics.ObserveAbort(op)
		}
	}
	return oc
}

// CreateAppSession implements spec 4.6's create_app_session: look up by
// logical session id, shadow-copy channels if absent, then ensure a
// tracer-side session handle exists. If the tracer call fails, the error
// has already been classified and logged here: out-of-memory is returned
// as is, and any other failure is returned as ErrPeerDisconnected so the
// caller skips this app.
func (r *Reconciler) CreateAppSession(logical *shadow.LogicalSession, app *shadow.App) (*shadow.AppSession, error) {
	if session := app.Session(logical.ID); session != nil {
		return session, nil
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	session := shadow.ShadowCopySession(logical, app.Name, app.Pid, now())

	if session.Handle == shadow.NoHandle {
		obj, err := r.clientFor(app).CreateSession()
		if err != nil {
			oc := r.logOutcome("create_app_session", app, err)
			if oc == outcomeAbort {
				return nil, err
			}
			return nil, usterrors.ErrPeerDisconnected
		}
		session.Handle = obj.Handle
	}

	app.AddSession(session)
	return session, nil
}

// CreateChannel implements spec 4.6's create_channel: ask_channel,
// reserve FDs, get_channel, forward to the app, forward every stream,
// mark sent, and apply the shadow's desired enabled state. On any error
// after the FD reservation the reservation is released and the consumer
// channel best-effort destroyed.
func (r *Reconciler) CreateChannel(session *shadow.AppSession, ch *shadow.AppChannel, app *shadow.App) error {
	if ch.IsSent {
		return nil
	}

	cc, ok := r.Consumers.ClientFor(app.Bitness)
	if !ok {
		return usterrors.ErrConsumerUnavailable
	}

	expected, err := cc.AskChannel(ch.Key, ch.Attr)
	if err != nil {
		return err
	}
	ch.ExpectedStreamCount = uint32(expected)

	// Two FDs per stream plus two for the channel object itself (spec 4.3).
	nbFD := int64(2*expected + 2)
	if err := r.FDs.Reserve(fdbudget.ClassApps, nbFD); err != nil {
		cc.DestroyChannel(ch.Key)
		return err
	}

	obj, streams, err := cc.GetChannel(ch.Key)
	if err != nil {
		r.FDs.Release(fdbudget.ClassApps, nbFD)
		cc.DestroyChannel(ch.Key)
		return err
	}
	ch.Object = obj
	ch.Streams = streams

	transport := r.clientFor(app)
	created, err := transport.CreateChannel(session.Handle, ch.Attr)
	if err != nil {
		r.FDs.Release(fdbudget.ClassApps, nbFD)
		cc.DestroyChannel(ch.Key)
		return err
	}
	ch.Handle = created.Handle

	if err := transport.SendChannel(ch.Handle, int(ch.Object.Handle)); err != nil {
		r.FDs.Release(fdbudget.ClassApps, nbFD)
		cc.DestroyChannel(ch.Key)
		return err
	}

	for len(ch.Streams) > 0 {
		s := ch.Streams[0]
		if err := transport.SendStream(ch.Handle, s.DataFd, s.WakeupFd); err != nil {
			r.FDs.Release(fdbudget.ClassApps, nbFD)
			cc.DestroyChannel(ch.Key)
			return err
		}
		ch.RemoveStreamAt(0)
	}

	ch.IsSent = true

	if !ch.Enabled {
		if err := transport.Disable(&shadow.TracerObject{Handle: ch.Handle}); err != nil {
			return err
		}
	}
	return nil
}

// CreateEvent implements spec 4.6's create_event: composite-key lookup,
// allocate + shadow-copy, create on the transport, apply filter if
// present, and apply the shadow's initial enabled state. An event already
// present in the shadow (e.g. shadow-copied with its channel) but not yet
// created on the tracer is created now; only one that already has a
// tracer handle fails with already-exists.
func (r *Reconciler) CreateEvent(ch *shadow.AppChannel, logical *shadow.LogicalEvent, app *shadow.App) error {
	ev := ch.FindEvent(logical.Name, logical.Attr, logical.Filter)
	if ev != nil && ev.Handle != shadow.NoHandle {
		return usterrors.ErrAlreadyExists
	}
	fresh := ev == nil
	if fresh {
		ev = shadow.NewAppEventFromLogical(logical)
	}
	transport := r.clientFor(app)

	obj, err := transport.CreateEvent(ch.Handle, ev.Name, ev.Attr)
	if err != nil {
		return err
	}
	ev.Handle = obj.Handle
	if fresh {
		ch.AddEvent(ev)
	}

	if len(ev.Filter) > 0 {
		if err := transport.SetFilter(obj, ev.Filter); err != nil {
			return err
		}
	}

	if !ev.Enabled {
		if err := transport.Disable(obj); err != nil {
			if err == usterrors.ErrAlreadyExists {
				return nil
			}
			if err == usterrors.ErrPermissionDenied {
				// disable right after a successful create can only fail
				// this way due to a contract violation elsewhere (spec
				// 7, precedence 2).
				panic(usterrors.ErrAssertion)
			}
			return err
		}
	}
	return nil
}

// AddContext implements spec 4.6's add_context: fail if the context kind
// is already attached, otherwise allocate and install before calling the
// transport.
func (r *Reconciler) AddContext(ch *shadow.AppChannel, kind shadow.ContextKind, app *shadow.App) error {
	if ch.HasContext(kind) {
		return usterrors.ErrAlreadyExists
	}
	ctx := shadow.NewAppContext(kind)
	ch.Contexts[kind] = ctx

	obj, err := r.clientFor(app).AddContext(ch.Handle, kind)
	if err != nil {
		delete(ch.Contexts, kind)
		return err
	}
	ctx.Handle = obj.Handle
	return nil
}

// ensureMetadataChannel materializes the session's metadata channel if
// absent, using the C6 channel-creation flow with metadata attributes
// (spec 4.5, 4.6).
func (r *Reconciler) ensureMetadataChannel(session *shadow.AppSession, app *shadow.App) error {
	if session.Metadata != nil {
		return nil
	}
	attr := shadow.DefaultMetadataAttr(
		r.Config.MetadataSubBufSize,
		r.Config.MetadataSubBufCount,
		r.Config.MetadataSwitchTimer,
		r.Config.MetadataReadTimer,
	)
	ch := shadow.NewAppChannel("metadata", attr)
	ch.Enabled = true
	session.Metadata = ch
	return r.CreateChannel(session, ch, app)
}

// StartTrace implements spec 4.6's start_trace: create the on-disk
// directory if the consumer is local, ensure the metadata channel, start
// the session on the transport, then quiescent-wait. Benign peer-death
// anywhere aborts this app's procedure without being treated as an error.
func (r *Reconciler) StartTrace(session *shadow.AppSession, app *shadow.App) error {
	if path, ok := r.Config.TracePath(session.OutputPath); ok {
		if err := r.Config.MkdirAll(path, session.UID, session.GID); err != nil && err != usterrors.ErrAlreadyExists {
			return err
		}
	}

	if err := r.ensureMetadataChannel(session, app); err != nil {
		return err
	}

	transport := r.clientFor(app)
	if err := transport.StartSession(session.Handle); err != nil {
		return err
	}
	if err := transport.WaitQuiescent(); err != nil {
		return err
	}
	session.Started = true
	return nil
}

// StopTrace implements spec 4.6's stop_trace: stop, quiescent-wait, then
// flush every data channel and finally the metadata channel. Benign
// peer-death short-circuits to success, matching a session the app has
// already torn down on its own.
func (r *Reconciler) StopTrace(session *shadow.AppSession, app *shadow.App) error {
	if !session.Started {
		return usterrors.ErrNotStarted
	}

	transport := r.clientFor(app)
	if err := transport.StopSession(session.Handle); err != nil {
		if usterrors.IsBenignPeerDeath(err) {
			return nil
		}
		return err
	}
	if err := transport.WaitQuiescent(); err != nil {
		if usterrors.IsBenignPeerDeath(err) {
			return nil
		}
		return err
	}

	for _, ch := range session.Channels() {
		if ch.Object == nil {
			continue
		}
		if err := transport.FlushBuffer(ch.Object); err != nil && !usterrors.IsBenignPeerDeath(err) {
			return err
		}
	}
	if session.Metadata != nil && session.Metadata.Object != nil {
		if err := transport.FlushBuffer(session.Metadata.Object); err != nil && !usterrors.IsBenignPeerDeath(err) {
			return err
		}
	}
	return nil
}

// DestroyTrace implements spec 4.6's destroy_trace: remove the session
// from the app's index (tolerating absence), release every owned
// channel's consumer-side allocation best-effort and its FD budget
// reservation, release the session handle, and quiescent-wait.
func (r *Reconciler) DestroyTrace(session *shadow.AppSession, app *shadow.App) error {
	existing := app.RemoveSession(session.LogicalID)
	if existing == nil {
		return nil
	}

	transport := r.clientFor(app)
	for _, ch := range existing.AllChannels() {
		if ch.Object != nil {
			if cc, ok := r.Consumers.ClientFor(app.Bitness); ok {
				cc.DestroyChannel(ch.Key)
			}
		}
		if ch.IsSent {
			r.FDs.Release(fdbudget.ClassApps, int64(2*ch.ExpectedStreamCount+2))
		}
	}

	if existing.Handle != shadow.NoHandle {
		if err := transport.ReleaseSessionHandle(existing.Handle); err != nil && !usterrors.IsBenignPeerDeath(err) {
			return err
		}
	}
	if err := transport.WaitQuiescent(); err != nil && !usterrors.IsBenignPeerDeath(err) {
		return err
	}
	return nil
}

// GlobalUpdate implements spec 4.6's global_update: resolve the app by
// socket, create its session, project every channel/context/event from
// the logical session, and start tracing if the logical session is
// already running. Called when a new app registers after the session
// already exists.
func (r *Reconciler) GlobalUpdate(logical *shadow.LogicalSession, sock net.Conn) error {
	app, ok := r.Registry.PinBySock(sock)
	if !ok {
		return usterrors.ErrNoEntry
	}
	defer r.Registry.Unpin(app)

	if !app.Compatible {
		return nil
	}

	session, err := r.CreateAppSession(logical, app)
	if err != nil {
		return err
	}

	for _, ch := range session.Channels() {
		if err := r.CreateChannel(session, ch, app); err != nil {
			if classify(err) == outcomeAbort {
				return err
			}
			r.logOutcome("global_update:create_channel", app, err)
			continue
		}
		lch := logical.Channels[ch.Name]
		if lch == nil {
			continue
		}
		for _, kind := range lch.Contexts {
			if err := r.AddContext(ch, kind, app); err != nil && err != usterrors.ErrAlreadyExists {
				if classify(err) == outcomeAbort {
					return err
				}
				r.logOutcome("global_update:add_context", app, err)
			}
		}
		for _, lev := range lch.Events {
			if err := r.CreateEvent(ch, lev, app); err != nil && err != usterrors.ErrAlreadyExists {
				if classify(err) == outcomeAbort {
					return err
				}
				r.logOutcome("global_update:create_event", app, err)
			}
		}
	}

	if logical.Started {
		if err := r.StartTrace(session, app); err != nil {
			if classify(err) == outcomeAbort {
				return err
			}
			r.logOutcome("global_update:start_trace", app, err)
		}
	}
	return nil
}
