// Package sessiond implements the public API (C7): the operations the
// command layer invokes to create and drive tracing sessions across every
// registered application. It owns the logical session store and fans
// every mutation out through the reconciler (C6) over the app registry
// (C4).
package sessiond

import (
	"net"
	"sync"

	"k8s.io/klog/v2"

	"github.com/ustd/sessiond/internal/metrics"
	"github.com/ustd/sessiond/internal/reconcile"
	"github.com/ustd/sessiond/internal/registry"
	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
	"github.com/ustd/sessiond/internal/ustproto"
)

// Daemon is the public-API surface of the tracing controller.
type Daemon struct {
	Registry   *registry.Registry
	Reconciler *reconcile.Reconciler

	// Metrics is optional; when set, the skip/abort outcomes of every
	// fan-out this package drives (the global operations, list, calibrate
	// and destroy_trace_all) are counted alongside the reconciler's own
	// (spec 7).
	Metrics *metrics.Collector

	mu       sync.Mutex
	sessions map[uint64]*shadow.LogicalSession

	versionFn func(app *shadow.App) (uint32, uint32, error)
}

// skip records a per-app skip for op/pid: benign peer death at klog V(4),
// any other error with klog.Errorf. It is counted against Metrics if
// configured.
func (d *Daemon) skip(op string, pid int32, err error) {
	reason := metrics.ReasonError
	if usterrors.IsBenignPeerDeath(err) {
		reason = metrics.ReasonBenign
		klog.V(4).Infof("sessiond: pid %d: %s: %v", pid, op, err)
	} else {
		klog.Errorf("sessiond: pid %d: %s: %v", pid, op, err)
	}
	if d.Metrics != nil {
		d.Metrics.ObserveSkip(op, reason)
	}
}

// abort records a fan-out aborted by an out-of-memory response.
func (d *Daemon) abort(op string) {
	if d.Metrics != nil {
		d.Metrics.ObserveAbort(op)
	}
}

// New returns a Daemon with an empty logical session store. versionFn
// performs the transport's tracer_version call for ValidateVersion; it is
// a parameter so callers can supply the real
// ustproto-backed implementation without this package importing ustproto
// directly.
func New(reg *registry.Registry, rec *reconcile.Reconciler, versionFn func(*shadow.App) (uint32, uint32, error)) *Daemon {
	return &Daemon{
		Registry:   reg,
		Reconciler: rec,
		sessions:   make(map[uint64]*shadow.LogicalSession),
		versionFn:  versionFn,
	}
}

// Register installs a freshly connected app into the registry (spec 4.4,
// 4.7).
func (d *Daemon) Register(msg registry.RegisterMessage, sock net.Conn) (*shadow.App, error) {
	return d.Registry.Register(msg, sock)
}

// Unregister tears down the app behind sock (spec 4.4, 4.7).
func (d *Daemon) Unregister(sock net.Conn) error {
	return d.Registry.Unregister(sock)
}

// ValidateVersion confirms the app's tracer protocol version and flips
// its compatibility flag (spec 4.4, 4.7).
func (d *Daemon) ValidateVersion(sock net.Conn) error {
	return d.Registry.ValidateVersion(sock, d.versionFn)
}

// TracepointEntry is one row of list_tracepoints' result (spec 4.7):
// every entry carries the app pid it came from and the sentinel
// Enabled=-1 ("list entries do not report a real enabled state").
type TracepointEntry struct {
	Pid        int32
	Tracepoint ustproto.Tracepoint
}

// ListTracepoints implements spec 4.7's list_tracepoints: iterate every
// compatible app, abandoning one on transport failure and continuing the
// others. The spec's "growable buffer doubling on overflow" is Go's
// append, which already grows amortized-geometrically; no manual sizing
// is needed.
func (d *Daemon) ListTracepoints() ([]TracepointEntry, error) {
	var out []TracepointEntry
	err := d.Registry.ForEach(func(app *shadow.App) error {
		if !app.Compatible {
			return nil
		}
		transport := d.Reconciler.Transport(app)
		listHandle, err := transport.TracepointListOpen()
		if err != nil {
			if err == usterrors.ErrOutOfMemory {
				d.abort("list_tracepoints")
				return err
			}
			d.skip("tracepoint_list_open", app.Pid, err)
			return nil
		}
		for index := uint32(0); ; index++ {
			tp, err := transport.TracepointListGet(listHandle, index)
			if err != nil {
				if err == usterrors.ErrNoEntry {
					break
				}
				if err == usterrors.ErrOutOfMemory {
					d.abort("list_tracepoints")
					return err
				}
				d.skip("tracepoint_list_get", app.Pid, err)
				break
			}
			tp.Pid = app.Pid
			tp.Enabled = -1
			out = append(out, TracepointEntry{Pid: app.Pid, Tracepoint: *tp})
		}
		return nil
	})
	return out, err
}

// FieldEntry is one row of list_tracepoint_fields' result.
type FieldEntry struct {
	Pid   int32
	Field ustproto.Field
}

// ListTracepointFields implements spec 4.7's list_tracepoint_fields.
func (d *Daemon) ListTracepointFields() ([]FieldEntry, error) {
	var out []FieldEntry
	err := d.Registry.ForEach(func(app *shadow.App) error {
		if !app.Compatible {
			return nil
		}
		transport := d.Reconciler.Transport(app)
		listHandle, err := transport.FieldListOpen(0)
		if err != nil {
			if err == usterrors.ErrOutOfMemory {
				d.abort("list_tracepoint_fields")
				return err
			}
			d.skip("field_list_open", app.Pid, err)
			return nil
		}
		for index := uint32(0); ; index++ {
			f, err := transport.FieldListGet(listHandle, index)
			if err != nil {
				if err == usterrors.ErrNoEntry {
					break
				}
				if err == usterrors.ErrOutOfMemory {
					d.abort("list_tracepoint_fields")
					return err
				}
				d.skip("field_list_get", app.Pid, err)
				break
			}
			f.Pid = app.Pid
			out = append(out, FieldEntry{Pid: app.Pid, Field: *f})
		}
		return nil
	})
	return out, err
}

// CreateSession registers a new logical session under id, failing with
// already-exists if one is already tracked.
func (d *Daemon) CreateSession(id uint64, name string, uid, gid uint32) (*shadow.LogicalSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[id]; ok {
		return nil, usterrors.ErrAlreadyExists
	}
	session := shadow.NewLogicalSession(id, name, uid, gid)
	d.sessions[id] = session
	return session, nil
}

func (d *Daemon) session(id uint64) (*shadow.LogicalSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return nil, usterrors.ErrNoEntry
	}
	return s, nil
}

// forEachCompatible runs fn over every registered, compatible app,
// creating that app's AppSession first. fn's error is classified per
// spec 7; ErrOutOfMemory aborts the whole fan-out, everything else is
// logged and skipped (spec 4.6/4.7's global-operation contract: "iterate
// to completion regardless of per-app errors").
func (d *Daemon) forEachCompatible(op string, session *shadow.LogicalSession, fn func(app *shadow.App, appSession *shadow.AppSession) error) error {
	return d.Registry.ForEach(func(app *shadow.App) error {
		if !app.Compatible {
			return nil
		}
		appSession, err := d.Reconciler.CreateAppSession(session, app)
		if err != nil {
			if err == usterrors.ErrOutOfMemory {
				d.abort(op)
				return err
			}
			d.skip(op+":create_app_session", app.Pid, err)
			return nil
		}
		if err := fn(app, appSession); err != nil {
			if err == usterrors.ErrOutOfMemory {
				d.abort(op)
				return err
			}
			d.skip(op, app.Pid, err)
		}
		return nil
	})
}

// ensureAppChannel returns the app's replica of the named logical
// channel, shadow-copying and running the C6 channel-creation flow if it
// does not exist yet (create_channel_global's idempotence: a second call
// finds the channel already present and is a no-op success).
func (d *Daemon) ensureAppChannel(appSession *shadow.AppSession, lch *shadow.LogicalChannel, app *shadow.App) (*shadow.AppChannel, error) {
	if ch := appSession.Channel(lch.Name); ch != nil {
		return ch, nil
	}
	ch := shadow.ShadowCopyChannel(lch)
	appSession.AddChannel(ch)
	if err := d.Reconciler.CreateChannel(appSession, ch, app); err != nil {
		return ch, err
	}
	return ch, nil
}

// CreateChannelGlobal implements spec 4.7's create_channel_global.
func (d *Daemon) CreateChannelGlobal(sessionID uint64, name string, attr shadow.ChannelAttr) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	lch := session.EnsureChannel(name, attr)

	return d.forEachCompatible("create_channel_global", session, func(app *shadow.App, appSession *shadow.AppSession) error {
		_, err := d.ensureAppChannel(appSession, lch, app)
		return err
	})
}

// EnableChannelGlobal implements spec 4.7's enable_channel_global.
// Enabling an already-enabled channel is success (spec 4.7 idempotence).
func (d *Daemon) EnableChannelGlobal(sessionID uint64, name string) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	if lch, ok := session.Channels[name]; ok {
		lch.Enabled = true
	}

	return d.forEachCompatible("enable_channel_global", session, func(app *shadow.App, appSession *shadow.AppSession) error {
		ch := appSession.Channel(name)
		if ch == nil {
			return usterrors.ErrNoEntry
		}
		if ch.Enabled {
			return nil
		}
		if ch.Handle == shadow.NoHandle {
			ch.Enabled = true
			return nil
		}
		if err := d.Reconciler.Transport(app).Enable(&shadow.TracerObject{Handle: ch.Handle}); err != nil {
			return err
		}
		ch.Enabled = true
		return nil
	})
}

// DisableChannelGlobal implements spec 4.7's disable_channel_global.
func (d *Daemon) DisableChannelGlobal(sessionID uint64, name string) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	if lch, ok := session.Channels[name]; ok {
		lch.Enabled = false
	}

	return d.forEachCompatible("disable_channel_global", session, func(app *shadow.App, appSession *shadow.AppSession) error {
		ch := appSession.Channel(name)
		if ch == nil {
			return usterrors.ErrNoEntry
		}
		if !ch.Enabled {
			return nil
		}
		if ch.Handle != shadow.NoHandle {
			if err := d.Reconciler.Transport(app).Disable(&shadow.TracerObject{Handle: ch.Handle}); err != nil {
				return err
			}
		}
		ch.Enabled = false
		return nil
	})
}

// CreateEventGlobal implements spec 4.7's create_event_global.
func (d *Daemon) CreateEventGlobal(sessionID uint64, channelName string, ev *shadow.LogicalEvent) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	lch, ok := session.Channels[channelName]
	if !ok {
		return usterrors.ErrNoEntry
	}
	if lch.FindEvent(ev.Name, ev.Attr, ev.Filter) == nil {
		lch.Events = append(lch.Events, ev)
	}

	return d.forEachCompatible("create_event_global", session, func(app *shadow.App, appSession *shadow.AppSession) error {
		ch, err := d.ensureAppChannel(appSession, lch, app)
		if err != nil {
			return err
		}
		err = d.Reconciler.CreateEvent(ch, ev, app)
		if err == usterrors.ErrAlreadyExists {
			return nil
		}
		return err
	})
}

// eventAction applies fn to every AppEvent matching (channelName, name)
// across compatible apps. Used by enable/disable_event_global.
func (d *Daemon) eventAction(op string, sessionID uint64, channelName, name string, fn func(app *shadow.App, ev *shadow.AppEvent) error) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	return d.forEachCompatible(op, session, func(app *shadow.App, appSession *shadow.AppSession) error {
		ch := appSession.Channel(channelName)
		if ch == nil {
			return usterrors.ErrNoEntry
		}
		for _, ev := range ch.Events() {
			if ev.Name != name {
				continue
			}
			if err := fn(app, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnableEventGlobal implements spec 4.7's enable_event_global.
func (d *Daemon) EnableEventGlobal(sessionID uint64, channelName, name string) error {
	return d.eventAction("enable_event_global", sessionID, channelName, name, func(app *shadow.App, ev *shadow.AppEvent) error {
		if ev.Enabled {
			return nil
		}
		if err := d.Reconciler.Transport(app).Enable(&shadow.TracerObject{Handle: ev.Handle}); err != nil {
			return err
		}
		ev.Enabled = true
		return nil
	})
}

// DisableEventGlobal implements spec 4.7's disable_event_global.
func (d *Daemon) DisableEventGlobal(sessionID uint64, channelName, name string) error {
	return d.eventAction("disable_event_global", sessionID, channelName, name, func(app *shadow.App, ev *shadow.AppEvent) error {
		if !ev.Enabled {
			return nil
		}
		if err := d.Reconciler.Transport(app).Disable(&shadow.TracerObject{Handle: ev.Handle}); err != nil {
			return err
		}
		ev.Enabled = false
		return nil
	})
}

// DisableAllEventsGlobal implements spec 4.7's disable_all_events_global.
func (d *Daemon) DisableAllEventsGlobal(sessionID uint64, channelName string) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	return d.forEachCompatible("disable_all_events_global", session, func(app *shadow.App, appSession *shadow.AppSession) error {
		ch := appSession.Channel(channelName)
		if ch == nil {
			return usterrors.ErrNoEntry
		}
		for _, ev := range ch.Events() {
			if !ev.Enabled {
				continue
			}
			if err := d.Reconciler.Transport(app).Disable(&shadow.TracerObject{Handle: ev.Handle}); err != nil {
				return err
			}
			ev.Enabled = false
		}
		return nil
	})
}

// AddCtxChannelGlobal implements spec 4.7's add_ctx_channel_global.
func (d *Daemon) AddCtxChannelGlobal(sessionID uint64, channelName string, kind shadow.ContextKind) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	lch, ok := session.Channels[channelName]
	if !ok {
		return usterrors.ErrNoEntry
	}
	if !lch.HasContext(kind) {
		lch.Contexts = append(lch.Contexts, kind)
	}

	return d.forEachCompatible("add_ctx_channel_global", session, func(app *shadow.App, appSession *shadow.AppSession) error {
		ch, err := d.ensureAppChannel(appSession, lch, app)
		if err != nil {
			return err
		}
		err = d.Reconciler.AddContext(ch, kind, app)
		if err == usterrors.ErrAlreadyExists {
			return nil
		}
		return err
	})
}

// EnableEventPid implements spec 4.7's enable_event_pid: the single-app
// variant of enable_event_global.
func (d *Daemon) EnableEventPid(sessionID uint64, channelName, name string, pid int32) error {
	return d.singleAppEventAction(sessionID, channelName, name, pid, func(app *shadow.App, ev *shadow.AppEvent) error {
		if ev.Enabled {
			return nil
		}
		if err := d.Reconciler.Transport(app).Enable(&shadow.TracerObject{Handle: ev.Handle}); err != nil {
			return err
		}
		ev.Enabled = true
		return nil
	})
}

// DisableEventPid implements spec 4.7's disable_event_pid.
func (d *Daemon) DisableEventPid(sessionID uint64, channelName, name string, pid int32) error {
	return d.singleAppEventAction(sessionID, channelName, name, pid, func(app *shadow.App, ev *shadow.AppEvent) error {
		if !ev.Enabled {
			return nil
		}
		if err := d.Reconciler.Transport(app).Disable(&shadow.TracerObject{Handle: ev.Handle}); err != nil {
			return err
		}
		ev.Enabled = false
		return nil
	})
}

func (d *Daemon) singleAppEventAction(sessionID uint64, channelName, name string, pid int32, fn func(app *shadow.App, ev *shadow.AppEvent) error) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	app, ok := d.Registry.PinByPid(pid)
	if !ok {
		return usterrors.ErrNoEntry
	}
	defer d.Registry.Unpin(app)
	if !app.Compatible {
		return usterrors.ErrNoEntry
	}

	appSession := app.Session(session.ID)
	if appSession == nil {
		return usterrors.ErrNoEntry
	}
	ch := appSession.Channel(channelName)
	if ch == nil {
		return usterrors.ErrNoEntry
	}
	for _, ev := range ch.Events() {
		if ev.Name != name {
			continue
		}
		return fn(app, ev)
	}
	return usterrors.ErrNoEntry
}

// StartTraceAll implements spec 4.7's start_trace_all: iterate every app,
// never short-circuiting on a per-app error.
func (d *Daemon) StartTraceAll(sessionID uint64) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	err = d.forEachCompatible("start_trace_all", session, func(app *shadow.App, appSession *shadow.AppSession) error {
		return d.Reconciler.StartTrace(appSession, app)
	})
	if err == nil {
		d.mu.Lock()
		session.Started = true
		d.mu.Unlock()
	}
	return err
}

// StopTraceAll implements spec 4.7's stop_trace_all.
func (d *Daemon) StopTraceAll(sessionID uint64) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	err = d.forEachCompatible("stop_trace_all", session, func(app *shadow.App, appSession *shadow.AppSession) error {
		err := d.Reconciler.StopTrace(appSession, app)
		if err == usterrors.ErrNotStarted {
			return nil
		}
		return err
	})
	if err == nil {
		d.mu.Lock()
		session.Started = false
		d.mu.Unlock()
	}
	return err
}

// DestroyTraceAll implements spec 4.7's destroy_trace_all: idempotent,
// tolerating a session already destroyed (e.g. concurrently with an
// app's own unregister teardown, spec 8 scenario 6).
func (d *Daemon) DestroyTraceAll(sessionID uint64) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	return d.Registry.ForEach(func(app *shadow.App) error {
		if !app.Compatible {
			return nil
		}
		appSession := app.Session(session.ID)
		if appSession == nil {
			return nil
		}
		if err := d.Reconciler.DestroyTrace(appSession, app); err != nil {
			if err == usterrors.ErrOutOfMemory {
				d.abort("destroy_trace_all")
				return err
			}
			d.skip("destroy_trace", app.Pid, err)
		}
		return nil
	})
}

// GlobalUpdate implements spec 4.7's global_update.
func (d *Daemon) GlobalUpdate(sessionID uint64, sock net.Conn) error {
	session, err := d.session(sessionID)
	if err != nil {
		return err
	}
	return d.Reconciler.GlobalUpdate(session, sock)
}

// Calibrate implements spec 4.7's calibrate: a fan-out with no session
// context, since calibration is a tracer self-test independent of any
// configured session.
func (d *Daemon) Calibrate(kind string) error {
	var lastErr error
	err := d.Registry.ForEach(func(app *shadow.App) error {
		if !app.Compatible {
			return nil
		}
		if err := d.Reconciler.Transport(app).Calibrate(ustproto.CalibrateParams{Kind: kind}); err != nil {
			if err == usterrors.ErrOutOfMemory {
				d.abort("calibrate")
				return err
			}
			d.skip("calibrate", app.Pid, err)
			lastErr = err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return lastErr
}
