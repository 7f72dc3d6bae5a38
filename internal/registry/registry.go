// Package registry implements the concurrent app indexes (C4): pid ->
// App with replace-on-insert semantics (the OS recycles pids), socket ->
// App with insert-unique semantics, registration/unregistration, and
// deferred destruction gated on a reader-side grace period (spec 4.4,
// 5).
package registry

import (
	"net"
	"sync"

	"k8s.io/klog/v2"

	"github.com/ustd/sessiond/internal/fdbudget"
	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
)

// RegisterMessage is the registration message an app sends the daemon
// (spec 6).
type RegisterMessage struct {
	Name          string
	Pid           int32
	Ppid          int32
	UID           uint32
	GID           uint32
	Bitness       int32
	ProtocolMajor uint32
	ProtocolMinor uint32
}

// ConsumerAvailable reports whether a consumer socket is configured for
// the given bitness (spec 4.2, 4.4).
type ConsumerAvailable func(bitness int32) bool

// Registry is the two-index app registry of spec 3/4.4.
type Registry struct {
	mu     sync.RWMutex
	byPid  map[int32]*shadow.App
	bySock map[net.Conn]*shadow.App

	fds            *fdbudget.Budget
	consumerOK     ConsumerAvailable
	supportedMajor uint32

	pendingDestroys sync.WaitGroup
}

// New returns an empty Registry. supportedMajor is the tracer protocol
// major version this daemon accepts; consumerOK reports consumer
// availability by app bitness; fds is the FD budget charged one
// reservation per registered app and released on deferred destroy.
func New(supportedMajor uint32, consumerOK ConsumerAvailable, fds *fdbudget.Budget) *Registry {
	return &Registry{
		byPid:          make(map[int32]*shadow.App),
		bySock:         make(map[net.Conn]*shadow.App),
		fds:            fds,
		consumerOK:     consumerOK,
		supportedMajor: supportedMajor,
	}
}

// Register reserves one APPS-class FD for the app's socket, then validates
// its bitness and protocol major version, rejecting the registration
// (closing sock and releasing that reservation) on either failure, per
// spec 4.4. On success it installs a not-yet-compatible App into both
// indexes; ValidateVersion flips Compatible once the tracer's own version
// has been confirmed.
func (r *Registry) Register(msg RegisterMessage, sock net.Conn) (*shadow.App, error) {
	if err := r.fds.Reserve(fdbudget.ClassApps, 1); err != nil {
		sock.Close()
		return nil, err
	}
	if !r.consumerOK(msg.Bitness) {
		sock.Close()
		r.fds.Release(fdbudget.ClassApps, 1)
		return nil, usterrors.ErrInvalidArgument
	}
	if msg.ProtocolMajor != r.supportedMajor {
		sock.Close()
		r.fds.Release(fdbudget.ClassApps, 1)
		return nil, usterrors.ErrInvalidArgument
	}

	app := shadow.NewApp(msg.Pid, msg.Ppid, msg.UID, msg.GID, msg.Name, msg.Bitness, msg.ProtocolMajor, msg.ProtocolMinor, sock)

	r.mu.Lock()
	defer r.mu.Unlock()
	// pid index: replace-on-insert, the OS may recycle pids (spec 4.4).
	r.byPid[msg.Pid] = app
	// socket index: insert-unique, socket identity is stable until close.
	r.bySock[sock] = app
	return app, nil
}

// Unregister removes sock's App from both indexes and schedules deferred
// destruction of its drained sessions (spec 4.4). Removal from the socket
// index must succeed (the caller is expected to hold a socket it
// registered); removal from the pid index is best-effort, since a later
// re-registration with the same pid may already have evicted this app
// from that index (spec 8, scenario 5).
func (r *Registry) Unregister(sock net.Conn) error {
	r.mu.Lock()
	app, ok := r.bySock[sock]
	if !ok {
		r.mu.Unlock()
		return usterrors.ErrNoEntry
	}
	delete(r.bySock, sock)
	if cur, ok := r.byPid[app.Pid]; ok && cur == app {
		delete(r.byPid, app.Pid)
	}
	r.mu.Unlock()

	app.DrainSessionsToTeardown()
	r.scheduleDeferredDestroy(app)
	return nil
}

// scheduleDeferredDestroy runs the teardown sequence of spec 4.4/5 in a
// background goroutine so Unregister does not block its caller on the
// grace period: pin a reader critical section (by waiting out existing
// pins), free every queued session, close the socket, then release the
// APPS FD. WaitIdle lets callers (tests, graceful shutdown) block until
// every scheduled destroy has completed.
func (r *Registry) scheduleDeferredDestroy(app *shadow.App) {
	r.pendingDestroys.Add(1)
	go func() {
		defer r.pendingDestroys.Done()
		// Closing sock before every resolver that observed this App
		// prior to removal has finished using it would let a concurrent
		// reader dereference an App whose socket is already gone
		// (spec 5's "Teardown ordering (critical)").
		app.WaitDrained()
		for _, session := range app.TakeTeardownQueue() {
			r.freeSessionEntities(session)
		}
		if err := app.Sock.Close(); err != nil {
			klog.V(4).Infof("registry: close socket for pid %d: %v", app.Pid, err)
		}
		r.fds.Release(fdbudget.ClassApps, 1)
	}()
}

// freeSessionEntities releases local bookkeeping for a torn-down session.
// There is no tracer call here: by the time a session reaches the
// teardown queue its owning app's socket may already be gone, so this is
// purely local reclamation (spec 4.4: "free every session on the
// teardown queue using the still-valid socket" covers the case where
// destroy_trace itself needs the socket; plain unregister-driven teardown
// does not re-contact the tracer). A session that reached this queue
// without going through destroy_trace first (an abrupt unregister) still
// holds its channels' FD reservations; release those here so they don't
// leak.
func (r *Registry) freeSessionEntities(session *shadow.AppSession) {
	for _, ch := range session.AllChannels() {
		if ch.IsSent {
			r.fds.Release(fdbudget.ClassApps, int64(2*ch.ExpectedStreamCount+2))
		}
	}
}

// WaitIdle blocks until every scheduled deferred destroy has completed.
func (r *Registry) WaitIdle() {
	r.pendingDestroys.Wait()
}

// PinByPid resolves the current App for pid, if any, pinning it against
// concurrent deferred destruction. The caller must call Unpin when done.
func (r *Registry) PinByPid(pid int32) (*shadow.App, bool) {
	r.mu.RLock()
	app, ok := r.byPid[pid]
	if ok {
		app.Pin()
	}
	r.mu.RUnlock()
	return app, ok
}

// PinBySock resolves the App registered for sock, pinning it.
func (r *Registry) PinBySock(sock net.Conn) (*shadow.App, bool) {
	r.mu.RLock()
	app, ok := r.bySock[sock]
	if ok {
		app.Pin()
	}
	r.mu.RUnlock()
	return app, ok
}

// Unpin releases a pin obtained from PinByPid or PinBySock.
func (r *Registry) Unpin(app *shadow.App) {
	app.Unpin()
}

// ValidateVersion queries the app's own tracer version and marks it
// compatible once confirmed, per the C7 validate_version operation
// (spec 4.7). versionFn performs the actual transport call; it is
// injected so the registry package does not need to depend on ustproto.
func (r *Registry) ValidateVersion(sock net.Conn, versionFn func(*shadow.App) (major, minor uint32, err error)) error {
	app, ok := r.PinBySock(sock)
	if !ok {
		return usterrors.ErrNoEntry
	}
	defer r.Unpin(app)

	major, _, err := versionFn(app)
	if err != nil {
		return err
	}
	app.Compatible = major == r.supportedMajor
	if !app.Compatible {
		klog.V(3).Infof("registry: pid %d tracer major %d incompatible with supported %d", app.Pid, major, r.supportedMajor)
	}
	return nil
}

// ForEach invokes fn once per currently registered app (pinned for the
// duration of the call), in map iteration order, which spec 4.6 notes is
// unspecified and not observable. If fn returns usterrors.ErrOutOfMemory
// the fan-out aborts immediately and that error is returned, per spec
// 4.6/7's precedence rule; any other error is left to fn's own
// discretion (ForEach does not interpret it).
func (r *Registry) ForEach(fn func(*shadow.App) error) error {
	r.mu.RLock()
	apps := make([]*shadow.App, 0, len(r.byPid))
	seen := make(map[*shadow.App]bool, len(r.byPid))
	for _, app := range r.byPid {
		if seen[app] {
			continue
		}
		seen[app] = true
		apps = append(apps, app)
	}
	for _, app := range apps {
		app.Pin()
	}
	r.mu.RUnlock()

	defer func() {
		for _, app := range apps {
			app.Unpin()
		}
	}()

	for _, app := range apps {
		if err := fn(app); err != nil {
			if err == usterrors.ErrOutOfMemory {
				return err
			}
		}
	}
	return nil
}

// Len reports the number of distinct apps indexed by pid, for
// introspection/metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*shadow.App]bool, len(r.byPid))
	for _, app := range r.byPid {
		seen[app] = true
	}
	return len(seen)
}
