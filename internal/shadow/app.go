package shadow

import (
	"net"
	"sync"
)

// MaxAppNameBytes is the wire limit on an application's name (spec 3, 6).
const MaxAppNameBytes = 16

// App is one registered application (spec 3). The registry holds
// non-owning references to Apps by pid and by socket; an App exclusively
// owns its AppSessions.
type App struct {
	Pid  int32
	Ppid int32
	UID  uint32
	GID  uint32
	Name string

	Bitness       int32
	ProtocolMajor uint32
	ProtocolMinor uint32
	Sock          net.Conn
	Compatible    bool

	// mu guards sessionsByLogicalID and teardownQueue. The design assumes
	// one command thread drives fan-out per app while registration and
	// teardown happen on a separate thread (spec 5); mu resolves the
	// residual overlap rather than relying purely on that assumption.
	mu                  sync.Mutex
	sessionsByLogicalID map[uint64]*AppSession
	teardownQueue       []*AppSession

	// refs implements the registry's reader-side grace period (spec 4.4,
	// 5): Pin is called while an App pointer resolved from the registry
	// indexes is in use, Unpin when done. Deferred destruction waits for
	// the count to drain to zero before closing Sock, so no concurrent
	// reader can resolve a socket that has already been closed.
	refs sync.WaitGroup
}

// Pin marks the App as in use by a reader. Must be paired with Unpin.
func (a *App) Pin() { a.refs.Add(1) }

// Unpin releases a previous Pin.
func (a *App) Unpin() { a.refs.Done() }

// WaitDrained blocks until every outstanding Pin has been Unpinned.
func (a *App) WaitDrained() { a.refs.Wait() }

// NewApp allocates an App freshly registered but not yet marked
// compatible; the registry's ValidateVersion flips Compatible once the
// tracer's reported major version matches the supported one.
func NewApp(pid, ppid int32, uid, gid uint32, name string, bitness int32, protoMajor, protoMinor uint32, sock net.Conn) *App {
	if len(name) > MaxAppNameBytes-1 {
		name = name[:MaxAppNameBytes-1]
	}
	return &App{
		Pid:                 pid,
		Ppid:                ppid,
		UID:                 uid,
		GID:                 gid,
		Name:                name,
		Bitness:             bitness,
		ProtocolMajor:       protoMajor,
		ProtocolMinor:       protoMinor,
		Sock:                sock,
		sessionsByLogicalID: make(map[uint64]*AppSession),
	}
}

// Session returns the app's replica of the given logical session, or nil.
func (a *App) Session(logicalID uint64) *AppSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionsByLogicalID[logicalID]
}

// AddSession installs a session replica into the app's session index.
func (a *App) AddSession(s *AppSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionsByLogicalID[s.LogicalID] = s
}

// RemoveSession removes the session replica, returning it (or nil if
// already absent, which destroy_trace tolerates per spec 4.6/4.7).
func (a *App) RemoveSession(logicalID uint64) *AppSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessionsByLogicalID[logicalID]
	if !ok {
		return nil
	}
	delete(a.sessionsByLogicalID, logicalID)
	return s
}

// Sessions returns a snapshot slice of every session currently indexed.
func (a *App) Sessions() []*AppSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*AppSession, 0, len(a.sessionsByLogicalID))
	for _, s := range a.sessionsByLogicalID {
		out = append(out, s)
	}
	return out
}

// DrainSessionsToTeardown empties the session index into the teardown
// queue, as the registry's unregister path requires (spec 4.4).
func (a *App) DrainSessionsToTeardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sessionsByLogicalID {
		a.teardownQueue = append(a.teardownQueue, s)
	}
	a.sessionsByLogicalID = make(map[uint64]*AppSession)
}

// TakeTeardownQueue removes and returns every session queued for
// deferred destruction.
func (a *App) TakeTeardownQueue() []*AppSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.teardownQueue
	a.teardownQueue = nil
	return q
}
