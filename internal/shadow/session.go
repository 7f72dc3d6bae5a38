package shadow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppSession is the app-local replica of one logical session (spec 3). It
// exclusively owns its AppChannels and, separately, its metadata channel.
type AppSession struct {
	LogicalID  uint64
	UID        uint32
	GID        uint32
	UUID       string
	OutputPath string
	Handle     int64
	Started    bool

	// Metadata is the distinguished metadata channel, owned directly by
	// the session rather than indexed by name alongside data channels
	// (spec 9: "owned by the AppSession ... to reflect its singleton
	// role").
	Metadata *AppChannel

	channelsByName map[string]*AppChannel
}

// pathTimeFormat matches the spec 6 layout "<app-name>-<pid>-YYYYmmdd-HHMMSS/".
const pathTimeFormat = "20060102-150405"

// NewAppSession allocates a fresh, not-yet-created app session replica for
// the given app identity. now is injected so callers (and tests) control
// the timestamp embedded in OutputPath, per spec 9's reproducibility note.
func NewAppSession(logical *LogicalSession, appName string, pid int32, now time.Time) *AppSession {
	return &AppSession{
		LogicalID:      logical.ID,
		UID:            logical.UID,
		GID:            logical.GID,
		UUID:           uuid.NewString(),
		OutputPath:     fmt.Sprintf("%s-%d-%s/", appName, pid, now.Format(pathTimeFormat)),
		Handle:         NoHandle,
		channelsByName: make(map[string]*AppChannel),
	}
}

// Channel returns the named data channel, or nil.
func (s *AppSession) Channel(name string) *AppChannel {
	return s.channelsByName[name]
}

// AddChannel installs a data channel into the name index.
func (s *AppSession) AddChannel(ch *AppChannel) {
	s.channelsByName[ch.Name] = ch
}

// Channels returns every data channel (excluding the metadata channel).
func (s *AppSession) Channels() []*AppChannel {
	out := make([]*AppChannel, 0, len(s.channelsByName))
	for _, ch := range s.channelsByName {
		out = append(out, ch)
	}
	return out
}

// AllChannels returns every channel owned by the session, including the
// metadata channel if present. Used by teardown paths that must release
// every owned entity (spec 4.6 destroy_trace).
func (s *AppSession) AllChannels() []*AppChannel {
	out := s.Channels()
	if s.Metadata != nil {
		out = append(out, s.Metadata)
	}
	return out
}

// ShadowCopySession builds an AppSession from a logical session, copying
// every data channel via ShadowCopyChannel (spec 4.5). The metadata
// channel is not created here; it is materialized lazily by the
// reconciler's start_trace procedure.
func ShadowCopySession(logical *LogicalSession, appName string, pid int32, now time.Time) *AppSession {
	session := NewAppSession(logical, appName, pid, now)
	for name, lch := range logical.Channels {
		session.AddChannel(ShadowCopyChannel(lch))
		_ = name
	}
	return session
}
