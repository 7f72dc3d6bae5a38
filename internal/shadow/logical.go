package shadow

// LogicalEvent is an event rule as configured by the command layer,
// independent of any application.
type LogicalEvent struct {
	Name   string
	Attr   EventAttr
	Filter []byte // nil when no filter is attached
	// Enabled reflects the desired state of this rule in the logical
	// session; new AppEvents are shadow-copied with this as their initial
	// Enabled value.
	Enabled bool
}

// LogicalChannel is a channel as configured by the command layer.
type LogicalChannel struct {
	Name     string
	Attr     ChannelAttr
	Enabled  bool
	Events   []*LogicalEvent
	Contexts []ContextKind
}

// LogicalSession is the command-layer view of one tracing session: the
// thing that gets projected onto every compatible registered application.
type LogicalSession struct {
	ID       uint64
	UID      uint32
	GID      uint32
	Name     string
	Channels map[string]*LogicalChannel
	Started  bool
}

// NewLogicalSession creates an empty logical session ready to accept
// channels.
func NewLogicalSession(id uint64, name string, uid, gid uint32) *LogicalSession {
	return &LogicalSession{
		ID:       id,
		UID:      uid,
		GID:      gid,
		Name:     name,
		Channels: make(map[string]*LogicalChannel),
	}
}

// EnsureChannel returns the named channel, creating it with the given
// attributes if it does not exist yet. create_channel_global is idempotent
// (spec 4.7); this is the logical-side half of that idempotence.
func (s *LogicalSession) EnsureChannel(name string, attr ChannelAttr) *LogicalChannel {
	if ch, ok := s.Channels[name]; ok {
		return ch
	}
	ch := &LogicalChannel{Name: name, Attr: attr, Enabled: true}
	s.Channels[name] = ch
	return ch
}

// FindEvent returns the logical event matching the composite identity
// rule of spec 3, or nil.
func (c *LogicalChannel) FindEvent(name string, attr EventAttr, filter []byte) *LogicalEvent {
	for _, ev := range c.Events {
		if eventIdentityEqual(ev.Name, ev.Attr, ev.Filter, name, attr, filter) {
			return ev
		}
	}
	return nil
}

// HasContext reports whether the given context kind is already attached.
func (c *LogicalChannel) HasContext(kind ContextKind) bool {
	for _, k := range c.Contexts {
		if k == kind {
			return true
		}
	}
	return false
}
