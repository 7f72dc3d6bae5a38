package shadow

// AppChannel is the per-app replica of a channel. It exclusively owns its
// AppStreams, AppEvents and AppContexts (spec 3).
type AppChannel struct {
	Name    string
	Key     uint64
	Handle  int64
	Object  *TracerObject
	Enabled bool
	// IsSent is true once the channel object has reached the application.
	// Invariant (spec 8): IsSent implies Streams is empty and Object is
	// non-nil.
	IsSent bool

	Attr                ChannelAttr
	ExpectedStreamCount uint32
	Streams             []*AppStream
	Contexts            map[ContextKind]*AppContext
	eventsByName        map[string][]*AppEvent
}

// NewAppChannel allocates a channel replica with a fresh globally unique
// key and no tracer handle yet.
func NewAppChannel(name string, attr ChannelAttr) *AppChannel {
	return &AppChannel{
		Name:         name,
		Key:          NextChannelKey(),
		Handle:       NoHandle,
		Attr:         attr,
		Contexts:     make(map[ContextKind]*AppContext),
		eventsByName: make(map[string][]*AppEvent),
	}
}

// FindEvent looks up an event by composite identity: the name bucket is
// resolved in O(1), then scanned for exact identity per spec 3.
func (c *AppChannel) FindEvent(name string, attr EventAttr, filter []byte) *AppEvent {
	for _, ev := range c.eventsByName[name] {
		if ev.Matches(name, attr, filter) {
			return ev
		}
	}
	return nil
}

// AddEvent installs a new event replica into the name-bucketed index.
func (c *AppChannel) AddEvent(ev *AppEvent) {
	c.eventsByName[ev.Name] = append(c.eventsByName[ev.Name], ev)
}

// Events returns every event replica on this channel, in no particular
// order.
func (c *AppChannel) Events() []*AppEvent {
	var out []*AppEvent
	for _, bucket := range c.eventsByName {
		out = append(out, bucket...)
	}
	return out
}

// HasContext reports whether the context kind is already attached.
func (c *AppChannel) HasContext(kind ContextKind) bool {
	_, ok := c.Contexts[kind]
	return ok
}

// RemoveStreamAt deletes the stream at index i from the transient list,
// used once a stream has been forwarded to the app.
func (c *AppChannel) RemoveStreamAt(i int) {
	c.Streams = append(c.Streams[:i], c.Streams[i+1:]...)
}

// ShadowCopyChannel builds a new AppChannel from a logical channel,
// copying attributes (the channel Type field is not copied but set to
// per-cpu; the reconciler decides per-cpu vs metadata, spec 4.5) and shadow-copying
// every logical event.
func ShadowCopyChannel(logical *LogicalChannel) *AppChannel {
	attr := logical.Attr
	attr.Type = ChannelTypePerCPU
	ch := NewAppChannel(logical.Name, attr)
	ch.Enabled = logical.Enabled
	for _, ev := range logical.Events {
		if ch.FindEvent(ev.Name, ev.Attr, ev.Filter) != nil {
			continue
		}
		ch.AddEvent(NewAppEventFromLogical(ev))
	}
	return ch
}
