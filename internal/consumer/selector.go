package consumer

import "sync/atomic"

// Unavailable is the sentinel Selector value meaning "no consumer socket
// configured for this bitness" (spec 4.2).
const Unavailable int32 = -1

// Selector holds the two process-wide consumer client handles
// (consumerd32/consumerd64), atomically readable and swappable so a
// reconnect does not require synchronizing with in-flight fan-out (spec
// 3: "consumerd32_fd, consumerd64_fd: atomically read").
type Selector struct {
	c32 atomic.Value // Client
	c64 atomic.Value // Client
}

// NewSelector returns a Selector with both bitnesses unavailable.
func NewSelector() *Selector {
	return &Selector{}
}

// SetClient installs (or clears, passing nil) the client for bitness 32
// or 64.
func (s *Selector) SetClient(bitness int32, c Client) {
	v := s.slot(bitness)
	if v == nil {
		return
	}
	if c == nil {
		v.Store((Client)(nil))
		return
	}
	v.Store(c)
}

func (s *Selector) slot(bitness int32) *atomic.Value {
	switch bitness {
	case 32:
		return &s.c32
	case 64:
		return &s.c64
	default:
		return nil
	}
}

// Available reports whether a consumer is configured for bitness.
func (s *Selector) Available(bitness int32) bool {
	_, ok := s.clientFor(bitness)
	return ok
}

// ClientFor resolves the consumer client for an app's bitness, or false
// if none is configured (registration for that bitness must then be
// rejected, per spec 4.2/4.4).
func (s *Selector) ClientFor(bitness int32) (Client, bool) {
	return s.clientFor(bitness)
}

func (s *Selector) clientFor(bitness int32) (Client, bool) {
	v := s.slot(bitness)
	if v == nil {
		return nil, false
	}
	c, _ := v.Load().(Client)
	return c, c != nil
}
