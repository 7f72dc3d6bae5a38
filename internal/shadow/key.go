package shadow

import "sync/atomic"

// nextChannelKey is the process-wide monotonic counter producing globally
// unique channel keys (spec 5). It is never reset.
var nextChannelKey uint64

// NextChannelKey returns a fresh, globally unique channel key.
func NextChannelKey() uint64 {
	return atomic.AddUint64(&nextChannelKey, 1)
}
