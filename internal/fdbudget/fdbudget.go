// Package fdbudget implements the process-wide, counted file-descriptor
// reservation described in spec 4.3: a Reserve that fails once a class's
// ceiling would be exceeded, and a Release paired with every teardown
// path.
package fdbudget

import (
	"sync"

	"github.com/ustd/sessiond/internal/usterrors"
)

// Class names one FD accounting bucket. The controller uses a single
// class in practice (ClassApps), but the budget is not hard-coded to it so
// a future class (e.g. consumer-side fds) can reuse the same mechanism.
type Class string

// ClassApps is the class spec 3/4.3 describes: one FD released per
// registered app, and 2*expected_stream_count+2 released per destroyed
// channel.
const ClassApps Class = "apps"

// Budget is a process-wide counted reservation, safe for concurrent use.
type Budget struct {
	mu     sync.Mutex
	limits map[Class]int64
	used   map[Class]int64
}

// New returns a Budget with the given per-class ceilings. A class absent
// from limits has no ceiling (Reserve always succeeds for it).
func New(limits map[Class]int64) *Budget {
	b := &Budget{
		limits: make(map[Class]int64, len(limits)),
		used:   make(map[Class]int64, len(limits)),
	}
	for class, limit := range limits {
		b.limits[class] = limit
	}
	return b
}

// Reserve accounts n additional descriptors against class, failing with
// ErrFDBudgetExhausted if that would exceed the class's ceiling. The
// reservation is atomic: on failure nothing is accounted.
func (b *Budget) Reserve(class Class, n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, bounded := b.limits[class]
	if bounded && b.used[class]+n > limit {
		return usterrors.ErrFDBudgetExhausted
	}
	b.used[class] += n
	return nil
}

// Release returns n descriptors to class. It never fails; releasing more
// than was reserved is a caller bug but is clamped to zero rather than
// going negative, so a buggy double-release cannot corrupt later
// reservations into appearing to have more room than they do.
func (b *Budget) Release(class Class, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used[class] -= n
	if b.used[class] < 0 {
		b.used[class] = 0
	}
}

// InUse reports the current accounted usage for class.
func (b *Budget) InUse(class Class) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[class]
}
