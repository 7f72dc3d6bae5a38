package shadow

import "bytes"

// AppEvent is the per-app replica of an event rule. Its identity is the
// composite (name, loglevel-equivalence-class, filter bytes) described in
// spec 3; the hash used to bucket AppEvents inside an AppChannel is
// computed from the name only, so every bucket must be scanned with
// eventIdentityEqual on lookup.
type AppEvent struct {
	Name    string
	Attr    EventAttr
	Filter  []byte // nil when absent; deep-copied on shadow-copy
	Handle  int64
	Enabled bool
}

// normalizeLoglevel implements the spec 3 special rule: when
// LoglevelType is ALL, the effective loglevel used for comparison is -1
// regardless of the stored/queried value (a query built with loglevel 0
// and LoglevelTypeAll must match a stored event recorded with -1).
func normalizeLoglevel(attr EventAttr) int32 {
	if attr.LoglevelType == LoglevelTypeAll {
		return -1
	}
	return attr.Loglevel
}

func filtersEqual(a, b []byte) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return bytes.Equal(a, b)
}

// eventIdentityEqual implements the three-part composite identity rule of
// spec 3: (a) name bytes equal; (b) filters both absent or equal length
// and content; (c) loglevels equal under the ALL-equivalence rule.
func eventIdentityEqual(nameA string, attrA EventAttr, filterA []byte, nameB string, attrB EventAttr, filterB []byte) bool {
	if nameA != nameB {
		return false
	}
	if !filtersEqual(filterA, filterB) {
		return false
	}
	if attrA.LoglevelType != attrB.LoglevelType {
		return false
	}
	return normalizeLoglevel(attrA) == normalizeLoglevel(attrB)
}

// Matches reports whether this AppEvent is the same composite identity as
// the (name, attr, filter) triple, per the spec 3 rule.
func (e *AppEvent) Matches(name string, attr EventAttr, filter []byte) bool {
	return eventIdentityEqual(e.Name, e.Attr, e.Filter, name, attr, filter)
}

func copyFilter(filter []byte) []byte {
	if len(filter) == 0 {
		return nil
	}
	out := make([]byte, len(filter))
	copy(out, filter)
	return out
}

// NewAppEventFromLogical deep-copies a logical event's filter bytecode,
// per spec 4.5.
func NewAppEventFromLogical(logical *LogicalEvent) *AppEvent {
	return &AppEvent{
		Name:    logical.Name,
		Attr:    logical.Attr,
		Filter:  copyFilter(logical.Filter),
		Handle:  NoHandle,
		Enabled: logical.Enabled,
	}
}
