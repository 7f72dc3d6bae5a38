// Package usterrors holds the small sentinel error taxonomy shared by the
// transport, consumer, registry and reconciler packages (spec 7). Sentinel
// values are compared with errors.Is rather than type assertions, in
// keeping with the teacher corpus's preference for plain errors over
// error hierarchies.
package usterrors

import "errors"

var (
	// ErrBrokenPipe and ErrPeerExiting are the two benign peer-death
	// signals (spec 4.1): every call site must be able to tell these
	// apart from every other failure.
	ErrBrokenPipe  = errors.New("ust: broken pipe")
	ErrPeerExiting = errors.New("ust: peer exiting")

	ErrPermissionDenied = errors.New("ust: permission denied")
	ErrAlreadyExists    = errors.New("ust: already exists")
	ErrNoEntry          = errors.New("ust: no entry")
	ErrNotSupported     = errors.New("ust: not supported")

	// ErrOutOfMemory is fatal to the current fan-out and must propagate
	// past every per-app recovery point (spec 7, precedence 1).
	ErrOutOfMemory = errors.New("ust: out of memory")

	// ErrInvalidArgument is returned by registration on bitness/protocol
	// mismatch (spec 4.4).
	ErrInvalidArgument = errors.New("ust: invalid argument")

	// ErrPeerDisconnected is what create_app_session translates any
	// non-OOM tracer error into, so the caller treats it uniformly as a
	// per-app skip (spec 4.6).
	ErrPeerDisconnected = errors.New("ust: peer disconnected")

	// ErrFDBudgetExhausted is returned by the FD budget when a
	// reservation cannot be satisfied (spec 4.3).
	ErrFDBudgetExhausted = errors.New("ust: fd budget exhausted")

	// ErrConsumerUnavailable is returned when an app's bitness has no
	// configured consumer socket (spec 4.2, 4.4).
	ErrConsumerUnavailable = errors.New("ust: consumer unavailable for bitness")

	// ErrAssertion marks a programming violation that should never be
	// observed at runtime (spec 7, precedence 2) -- e.g. a disable call
	// returning permission-denied right after a successful create.
	ErrAssertion = errors.New("ust: assertion violated")

	// ErrNotStarted is returned by stop_trace when the session was never
	// started (spec 4.6).
	ErrNotStarted = errors.New("ust: session not started")
)

// IsBenignPeerDeath reports whether err is one of the two peer-death
// sentinels that must be skipped without being logged as an error
// (spec 4.1, 7).
func IsBenignPeerDeath(err error) bool {
	return errors.Is(err, ErrBrokenPipe) || errors.Is(err, ErrPeerExiting)
}
