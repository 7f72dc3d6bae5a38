// Package shadow holds the in-memory replica of tracing configuration kept
// per application: sessions, channels, events and contexts, mirrored from
// the logical (command-layer) configuration into each registered app's
// private state.
package shadow

import "time"

// ChannelType distinguishes an ordinary per-cpu data channel from the
// distinguished metadata channel of a session.
type ChannelType int

const (
	ChannelTypePerCPU ChannelType = iota
	ChannelTypeMetadata
)

func (t ChannelType) String() string {
	if t == ChannelTypeMetadata {
		return "metadata"
	}
	return "per-cpu"
}

// OutputMode is the ring-buffer output mode requested for a channel.
type OutputMode int

const (
	OutputModeSplice OutputMode = iota
	OutputModeMmap
)

// LoglevelType controls how Loglevel is interpreted when matching events.
type LoglevelType int

const (
	// LoglevelTypeAll matches a tracepoint regardless of its loglevel.
	LoglevelTypeAll LoglevelType = iota
	LoglevelTypeRange
	LoglevelTypeSingle
)

// EventType is the kind of tracepoint rule an event selects.
type EventType int

const (
	EventTypeTracepoint EventType = iota
	EventTypeProbe
	EventTypeFunction
	EventTypeSyscall
)

// ContextKind identifies a single attachable context (pid, procname, ...).
// It is the full identity of an AppContext.
type ContextKind int

const (
	ContextKindPid ContextKind = iota
	ContextKindProcname
	ContextKindVPid
	ContextKindPThreadID
	ContextKindPrio
)

func (k ContextKind) String() string {
	switch k {
	case ContextKindPid:
		return "pid"
	case ContextKindProcname:
		return "procname"
	case ContextKindVPid:
		return "vpid"
	case ContextKindPThreadID:
		return "pthread_id"
	case ContextKindPrio:
		return "prio"
	default:
		return "unknown"
	}
}

// ChannelAttr carries the attributes of a channel that are meaningful to
// the tracer. Type is intentionally decided by the reconciler rather than
// copied verbatim from the logical configuration (spec 4.5).
type ChannelAttr struct {
	SubBufSize          uint64
	SubBufCount         uint64
	Overwrite           bool
	SwitchTimerInterval time.Duration
	ReadTimerInterval   time.Duration
	Output              OutputMode
	Type                ChannelType
}

// DefaultMetadataAttr returns the attributes used for the distinguished
// metadata channel, per spec 4.5.
func DefaultMetadataAttr(subBufSize, subBufCount uint64, switchTimer, readTimer time.Duration) ChannelAttr {
	return ChannelAttr{
		SubBufSize:          subBufSize,
		SubBufCount:         subBufCount,
		Overwrite:           false,
		SwitchTimerInterval: switchTimer,
		ReadTimerInterval:   readTimer,
		Output:              OutputModeMmap,
		Type:                ChannelTypeMetadata,
	}
}

// EventAttr is the tracer-visible attribute set of an event rule.
type EventAttr struct {
	Type         EventType
	Loglevel     int32
	LoglevelType LoglevelType
}

// TracerObject is the opaque handle/object pair returned by the tracer
// transport (C1) when a session, channel, event or context is created on
// an application. It is shared between the shadow model and the transport
// package to avoid either one owning a concrete wire representation.
type TracerObject struct {
	Handle int64
}

// NoHandle is the sentinel tracer handle meaning "not yet created".
const NoHandle int64 = -1
