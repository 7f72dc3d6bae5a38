package reconcile

import "time"

// Config carries the small set of tunables the reconciler needs beyond
// what the shadow/logical model already specifies: the metadata channel's
// attribute defaults, and how to materialize the on-disk trace directory
// (spec 4.5, 6).
type Config struct {
	MetadataSubBufSize  uint64
	MetadataSubBufCount uint64
	MetadataSwitchTimer time.Duration
	MetadataReadTimer   time.Duration

	// TracePath resolves the local base directory for a session's output,
	// or ok=false if the consumer is not local / has no trace path, in
	// which case start_trace skips directory creation entirely (spec
	// 4.6: "if the consumer is local and has a trace path").
	TracePath func(outputPath string) (path string, ok bool)

	// MkdirAll creates path as uid:gid with mode 0770, tolerating
	// "already exists" (spec 6). Injected so the reconciler never
	// touches the filesystem directly in tests.
	MkdirAll func(path string, uid, gid uint32) error
}

// DefaultConfig returns a Config with no local trace path (directory
// creation is skipped) and metadata defaults typical of the reference
// tracer (4096-byte subbuffers, 2 of them, no periodic timers).
func DefaultConfig() Config {
	return Config{
		MetadataSubBufSize:  4096,
		MetadataSubBufCount: 2,
		MetadataSwitchTimer: 0,
		MetadataReadTimer:   0,
		TracePath:           func(string) (string, bool) { return "", false },
		MkdirAll:            func(string, uint32, uint32) error { return nil },
	}
}
