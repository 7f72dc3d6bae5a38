package shadow

// AppStream is a single ring-buffer view handed from the consumer to an
// app. It owns two file descriptors (a data fd and a wakeup/read fd)
// accounted against the APPS class in the FD budget (spec 3, C3). Streams
// are transient: they live between consumer hand-off and app hand-off and
// are deleted from their channel's Streams list the moment they are
// forwarded.
type AppStream struct {
	DataFd   int
	WakeupFd int
}
