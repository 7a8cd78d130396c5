package rpcsession

// Backpressure ceilings. Overflow fails the relevant submit operation
// rather than blocking.
const (
	MaxPendingRequests      = 1000
	MaxWriteQueueSize       = 100
	MaxReferencesPerSession = 10000
	// MaxMessageSize bounds any single frame; larger frames are fatal
	// to the session.
	MaxMessageSize = 32 << 20
)
