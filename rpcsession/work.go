package rpcsession

// WorkKind distinguishes the three shapes of outbound traffic a session
// schedules.
type WorkKind uint8

const (
	// WorkSync blocks the caller's goroutine until a reply arrives or
	// the Work fails/times out.
	WorkSync WorkKind = iota
	// WorkAsync invokes a completion handler on reply instead of
	// blocking the submitter.
	WorkAsync
	// WorkStream is fire-and-forget; completion fires on transport-ack
	// of the write alone, never on a reply.
	WorkStream
)

type workResult struct {
	reply []byte
	err   error
}

// work is one item in a session's write queue / pending-reply ledger.
type work struct {
	kind      WorkKind
	requestID uint32
	frame     []byte

	// WorkSync
	replyCh chan workResult
	// WorkAsync
	onComplete func(reply []byte, err error)
	// WorkStream
	ackCh chan error
}
