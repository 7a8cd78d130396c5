package rpcsession

import (
	"errors"
	"syscall"

	"github.com/sagernet/nprpc/internal/nprpcerr"
)

// Frame classification here mirrors the wire Header layout
// without importing the root nprpc package, which in turn depends on
// rpcsession for its Session plumbing — duplicating the handful of
// msg_id constants this package actually needs avoids that cycle.
const (
	msgIDOffset = 4

	msgFunctionCall          = 1
	msgStreamInitialization  = 13
	msgStreamDataChunk       = 14
	msgStreamCompletion      = 15
	msgStreamError           = 16
	msgStreamWindowUpdate    = 17
	msgStreamCancel          = 18
)

func peekMsgID(frame []byte) (byte, error) {
	if len(frame) <= msgIDOffset {
		return 0, nprpcerr.Wrap(nprpcerr.KindBadFrame, "frame shorter than header", nil)
	}
	return frame[msgIDOffset], nil
}

func isStreamFrame(frame []byte) (bool, error) {
	id, err := peekMsgID(frame)
	if err != nil {
		return false, err
	}
	switch id {
	case msgStreamInitialization, msgStreamDataChunk, msgStreamCompletion, msgStreamError, msgStreamWindowUpdate, msgStreamCancel:
		return true, nil
	default:
		return false, nil
	}
}

func isFunctionCallFrame(frame []byte) (bool, error) {
	id, err := peekMsgID(frame)
	if err != nil {
		return false, err
	}
	return id == msgFunctionCall, nil
}

// isConnReset recognizes the transient peer-reset conditions that
// justify exactly one reconnect attempt. No third-party library in
// this module's dependency set wraps these beyond what the standard
// library already exposes, so this stays a plain syscall errno
// comparison.
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
