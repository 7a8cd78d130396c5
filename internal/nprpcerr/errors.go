// Package nprpcerr defines the error taxonomy shared by every nprpc
// component. All errors the core produces wrap one of the ErrorKind
// sentinels below, so callers can classify failures with errors.Is
// regardless of which layer raised them.
package nprpcerr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an RpcError per the wire Error_* reply codes.
type ErrorKind uint8

const (
	KindCommFailure ErrorKind = iota + 1
	KindTimeout
	KindMessageTooLarge
	KindBadFrame
	KindUnknownObject
	KindUnknownFunctionIdx
	KindProtocolError
	KindUserException
	KindBufferFull
)

func (k ErrorKind) String() string {
	switch k {
	case KindCommFailure:
		return "comm_failure"
	case KindTimeout:
		return "timeout"
	case KindMessageTooLarge:
		return "message_too_large"
	case KindBadFrame:
		return "bad_frame"
	case KindUnknownObject:
		return "unknown_object"
	case KindUnknownFunctionIdx:
		return "unknown_function_idx"
	case KindProtocolError:
		return "protocol_error"
	case KindUserException:
		return "user_exception"
	case KindBufferFull:
		return "buffer_full"
	default:
		return "unknown_error_kind"
	}
}

// RpcError is the single error type the core ever returns to callers.
// It carries a Kind for programmatic classification and wraps a cause
// for human-readable context.
type RpcError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *RpcError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nprpc: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("nprpc: %s: %s", e.Kind, e.Msg)
}

func (e *RpcError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, nprpcerr.CommFailure) match any RpcError of
// that kind, not just a specific instance.
func (e *RpcError) Is(target error) bool {
	t, ok := target.(*RpcError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind ErrorKind, msg string) *RpcError {
	return &RpcError{Kind: kind, Msg: msg}
}

func Wrap(kind ErrorKind, msg string, cause error) *RpcError {
	return &RpcError{Kind: kind, Msg: msg, Err: cause}
}

// Sentinels usable with errors.Is for a bare kind check.
var (
	CommFailure        = &RpcError{Kind: KindCommFailure, Msg: "transport gone"}
	Timeout            = &RpcError{Kind: KindTimeout, Msg: "deadline exceeded"}
	MessageTooLarge    = &RpcError{Kind: KindMessageTooLarge, Msg: "message exceeds max_message_size"}
	BadFrame           = &RpcError{Kind: KindBadFrame, Msg: "truncated or malformed frame"}
	UnknownObject      = &RpcError{Kind: KindUnknownObject, Msg: "no slot for (poa_idx, object_id)"}
	UnknownFunctionIdx = &RpcError{Kind: KindUnknownFunctionIdx, Msg: "function_idx not implemented by servant"}
	ProtocolError      = &RpcError{Kind: KindProtocolError, Msg: "unexpected msg_id for current state"}
	BufferFull         = &RpcError{Kind: KindBufferFull, Msg: "ring or work queue at capacity"}
)

// UserException carries a server-side exception across the wire as a
// plain value instead of a host-language panic.
type UserException struct {
	ClassID string
	Payload []byte
}

func (u *UserException) Error() string {
	return fmt.Sprintf("nprpc: user exception %q (%d bytes)", u.ClassID, len(u.Payload))
}

// AsUserException reports whether err carries a UserException payload.
func AsUserException(err error) (*UserException, bool) {
	var ue *UserException
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
