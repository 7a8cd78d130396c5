package nprpc

import (
	"sync/atomic"
	"time"

	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/flattypes"
	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/rpcsession"
)

// releaseFunctionIdx is a reserved CallHeader.FunctionIdx value meaning
// "this FunctionCall carries a Release notification, not a servant
// dispatch" — Release rides the same frame shape as an ordinary call
// so it needs no dedicated msg_id, just a sentinel function index no
// real interface ever assigns.
const releaseFunctionIdx uint8 = 0xFF

// Object is a client-side handle to a remote servant. Several Go
// values can share one Object (the typical case is a generated proxy
// type embedding a *Object per method-table interface), so the
// refcount is a shared pointer: whichever handle calls Close last
// fires the Release notification.
type Object struct {
	Oid     ObjectId
	session *rpcsession.Session
	timeout time.Duration
	refs    *int32
}

// NewObject wraps oid for calls over session, with a fresh refcount of
// one.
func NewObject(oid ObjectId, session *rpcsession.Session, timeout time.Duration) *Object {
	n := int32(1)
	return &Object{Oid: oid, session: session, timeout: timeout, refs: &n}
}

// Clone returns a second handle to the same remote object, sharing the
// refcount so Release fires only once both handles are closed.
func (o *Object) Clone() *Object {
	atomic.AddInt32(o.refs, 1)
	return &Object{Oid: o.Oid, session: o.session, timeout: o.timeout, refs: o.refs}
}

// Close drops this handle's reference. Once the shared count reaches
// zero it notifies the owning process so it can drop the object from
// its reference list instead of waiting on session teardown to imply
// it.
func (o *Object) Close() error {
	if atomic.AddInt32(o.refs, -1) > 0 {
		return nil
	}
	if o.session == nil || o.Oid.IsTethered() {
		return nil
	}
	frame, err := buildCallFrame(o.session.NextRequestID(), o.Oid, releaseFunctionIdx, nil)
	if err != nil {
		return err
	}
	return o.session.SendStream(frame)
}

// Call marshals a FunctionCall frame addressed at this object and
// blocks for the matching reply.
func (o *Object) Call(functionIdx uint8, marshalArgs func(buf *flatbuf.Buffer) error) (*flatbuf.Buffer, error) {
	requestID := o.session.NextRequestID()
	frame, err := buildCallFrame(requestID, o.Oid, functionIdx, marshalArgs)
	if err != nil {
		return nil, err
	}
	reply, err := o.session.SendReceive(requestID, frame, o.timeout)
	if err != nil {
		return nil, err
	}
	return decodeReply(reply)
}

// CallAsync is the non-blocking counterpart of Call: onComplete runs
// on the session's read goroutine once the reply arrives (or the call
// fails), and must not block.
func (o *Object) CallAsync(functionIdx uint8, marshalArgs func(buf *flatbuf.Buffer) error, onComplete func(*flatbuf.Buffer, error)) error {
	requestID := o.session.NextRequestID()
	frame, err := buildCallFrame(requestID, o.Oid, functionIdx, marshalArgs)
	if err != nil {
		return err
	}
	return o.session.SendReceiveAsync(requestID, frame, func(reply []byte, err error) {
		if err != nil {
			onComplete(nil, err)
			return
		}
		buf, decErr := decodeReply(reply)
		onComplete(buf, decErr)
	})
}

func buildCallFrame(requestID uint32, oid ObjectId, functionIdx uint8, marshalArgs func(buf *flatbuf.Buffer) error) ([]byte, error) {
	buf := flatbuf.New()
	hdr := Header{MsgID: MsgFunctionCall, MsgType: MsgTypeRequest, RequestID: requestID}
	if err := hdr.MarshalInto(buf); err != nil {
		return nil, err
	}
	ch := CallHeader{ObjectID: oid.Oid, PoaIdx: oid.PoaIdx, InterfaceIdx: oid.InterfaceIdx, FunctionIdx: functionIdx}
	if err := ch.MarshalInto(buf); err != nil {
		return nil, err
	}
	if marshalArgs != nil {
		if err := marshalArgs(buf); err != nil {
			return nil, err
		}
	}
	if buf.Len() > rpcsession.MaxMessageSize {
		return nil, nprpcerr.MessageTooLarge
	}
	if err := PatchSize(buf, 0, uint32(buf.Len()-HeaderSize)); err != nil {
		return nil, err
	}
	return buf.Data(), nil
}

// decodeReply switches on the reply's msg_id. Replies carry no
// CallHeader (only requests address an object), so for
// Success/BlockResponse the payload starts right after Header.
// Error_* unwraps into the matching ErrorKind, and
// MsgErrorUserException additionally decodes its ClassID/Payload.
func decodeReply(frame []byte) (*flatbuf.Buffer, error) {
	view := flatbuf.New()
	view.SetView(frame, len(frame), len(frame), nil)

	hdr, err := UnmarshalHeader(view, 0)
	if err != nil {
		return nil, err
	}

	switch hdr.MsgID {
	case MsgSuccess, MsgBlockResponse:
		payload := flatbuf.New()
		payload.SetView(frame, len(frame), len(frame), nil)
		payload.Consume(HeaderSize)
		return payload, nil
	case MsgErrorUserException:
		classID, err := flattypes.ReadStringAt(view, HeaderSize)
		if err != nil {
			return nil, err
		}
		payload, err := flattypes.ReadBytesAt(view, HeaderSize+8)
		if err != nil {
			return nil, err
		}
		return nil, &nprpcerr.UserException{ClassID: classID, Payload: payload}
	default:
		if kind, ok := MsgIDToErrorKind(hdr.MsgID); ok {
			return nil, nprpcerr.Wrap(kind, "remote call failed", nil)
		}
		return nil, nprpcerr.New(nprpcerr.KindProtocolError, "unexpected msg_id in reply")
	}
}
