package nprpc

import (
	"errors"

	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/flattypes"
	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/streammgr"
)

// streamSubHeaderSize is the {stream_id u32, sequence u32} block every
// stream-subprotocol frame carries right after Header, followed by the
// chunk/error payload (if any) with no further length prefix — the
// transport's own framing already bounds the frame.
const streamSubHeaderSize = 8

func streamFrameKindToMsgID(kind streammgr.FrameKind) MsgID {
	switch kind {
	case streammgr.FrameInitialization:
		return MsgStreamInitialization
	case streammgr.FrameDataChunk:
		return MsgStreamDataChunk
	case streammgr.FrameCompletion:
		return MsgStreamCompletion
	case streammgr.FrameError:
		return MsgStreamError
	case streammgr.FrameWindowUpdate:
		return MsgStreamWindowUpdate
	case streammgr.FrameCancel:
		return MsgStreamCancel
	default:
		return 0
	}
}

func msgIDToStreamFrameKind(id MsgID) (streammgr.FrameKind, bool) {
	switch id {
	case MsgStreamInitialization:
		return streammgr.FrameInitialization, true
	case MsgStreamDataChunk:
		return streammgr.FrameDataChunk, true
	case MsgStreamCompletion:
		return streammgr.FrameCompletion, true
	case MsgStreamError:
		return streammgr.FrameError, true
	case MsgStreamWindowUpdate:
		return streammgr.FrameWindowUpdate, true
	case MsgStreamCancel:
		return streammgr.FrameCancel, true
	default:
		return 0, false
	}
}

// marshalStreamFrame implements streammgr.FrameSink's wire encoding,
// kept in the root package (rather than streammgr itself) so streammgr
// stays free of a dependency on the Header/flattypes wire format.
func marshalStreamFrame(streamID streammgr.StreamID, kind streammgr.FrameKind, sequence uint32, data []byte) ([]byte, error) {
	buf := flatbuf.New()
	hdr := Header{MsgID: streamFrameKindToMsgID(kind), MsgType: MsgTypeRequest, RequestID: 0}
	if err := hdr.MarshalInto(buf); err != nil {
		return nil, err
	}
	off, _, err := flattypes.Alloc(buf, streamSubHeaderSize)
	if err != nil {
		return nil, err
	}
	if err := flattypes.WriteU32At(buf, off, uint32(streamID)); err != nil {
		return nil, err
	}
	if err := flattypes.WriteU32At(buf, off+4, sequence); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := appendRaw(buf, data); err != nil {
			return nil, err
		}
	}
	if err := PatchSize(buf, 0, uint32(buf.Len()-HeaderSize)); err != nil {
		return nil, err
	}
	return buf.Data(), nil
}

func unmarshalStreamFrame(frame []byte) (kind streammgr.FrameKind, streamID streammgr.StreamID, sequence uint32, data []byte, err error) {
	view := flatbuf.New()
	view.SetView(frame, len(frame), len(frame), nil)

	hdr, err := UnmarshalHeader(view, 0)
	if err != nil {
		return
	}
	k, ok := msgIDToStreamFrameKind(hdr.MsgID)
	if !ok {
		err = nprpcerr.New(nprpcerr.KindProtocolError, "not a stream frame")
		return
	}
	sid, err := flattypes.ReadU32At(view, HeaderSize)
	if err != nil {
		return
	}
	seq, err := flattypes.ReadU32At(view, HeaderSize+4)
	if err != nil {
		return
	}
	payloadOff := HeaderSize + streamSubHeaderSize
	var payload []byte
	if len(frame) > payloadOff {
		payload = frame[payloadOff:]
	}
	return k, streammgr.StreamID(sid), seq, payload, nil
}

// dispatchStreamFrame applies one decoded stream frame to mgr, routing
// producer-addressed frames (WindowUpdate, Cancel) to the matching
// OutboundStream and consumer-addressed frames (Initialization,
// DataChunk, Completion, Error) to the matching or newly registered
// InboundStream.
func dispatchStreamFrame(mgr *streammgr.Manager, frame []byte) error {
	if mgr == nil {
		return nprpcerr.New(nprpcerr.KindProtocolError, "stream frame with no stream manager attached")
	}
	kind, id, sequence, data, err := unmarshalStreamFrame(frame)
	if err != nil {
		return err
	}

	switch kind {
	case streammgr.FrameInitialization:
		mgr.RegisterInbound(id, streammgr.DefaultWindowSize)
	case streammgr.FrameDataChunk:
		if in, ok := mgr.Inbound(id); ok {
			in.PushChunk(data)
		}
	case streammgr.FrameCompletion:
		if in, ok := mgr.Inbound(id); ok {
			in.Complete()
		}
	case streammgr.FrameError:
		if in, ok := mgr.Inbound(id); ok {
			in.Fail(errors.New(string(data)))
		}
	case streammgr.FrameWindowUpdate:
		if out, ok := mgr.Outbound(id); ok {
			out.OnWindowUpdate(int(sequence))
		}
	case streammgr.FrameCancel:
		if out, ok := mgr.Outbound(id); ok {
			out.Cancel()
		}
	}
	return nil
}
