package nprpc

import (
	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/flattypes"
	"github.com/sagernet/nprpc/internal/nprpcerr"
)

// MsgID enumerates the first-byte discriminator of every RPC frame.
type MsgID uint8

const (
	MsgFunctionCall MsgID = iota + 1
	MsgBlockResponse
	MsgSuccess
	MsgErrorCommFailure
	MsgErrorTimeout
	MsgErrorMessageTooLarge
	MsgErrorBadFrame
	MsgErrorUnknownObject
	MsgErrorUnknownFunctionIdx
	MsgErrorProtocolError
	MsgErrorUserException
	MsgErrorBufferFull
	MsgStreamInitialization
	MsgStreamDataChunk
	MsgStreamCompletion
	MsgStreamError
	MsgStreamWindowUpdate
	MsgStreamCancel
)

// errorKindToMsgID / msgIDToErrorKind map the error taxonomy onto wire
// Error_* codes and back.
var errorKindToMsgID = map[nprpcerr.ErrorKind]MsgID{
	nprpcerr.KindCommFailure:        MsgErrorCommFailure,
	nprpcerr.KindTimeout:            MsgErrorTimeout,
	nprpcerr.KindMessageTooLarge:    MsgErrorMessageTooLarge,
	nprpcerr.KindBadFrame:           MsgErrorBadFrame,
	nprpcerr.KindUnknownObject:      MsgErrorUnknownObject,
	nprpcerr.KindUnknownFunctionIdx: MsgErrorUnknownFunctionIdx,
	nprpcerr.KindProtocolError:      MsgErrorProtocolError,
	nprpcerr.KindUserException:      MsgErrorUserException,
	nprpcerr.KindBufferFull:         MsgErrorBufferFull,
}

func ErrorKindToMsgID(k nprpcerr.ErrorKind) MsgID { return errorKindToMsgID[k] }

func MsgIDToErrorKind(id MsgID) (nprpcerr.ErrorKind, bool) {
	for k, v := range errorKindToMsgID {
		if v == id {
			return k, true
		}
	}
	return 0, false
}

func (id MsgID) IsError() bool {
	_, ok := MsgIDToErrorKind(id)
	return ok
}

func (id MsgID) IsStream() bool {
	switch id {
	case MsgStreamInitialization, MsgStreamDataChunk, MsgStreamCompletion, MsgStreamError, MsgStreamWindowUpdate, MsgStreamCancel:
		return true
	default:
		return false
	}
}

// MsgType distinguishes a request from its answer.
type MsgType uint8

const (
	MsgTypeRequest MsgType = iota
	MsgTypeAnswer
)

// HeaderSize is the fixed 16-byte header prefixing every RPC frame.
const HeaderSize = 16

// CallHeaderSize is the fixed 12-byte header following Header for
// FunctionCall/Answer frames.
const CallHeaderSize = 12

// Header is the first 16 bytes of every RPC frame.
type Header struct {
	Size      uint32 // body length excluding this field
	MsgID     MsgID
	MsgType   MsgType
	RequestID uint32
	// Reserved occupies the remaining bytes up to HeaderSize.
}

func (h Header) MarshalInto(buf *flatbuf.Buffer) error {
	off, _, err := flattypes.Alloc(buf, HeaderSize)
	if err != nil {
		return err
	}
	if err := flattypes.WriteU32At(buf, off, h.Size); err != nil {
		return err
	}
	if err := flattypes.WriteU8At(buf, off+4, uint8(h.MsgID)); err != nil {
		return err
	}
	if err := flattypes.WriteU8At(buf, off+5, uint8(h.MsgType)); err != nil {
		return err
	}
	if err := flattypes.WriteU32At(buf, off+6, h.RequestID); err != nil {
		return err
	}
	return nil
}

// PatchSize rewrites the Size field of an already-marshalled header at
// the given offset, used once the full frame's length is known after
// arguments have been marshalled after it.
func PatchSize(buf *flatbuf.Buffer, headerOffset int, size uint32) error {
	return flattypes.WriteU32At(buf, headerOffset, size)
}

func UnmarshalHeader(buf *flatbuf.Buffer, offset int) (Header, error) {
	var h Header
	var err error
	if h.Size, err = flattypes.ReadU32At(buf, offset); err != nil {
		return h, err
	}
	b, err := flattypes.ReadU8At(buf, offset+4)
	if err != nil {
		return h, err
	}
	h.MsgID = MsgID(b)
	b, err = flattypes.ReadU8At(buf, offset+5)
	if err != nil {
		return h, err
	}
	h.MsgType = MsgType(b)
	if h.RequestID, err = flattypes.ReadU32At(buf, offset+6); err != nil {
		return h, err
	}
	return h, nil
}

// CallHeader follows Header for FunctionCall/Answer frames.
type CallHeader struct {
	ObjectID     uint64
	PoaIdx       uint16
	InterfaceIdx uint8
	FunctionIdx  uint8
}

func (c CallHeader) MarshalInto(buf *flatbuf.Buffer) error {
	off, _, err := flattypes.Alloc(buf, CallHeaderSize)
	if err != nil {
		return err
	}
	if err := flattypes.WriteU64At(buf, off, c.ObjectID); err != nil {
		return err
	}
	if err := flattypes.WriteU16At(buf, off+8, c.PoaIdx); err != nil {
		return err
	}
	if err := flattypes.WriteU8At(buf, off+10, c.InterfaceIdx); err != nil {
		return err
	}
	return flattypes.WriteU8At(buf, off+11, c.FunctionIdx)
}

func UnmarshalCallHeader(buf *flatbuf.Buffer, offset int) (CallHeader, error) {
	var c CallHeader
	var err error
	if c.ObjectID, err = flattypes.ReadU64At(buf, offset); err != nil {
		return c, err
	}
	if c.PoaIdx, err = flattypes.ReadU16At(buf, offset+8); err != nil {
		return c, err
	}
	if c.InterfaceIdx, err = flattypes.ReadU8At(buf, offset+10); err != nil {
		return c, err
	}
	if c.FunctionIdx, err = flattypes.ReadU8At(buf, offset+11); err != nil {
		return c, err
	}
	return c, nil
}
