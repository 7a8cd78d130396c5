// Package flattypes implements the in-place, offset-addressed encoders
// and decoders that flat buffers carry: primitives, strings, byte
// vectors, optionals, and fixed arrays (the inline ObjectId encoding in
// the root nprpc package is built on top of these). Every accessor
// takes a *flatbuf.Buffer and a byte offset into its readable window —
// nothing here allocates a Go-side copy of the struct itself, only of
// variable-length payloads it points at.
package flattypes

import (
	"encoding/binary"
	"fmt"

	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/internal/nprpcerr"
)

var le = binary.LittleEndian

func checkBounds(buf *flatbuf.Buffer, off, n int) error {
	if off < 0 || n < 0 || off+n > len(buf.Data()) {
		return nprpcerr.Wrap(nprpcerr.KindBadFrame, "offset out of readable window",
			fmt.Errorf("off=%d n=%d window=%d", off, n, len(buf.Data())))
	}
	return nil
}

// --- primitives -------------------------------------------------------

func ReadU8At(buf *flatbuf.Buffer, off int) (uint8, error) {
	if err := checkBounds(buf, off, 1); err != nil {
		return 0, err
	}
	return buf.Data()[off], nil
}

func WriteU8At(buf *flatbuf.Buffer, off int, v uint8) error {
	if err := checkBounds(buf, off, 1); err != nil {
		return err
	}
	buf.Data()[off] = v
	return nil
}

func ReadU16At(buf *flatbuf.Buffer, off int) (uint16, error) {
	if err := checkBounds(buf, off, 2); err != nil {
		return 0, err
	}
	return le.Uint16(buf.Data()[off:]), nil
}

func WriteU16At(buf *flatbuf.Buffer, off int, v uint16) error {
	if err := checkBounds(buf, off, 2); err != nil {
		return err
	}
	le.PutUint16(buf.Data()[off:], v)
	return nil
}

func ReadU32At(buf *flatbuf.Buffer, off int) (uint32, error) {
	if err := checkBounds(buf, off, 4); err != nil {
		return 0, err
	}
	return le.Uint32(buf.Data()[off:]), nil
}

func WriteU32At(buf *flatbuf.Buffer, off int, v uint32) error {
	if err := checkBounds(buf, off, 4); err != nil {
		return err
	}
	le.PutUint32(buf.Data()[off:], v)
	return nil
}

func ReadU64At(buf *flatbuf.Buffer, off int) (uint64, error) {
	if err := checkBounds(buf, off, 8); err != nil {
		return 0, err
	}
	return le.Uint64(buf.Data()[off:]), nil
}

func WriteU64At(buf *flatbuf.Buffer, off int, v uint64) error {
	if err := checkBounds(buf, off, 8); err != nil {
		return err
	}
	le.PutUint64(buf.Data()[off:], v)
	return nil
}

// --- variable-length allocation ---------------------------------------

// Alloc appends n bytes to the buffer's write cursor (growing as
// needed) and returns the absolute offset (relative to the start of the
// readable window) where the payload begins. It never overlaps a prior
// allocation because it always extends from out_.
func Alloc(buf *flatbuf.Buffer, n int) (offset int, payload []byte, err error) {
	w, err := buf.Prepare(n)
	if err != nil {
		return 0, nil, err
	}
	offset = buf.Len()
	buf.Commit(n)
	return offset, w, nil
}

// --- strings ------------------------------------------------------------
//
// Wire layout at the field slot: {relative_offset: u32, count: u32},
// where relative_offset is measured from the slot's own location,
// giving position-independent buffers. A zero count means an empty
// string but is still a valid allocation (distinguished from optionals,
// where zero offset means absent).

func AllocString(buf *flatbuf.Buffer, fieldOffset int, s string) error {
	payloadOff, dst, err := Alloc(buf, len(s))
	if err != nil {
		return err
	}
	copy(dst, s)
	rel := payloadOff - fieldOffset
	if err := WriteU32At(buf, fieldOffset, uint32(rel)); err != nil {
		return err
	}
	return WriteU32At(buf, fieldOffset+4, uint32(len(s)))
}

func ReadStringAt(buf *flatbuf.Buffer, fieldOffset int) (string, error) {
	rel, err := ReadU32At(buf, fieldOffset)
	if err != nil {
		return "", err
	}
	count, err := ReadU32At(buf, fieldOffset+4)
	if err != nil {
		return "", err
	}
	payloadOff := fieldOffset + int(int32(rel))
	if err := checkBounds(buf, payloadOff, int(count)); err != nil {
		return "", err
	}
	return string(buf.Data()[payloadOff : payloadOff+int(count)]), nil
}

// --- vectors (byte vectors; generic element vectors follow the same
// shape with an element-size multiplier) --------------------------------

func AllocBytes(buf *flatbuf.Buffer, fieldOffset int, data []byte) error {
	payloadOff, dst, err := Alloc(buf, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	rel := payloadOff - fieldOffset
	if err := WriteU32At(buf, fieldOffset, uint32(rel)); err != nil {
		return err
	}
	return WriteU32At(buf, fieldOffset+4, uint32(len(data)))
}

func ReadBytesAt(buf *flatbuf.Buffer, fieldOffset int) ([]byte, error) {
	s, err := ReadStringAt(buf, fieldOffset)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// --- optionals ------------------------------------------------------------
//
// A single u32 relative offset; zero means absent.

func WriteOptionalAbsent(buf *flatbuf.Buffer, fieldOffset int) error {
	return WriteU32At(buf, fieldOffset, 0)
}

func WriteOptionalPresent(buf *flatbuf.Buffer, fieldOffset, payloadOffset int) error {
	rel := payloadOffset - fieldOffset
	if rel == 0 {
		// a present value at an offset of exactly zero is
		// indistinguishable from absent; callers must reserve the
		// field slot before allocating payload, which always makes
		// rel > 0 in practice. Guard against misuse.
		return nprpcerr.New(nprpcerr.KindBadFrame, "optional payload aliases its own field slot")
	}
	return WriteU32At(buf, fieldOffset, uint32(rel))
}

func ReadOptionalOffset(buf *flatbuf.Buffer, fieldOffset int) (payloadOffset int, present bool, err error) {
	rel, err := ReadU32At(buf, fieldOffset)
	if err != nil {
		return 0, false, err
	}
	if rel == 0 {
		return 0, false, nil
	}
	return fieldOffset + int(int32(rel)), true, nil
}

// --- fixed arrays --------------------------------------------------------
//
// Contiguous inline storage; FixedArrayElemOffset simply returns the
// element's byte offset, since no indirection is involved.

func FixedArrayElemOffset(base, elemSize, index int) int {
	return base + elemSize*index
}
