package nprpc

import (
	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/flattypes"
)

// ObjectId flag bits, packed into the single flags byte of the fixed
// core: one bit for has-class-id, one for tethered-endpoint.
const (
	ObjectIdFlagHasClassID uint8 = 1 << 0
	ObjectIdFlagTethered   uint8 = 1 << 1
)

// objectIDCoreSize is the fixed, position-independent portion of an
// ObjectId on the wire: object_id(8) + poa_idx(2) + flags(1) +
// interface_idx(1) + endpoint_kind(1) + endpoint_ssl(1) +
// endpoint_port(2) + reserved(8) = 24 bytes. The class-id string,
// hostname string, and the endpoint's variable host field are appended
// immediately after as ordinary flattypes string slots: they ride
// along on every ObjectId, but they are not part of this fixed-size
// core.
const objectIDCoreSize = 24

// ObjectId uniquely identifies a servant within a process for its
// lifespan via the (PoaIdx, Oid) pair.
type ObjectId struct {
	Oid          uint64
	PoaIdx       uint16
	Flags        uint8
	InterfaceIdx uint8
	ClassID      string
	Hostname     string
	Endpoint     EndPoint
}

// HasClassID reports whether the ClassID flag bit is set.
func (o ObjectId) HasClassID() bool { return o.Flags&ObjectIdFlagHasClassID != 0 }

// IsTethered reports whether the embedded endpoint is only valid over
// the originating session.
func (o ObjectId) IsTethered() bool { return o.Flags&ObjectIdFlagTethered != 0 }

// MarshalFlat appends this ObjectId to buf at the buffer's current
// write cursor and returns the offset (relative to the readable
// window) of its fixed core.
func (o ObjectId) MarshalFlat(buf *flatbuf.Buffer) (offset int, err error) {
	flags := o.Flags
	if o.ClassID != "" {
		flags |= ObjectIdFlagHasClassID
	}
	if o.Endpoint.Kind.IsTethered() {
		flags |= ObjectIdFlagTethered
	}

	coreOff, core, err := flattypes.Alloc(buf, objectIDCoreSize)
	if err != nil {
		return 0, err
	}
	_ = core // written through flattypes below at absolute offsets

	if err := flattypes.WriteU64At(buf, coreOff, o.Oid); err != nil {
		return 0, err
	}
	if err := flattypes.WriteU16At(buf, coreOff+8, o.PoaIdx); err != nil {
		return 0, err
	}
	if err := flattypes.WriteU8At(buf, coreOff+10, flags); err != nil {
		return 0, err
	}
	if err := flattypes.WriteU8At(buf, coreOff+11, o.InterfaceIdx); err != nil {
		return 0, err
	}
	if err := flattypes.WriteU8At(buf, coreOff+12, uint8(o.Endpoint.Kind)); err != nil {
		return 0, err
	}
	sslByte := uint8(0)
	if o.Endpoint.Ssl {
		sslByte = 1
	}
	if err := flattypes.WriteU8At(buf, coreOff+13, sslByte); err != nil {
		return 0, err
	}
	if err := flattypes.WriteU16At(buf, coreOff+14, o.Endpoint.Port); err != nil {
		return 0, err
	}

	// three trailing variable fields, each an 8-byte {rel_offset,count}
	// slot, prepared now so later allocations can't alias them.
	classIDSlot, _, err := flattypes.Alloc(buf, 8)
	if err != nil {
		return 0, err
	}
	hostnameSlot, _, err := flattypes.Alloc(buf, 8)
	if err != nil {
		return 0, err
	}
	endpointHostSlot, _, err := flattypes.Alloc(buf, 8)
	if err != nil {
		return 0, err
	}

	if err := flattypes.AllocString(buf, classIDSlot, o.ClassID); err != nil {
		return 0, err
	}
	if err := flattypes.AllocString(buf, hostnameSlot, o.Hostname); err != nil {
		return 0, err
	}
	if err := flattypes.AllocString(buf, endpointHostSlot, o.Endpoint.Host); err != nil {
		return 0, err
	}

	return coreOff, nil
}

// UnmarshalObjectId reads an ObjectId whose fixed core starts at
// offset, as written by MarshalFlat.
func UnmarshalObjectId(buf *flatbuf.Buffer, offset int) (ObjectId, error) {
	var o ObjectId
	var err error

	if o.Oid, err = flattypes.ReadU64At(buf, offset); err != nil {
		return o, err
	}
	if o.PoaIdx, err = flattypes.ReadU16At(buf, offset+8); err != nil {
		return o, err
	}
	if o.Flags, err = flattypes.ReadU8At(buf, offset+10); err != nil {
		return o, err
	}
	if o.InterfaceIdx, err = flattypes.ReadU8At(buf, offset+11); err != nil {
		return o, err
	}
	kindByte, err := flattypes.ReadU8At(buf, offset+12)
	if err != nil {
		return o, err
	}
	o.Endpoint.Kind = EndPointKind(kindByte)
	sslByte, err := flattypes.ReadU8At(buf, offset+13)
	if err != nil {
		return o, err
	}
	o.Endpoint.Ssl = sslByte != 0
	if o.Endpoint.Port, err = flattypes.ReadU16At(buf, offset+14); err != nil {
		return o, err
	}

	classIDSlot := offset + objectIDCoreSize
	hostnameSlot := classIDSlot + 8
	endpointHostSlot := hostnameSlot + 8

	if o.ClassID, err = flattypes.ReadStringAt(buf, classIDSlot); err != nil {
		return o, err
	}
	if o.Hostname, err = flattypes.ReadStringAt(buf, hostnameSlot); err != nil {
		return o, err
	}
	if o.Endpoint.Host, err = flattypes.ReadStringAt(buf, endpointHostSlot); err != nil {
		return o, err
	}

	return o, nil
}

// Equal reports whether two ObjectIds address the same servant.
func (o ObjectId) Equal(other ObjectId) bool {
	return o.Oid == other.Oid && o.PoaIdx == other.PoaIdx
}
