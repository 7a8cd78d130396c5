// Package poa implements the Portable Object Adapter: object id
// policy, lifespan policy, per-object activation flags, and the slot
// table backing servant activation/deactivation.
package poa

import (
	"sync"

	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/reftable"
)

// Lifespan controls whether servants are tied to the activating
// session.
type Lifespan uint8

const (
	// Transient servants join the activating session's reference list
	// and are released when that session ends.
	Transient Lifespan = iota
	// Persistent servants are decoupled from sessions and outlive them.
	Persistent
)

// ObjectIdPolicy controls which activation method a POA accepts.
type ObjectIdPolicy uint8

const (
	SystemGenerated ObjectIdPolicy = iota
	UserSupplied
)

// ActivationFlag restricts which transports may invoke an activated
// object.
type ActivationFlag uint8

const (
	FlagTCP ActivationFlag = 1 << iota
	FlagWebSocket
	FlagSslWebSocket
	FlagHttp
	FlagSharedMemory
	FlagUDP
	FlagAll = FlagTCP | FlagWebSocket | FlagSslWebSocket | FlagHttp | FlagSharedMemory | FlagUDP
)

// Servant is the minimal shape the POA needs from a server-side object;
// the full dispatch contract lives in the root nprpc package to avoid
// an import cycle between poa and the wire-frame types.
type Servant interface {
	ClassID() string
}

// ReferenceTracker is the minimal hook a POA needs to tie a Transient
// servant's lifetime to the session that activated it; *rpcsession.Context
// satisfies this structurally, again avoiding an import cycle.
type ReferenceTracker interface {
	AddReference(poaIdx uint16, oid uint64) bool
}

type slotEntry struct {
	servant Servant
	flags   ActivationFlag
}

// Poa is built once via New/Builder and is immutable afterward except
// for its slot table.
type Poa struct {
	index          uint16
	maxObjects     int
	lifespan       Lifespan
	idPolicy       ObjectIdPolicy
	permittedFlags ActivationFlag

	table *reftable.Table

	userMu       sync.RWMutex
	userSupplied map[uint64]*slotEntry
}

func (p *Poa) mu() *sync.RWMutex { return &p.userMu }

// Builder configures a Poa before New creates it: options accumulate
// on the Builder, and the result is immutable once built.
type Builder struct {
	index          uint16
	maxObjects     int
	lifespan       Lifespan
	idPolicy       ObjectIdPolicy
	permittedFlags ActivationFlag
}

func NewBuilder(index uint16) *Builder {
	return &Builder{
		index:          index,
		maxObjects:     1024,
		lifespan:       Transient,
		idPolicy:       SystemGenerated,
		permittedFlags: FlagAll,
	}
}

func (b *Builder) MaxObjects(n int) *Builder           { b.maxObjects = n; return b }
func (b *Builder) WithLifespan(l Lifespan) *Builder    { b.lifespan = l; return b }
func (b *Builder) WithIdPolicy(p ObjectIdPolicy) *Builder { b.idPolicy = p; return b }
func (b *Builder) PermittedFlags(f ActivationFlag) *Builder { b.permittedFlags = f; return b }

func (b *Builder) Build() *Poa {
	return &Poa{
		index:          b.index,
		maxObjects:     b.maxObjects,
		lifespan:       b.lifespan,
		idPolicy:       b.idPolicy,
		permittedFlags: b.permittedFlags,
		table:          reftable.New(b.maxObjects),
	}
}

func (p *Poa) Index() uint16            { return p.index }
func (p *Poa) Lifespan() Lifespan       { return p.lifespan }
func (p *Poa) IdPolicy() ObjectIdPolicy { return p.idPolicy }
func (p *Poa) MaxObjects() int          { return p.maxObjects }

// Activate claims a fresh system-generated id for servant. It is
// rejected for a UserSupplied POA. tracker may be nil for a Persistent
// POA (there is no session to tie the object's lifetime to); a
// Transient POA with a non-nil tracker joins the new object to that
// tracker's reference list, so it gets deactivated when the tracker's
// owning session tears down.
func (p *Poa) Activate(tracker ReferenceTracker, servant Servant, flags ActivationFlag) (uint64, error) {
	if p.idPolicy != SystemGenerated {
		return 0, nprpcerr.New(nprpcerr.KindProtocolError, "activate: POA requires activate_with_id (UserSupplied policy)")
	}
	if flags&^p.permittedFlags != 0 {
		return 0, nprpcerr.New(nprpcerr.KindProtocolError, "activate: flags exceed POA's permitted transport mask")
	}
	id, err := p.table.Add(&slotEntry{servant: servant, flags: flags})
	if err != nil {
		return 0, err
	}
	if p.lifespan == Transient && tracker != nil {
		tracker.AddReference(p.index, id)
	}
	return id, nil
}

// ActivateWithID is the only activation path for a UserSupplied POA;
// id must fall within [0, maxObjects) and be unique within the POA (a
// caller-chosen "id" here is the slot index, which reftable.Add does
// not let a caller pick directly — UserSupplied POAs therefore drive
// slot selection themselves and register the resulting id<->servant
// mapping through this explicit map instead of the generation-tagged
// table used by SystemGenerated activation). tracker follows the same
// Transient-wiring rule as Activate.
func (p *Poa) ActivateWithID(tracker ReferenceTracker, id uint64, servant Servant, flags ActivationFlag) error {
	if p.idPolicy != UserSupplied {
		return nprpcerr.New(nprpcerr.KindProtocolError, "activate_with_id: POA uses SystemGenerated policy, call Activate instead")
	}
	if flags&^p.permittedFlags != 0 {
		return nprpcerr.New(nprpcerr.KindProtocolError, "activate_with_id: flags exceed POA's permitted transport mask")
	}
	if id >= uint64(p.maxObjects) {
		return nprpcerr.New(nprpcerr.KindProtocolError, "activate_with_id: id out of range [0, max_objects)")
	}
	p.mu().Lock()
	defer p.mu().Unlock()
	if p.userSupplied == nil {
		p.userSupplied = make(map[uint64]*slotEntry)
	}
	if _, exists := p.userSupplied[id]; exists {
		return nprpcerr.New(nprpcerr.KindProtocolError, "activate_with_id: id already in use within this POA")
	}
	p.userSupplied[id] = &slotEntry{servant: servant, flags: flags}
	if p.lifespan == Transient && tracker != nil {
		tracker.AddReference(p.index, id)
	}
	return nil
}

// Deactivate removes the slot for id, whichever activation path
// created it.
func (p *Poa) Deactivate(id uint64) bool {
	if p.idPolicy == UserSupplied {
		p.mu().Lock()
		defer p.mu().Unlock()
		if _, ok := p.userSupplied[id]; ok {
			delete(p.userSupplied, id)
			return true
		}
		return false
	}
	return p.table.Remove(id)
}

// Lookup resolves id to its servant and permitted-transport mask.
func (p *Poa) Lookup(id uint64) (Servant, ActivationFlag, bool) {
	if p.idPolicy == UserSupplied {
		p.mu().RLock()
		defer p.mu().RUnlock()
		e, ok := p.userSupplied[id]
		if !ok {
			return nil, 0, false
		}
		return e.servant, e.flags, true
	}
	v, ok := p.table.Get(id)
	if !ok {
		return nil, 0, false
	}
	e := v.(*slotEntry)
	return e.servant, e.flags, true
}
