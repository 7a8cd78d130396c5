package nprpc

import (
	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/poa"
	"github.com/sagernet/nprpc/rpcsession"
)

// Servant is implemented by every server-side object activated in a
// POA. ClassID satisfies poa.Servant so a Servant can be stored
// directly in a Poa's slot table; Interfaces lists the interface
// indices it answers dispatch for, and Dispatch decodes one call's
// arguments and marshals its reply.
type Servant interface {
	ClassID() string
	Interfaces() []uint8
	Dispatch(ctx *rpcsession.Context, interfaceIdx, functionIdx uint8, args *flatbuf.Buffer, reply *flatbuf.Buffer) error
}

var _ poa.Servant = Servant(nil)

// servesInterface reports whether s answers calls for interfaceIdx.
func servesInterface(s Servant, interfaceIdx uint8) bool {
	for _, i := range s.Interfaces() {
		if i == interfaceIdx {
			return true
		}
	}
	return false
}
