package rpcsession

import (
	"sync"

	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/streammgr"
)

// RefEntry is one object handed over this session, tracked so the peer
// can be told to release it on disconnect.
type RefEntry struct {
	PoaIdx uint16
	OID    uint64
}

// TransportKind identifies which physical transport a Context's calls
// arrived over, so a POA's permitted-transport mask can be enforced at
// dispatch time rather than only at activation time.
type TransportKind uint8

const (
	TransportUnknown TransportKind = iota
	TransportTCP
	TransportWebSocket
	TransportHTTP
	TransportSharedMemory
	TransportUDP
)

// Context is the per-dispatch state a servant sees while handling one
// call: the owning Session, cookies, and borrowed buffers. RxBuffer and
// TxBuffer are only valid for the duration of a single dispatch and
// must never be retained past it.
type Context struct {
	Session       *Session
	TransportKind TransportKind

	mu            sync.Mutex
	referenceList []RefEntry

	ShmChannel  any // *shmchannel.Channel when the session rides over SHM; left as any to avoid an import cycle
	RxBuffer    *flatbuf.Buffer
	TxBuffer    *flatbuf.Buffer
	StreamMgr   *streammgr.Manager

	Cookies    map[string]string
	SetCookies map[string]string
}

func newContext(sess *Session) *Context {
	return &Context{
		Session:    sess,
		Cookies:    make(map[string]string),
		SetCookies: make(map[string]string),
	}
}

// NewStandaloneContext builds a Context with no owning Session, for
// transports like HTTP that dispatch one request/response pair at a
// time instead of riding a persistent Session.
func NewStandaloneContext() *Context {
	return newContext(nil)
}

// AddReference records that oid/poaIdx was handed to the peer over this
// session, bounded by MaxReferencesPerSession.
func (c *Context) AddReference(poaIdx uint16, oid uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.referenceList) >= MaxReferencesPerSession {
		return false
	}
	c.referenceList = append(c.referenceList, RefEntry{PoaIdx: poaIdx, OID: oid})
	return true
}

// DrainReferences removes and returns every tracked reference, used on
// session teardown to release tethered objects exactly once.
func (c *Context) DrainReferences() []RefEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.referenceList
	c.referenceList = nil
	return out
}

// RemoveReference drops a single tracked reference ahead of session
// teardown, used when the peer's last proxy handle for (poaIdx, oid)
// drops and sends an explicit release notification instead of waiting
// for disconnect to imply it.
func (c *Context) RemoveReference(poaIdx uint16, oid uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.referenceList {
		if e.PoaIdx == poaIdx && e.OID == oid {
			c.referenceList = append(c.referenceList[:i], c.referenceList[i+1:]...)
			return true
		}
	}
	return false
}
