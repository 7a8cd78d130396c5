package nprpc

import "fmt"

// EndPointKind discriminates the transport an EndPoint addresses.
// Tethered variants are only ever valid for the lifetime of the inbound
// session that produced them; nprpc never dials a tethered endpoint
// itself, it only resolves it back onto the originating session.
type EndPointKind uint8

const (
	TCP EndPointKind = iota
	TcpTethered
	WebSocket
	WebSocketTethered
	Http
	SharedMemory
	SharedMemoryTethered
	Udp
	Quic
)

func (k EndPointKind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case TcpTethered:
		return "tcp-tethered"
	case WebSocket:
		return "websocket"
	case WebSocketTethered:
		return "websocket-tethered"
	case Http:
		return "http"
	case SharedMemory:
		return "shared-memory"
	case SharedMemoryTethered:
		return "shared-memory-tethered"
	case Udp:
		return "udp"
	case Quic:
		return "quic"
	default:
		return "unknown"
	}
}

// IsTethered reports whether this kind is only valid within an already
// established inbound session (never dialed anew).
func (k EndPointKind) IsTethered() bool {
	switch k {
	case TcpTethered, WebSocketTethered, SharedMemoryTethered:
		return true
	default:
		return false
	}
}

// EndPoint is a discriminated record addressing a transport-level
// destination: IPv4 host + port for socket transports, or a channel id
// string for shared memory. Equality is structural.
type EndPoint struct {
	Kind EndPointKind
	Host string // dotted IPv4, or a SHM channel id when Kind is SharedMemory*
	Port uint16
	Ssl  bool
}

// Equal compares two endpoints field by field.
func (e EndPoint) Equal(o EndPoint) bool {
	return e.Kind == o.Kind && e.Host == o.Host && e.Port == o.Port && e.Ssl == o.Ssl
}

func (e EndPoint) String() string {
	if e.Kind == SharedMemory || e.Kind == SharedMemoryTethered {
		return fmt.Sprintf("%s:%s", e.Kind, e.Host)
	}
	scheme := ""
	if e.Ssl {
		scheme = "s"
	}
	return fmt.Sprintf("%s%s://%s:%d", e.Kind, scheme, e.Host, e.Port)
}
