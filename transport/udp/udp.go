// Package udp implements the datagram transport: unreliable
// fire-and-forget sends keyed by request_id == 0, and a reliable mode
// with a per-request retry timer layered on top of the same socket.
package udp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/nprpc/internal/nprpcerr"
)

// DefaultMaxDatagramSize is a conservative MTU-safe payload ceiling.
const DefaultMaxDatagramSize = 1200

// requestIDOffset mirrors the root package's 16-byte Header layout
// (size u32, msg_id u8, msg_type u8, request_id u32); duplicated here
// rather than imported to keep this transport free of a dependency on
// the nprpc package that wires it in.
const requestIDOffset = 6

func extractRequestID(payload []byte) (uint32, bool) {
	if len(payload) < requestIDOffset+4 {
		return 0, false
	}
	id := uint32(payload[requestIDOffset]) |
		uint32(payload[requestIDOffset+1])<<8 |
		uint32(payload[requestIDOffset+2])<<16 |
		uint32(payload[requestIDOffset+3])<<24
	return id, true
}

// ResponseHandler receives either the matched reply payload or a
// timeout error once retries are exhausted.
type ResponseHandler func(payload []byte, err error)

type pendingCall struct {
	handler    ResponseHandler
	saved      []byte
	timer      *time.Timer
	retryCount int
	maxRetries int
	timeout    time.Duration
}

// Transport is a UDP socket shared by every (host, port) peer this
// process talks to; pending reliable calls are tracked by request_id.
type Transport struct {
	conn *net.UDPConn

	nextRequestID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingCall

	onDatagram func(addr *net.UDPAddr, payload []byte)

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen opens addr ("" for an ephemeral client-only socket, or a
// concrete "host:port" to also serve inbound requests) and starts the
// read loop. onDatagram is called for every datagram that is not a
// match for a pending reliable call's request_id (i.e. unsolicited
// inbound requests the caller should dispatch).
func Listen(addr string, onDatagram func(addr *net.UDPAddr, payload []byte)) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", addr, err)
	}
	t := &Transport{
		conn:       conn,
		pending:    make(map[uint32]*pendingCall),
		onDatagram: onDatagram,
		closed:     make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// SendUnreliable emits payload unchanged as one datagram and returns
// immediately; there is no ack and no retransmit. It does not touch the
// payload's request_id.
func (t *Transport) SendUnreliable(dst *net.UDPAddr, payload []byte) error {
	if len(payload) > DefaultMaxDatagramSize {
		return nprpcerr.MessageTooLarge
	}
	_, err := t.conn.WriteToUDP(payload, dst)
	return err
}

// SendReliable allocates a fresh request_id, registers a pending call,
// and arms a retry timer. buildFrame receives the allocated id so the
// caller can stamp it into the outgoing payload before the first send.
func (t *Transport) SendReliable(dst *net.UDPAddr, buildFrame func(requestID uint32) []byte, timeout time.Duration, maxRetries int, handler ResponseHandler) (uint32, error) {
	reqID := t.nextRequestID.Add(1)
	frame := buildFrame(reqID)
	if len(frame) > DefaultMaxDatagramSize {
		return 0, nprpcerr.MessageTooLarge
	}

	call := &pendingCall{handler: handler, saved: frame, maxRetries: maxRetries, timeout: timeout}
	t.mu.Lock()
	t.pending[reqID] = call
	t.mu.Unlock()

	call.timer = time.AfterFunc(timeout, func() { t.onTimer(dst, reqID) })

	if _, err := t.conn.WriteToUDP(frame, dst); err != nil {
		t.cancelPending(reqID)
		return 0, err
	}
	return reqID, nil
}

func (t *Transport) onTimer(dst *net.UDPAddr, reqID uint32) {
	t.mu.Lock()
	call, ok := t.pending[reqID]
	if !ok {
		t.mu.Unlock()
		return
	}
	call.retryCount++
	if call.retryCount > call.maxRetries {
		delete(t.pending, reqID)
		t.mu.Unlock()
		call.handler(nil, nprpcerr.Timeout)
		return
	}
	t.mu.Unlock()

	t.conn.WriteToUDP(call.saved, dst)
	call.timer.Reset(call.timeout)
}

func (t *Transport) cancelPending(reqID uint32) {
	t.mu.Lock()
	call, ok := t.pending[reqID]
	if ok {
		delete(t.pending, reqID)
	}
	t.mu.Unlock()
	if ok && call.timer != nil {
		call.timer.Stop()
	}
}

func (t *Transport) readLoop() {
	buf := make([]byte, DefaultMaxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		t.handleDatagram(addr, payload)
	}
}

func (t *Transport) handleDatagram(addr *net.UDPAddr, payload []byte) {
	reqID, ok := extractRequestID(payload)
	if ok && reqID != 0 {
		t.mu.Lock()
		call, found := t.pending[reqID]
		if found {
			delete(t.pending, reqID)
		}
		t.mu.Unlock()
		if found {
			call.timer.Stop()
			call.handler(payload, nil)
			return
		}
	}
	if t.onDatagram != nil {
		t.onDatagram(addr, payload)
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.conn.Close()
}

// PeerCache caches one Transport's-worth of reusable sockets keyed by
// "host:port".
type PeerCache struct {
	mu    sync.Mutex
	conns map[string]*net.UDPConn
}

func NewPeerCache() *PeerCache {
	return &PeerCache{conns: make(map[string]*net.UDPConn)}
}

// Get returns a cached connection to key, dialing a fresh one if none
// exists or the cached one's underlying fd has gone bad.
func (c *PeerCache) Get(key string) (*net.UDPConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[key]; ok {
		// a closed conn rejects deadline changes; drop it and redial.
		if err := conn.SetWriteDeadline(time.Time{}); err == nil {
			return conn, nil
		}
		delete(c.conns, key)
	}
	addr, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	c.conns[key] = conn
	return conn, nil
}

func (c *PeerCache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[string]*net.UDPConn)
}
