// Package tcp implements the TCP transport: length-prefixed
// framing over a plain net.Conn, TCP_NODELAY, 4 MiB socket buffers, and
// a reactor-style acceptor — one goroutine per accepted connection,
// read size then body then hand off to the session.
//
// A raw-epoll single-thread variant was considered and dropped:
// goroutines-per-connection already gets the same dispatch shape
// idiomatically, and epoll has no portable Go equivalent worth
// hand-rolling on top of the runtime's own netpoller.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sagernet/sing/common/bufio"

	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/rpcsession"
)

const (
	lenPrefixSize = 4
	rcvBufSize    = 4 << 20
	sndBufSize    = 4 << 20
)

// Conn adapts a net.Conn to rpcsession.Transport, and implements
// rpcsession.Reconnector so Session can retry exactly once on a
// transient reset.
type Conn struct {
	c    net.Conn
	addr string

	vecWriter  bufio.VectorisedWriter
	vectorised bool
}

// Dial connects to addr and tunes the socket the way the server
// acceptor does.
func Dial(addr string) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	tuneSocket(c)
	return newConn(c, addr), nil
}

func newConn(c net.Conn, addr string) *Conn {
	t := &Conn{c: c, addr: addr}
	t.vecWriter, t.vectorised = bufio.CreateVectorisedWriter(c)
	return t
}

func tuneSocket(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetReadBuffer(rcvBufSize)
		tc.SetWriteBuffer(sndBufSize)
	}
}

// Send writes one [len u32][payload] frame; the length prefix is
// len(frame), derived here, and is not read from or checked against the
// payload's own Header.size field. When the underlying conn
// supports scatter-gather writes (the common case for a *net.TCPConn),
// the prefix and the frame go out as a single vectorised write instead
// of two separate conn.Write calls, the way the teacher's sendLoop
// uses bufio.WriteVectorised for its header+payload pair.
func (t *Conn) Send(frame []byte) error {
	var hdr [lenPrefixSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))

	if t.vectorised {
		_, err := bufio.WriteVectorised(t.vecWriter, [][]byte{hdr[:], frame})
		return err
	}

	if _, err := t.c.Write(hdr[:]); err != nil {
		return err
	}
	_, err := t.c.Write(frame)
	return err
}

// Recv reads one complete frame, blocking until the length prefix and
// then the full body have arrived.
func (t *Conn) Recv() ([]byte, error) {
	var hdr [lenPrefixSize]byte
	if _, err := io.ReadFull(t.c, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > rpcsession.MaxMessageSize {
		return nil, nprpcerr.MessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(t.c, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (t *Conn) Close() error { return t.c.Close() }

// Reconnect redials the same address, backing the session's
// exactly-one-reconnect-attempt handling for connection_reset/
// broken_pipe failures.
func (t *Conn) Reconnect() (rpcsession.Transport, error) {
	return Dial(t.addr)
}

// Listener accepts connections and hands each one, wrapped as a Conn,
// to onAccept in its own goroutine — the reactor acceptor shape.
type Listener struct {
	ln net.Listener
}

// Listen starts accepting TCP connections on addr.
func Listen(addr string, onAccept func(*Conn)) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", addr, err)
	}
	l := &Listener{ln: ln}
	go l.serve(onAccept)
	return l, nil
}

func (l *Listener) serve(onAccept func(*Conn)) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			return
		}
		tuneSocket(c)
		onAccept(newConn(c, c.RemoteAddr().String()))
	}
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }
