// Package ws implements the WebSocket transport: one binary message per
// RPC frame over a gorilla/websocket connection, with writes
// serialized behind a mutex the way benitogf/ooo's stream.Conn wraps
// websocket.Conn — gorilla's docs (and that pack example) call out that
// concurrent writers on one *websocket.Conn are not supported, so every
// transport built on it needs exactly this guard.
package ws

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/rpcsession"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 << 20,
	WriteBufferSize: 4 << 20,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to rpcsession.Transport. It does not
// implement rpcsession.Reconnector: the automatic reconnect the session
// attempts on a transient reset is TCP-specific, and a WebSocket
// handshake is expensive enough that silently redialing mid-session
// would surprise callers more than it'd help.
type Conn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func wrap(c *websocket.Conn) *Conn { return &Conn{c: c} }

// Dial opens a client-side WebSocket connection to url (ws:// or
// wss://).
func Dial(rawURL string, header http.Header) (*Conn, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("ws: parse url: %w", err)
	}
	c, _, err := websocket.DefaultDialer.Dial(rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", rawURL, err)
	}
	return wrap(c), nil
}

// Upgrade promotes an inbound HTTP request to a WebSocket connection,
// for use inside an http.Handler passed to transport/tcp-style serving
// via net/http instead.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return wrap(c), nil
}

// Send writes one frame as a single binary WebSocket message.
func (t *Conn) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.WriteMessage(websocket.BinaryMessage, frame)
}

// Recv reads the next binary message. Non-binary messages (e.g. a
// stray text ping payload) are dropped and the read retried, since the
// wire protocol is binary-only.
func (t *Conn) Recv() ([]byte, error) {
	for {
		mt, data, err := t.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(data) > rpcsession.MaxMessageSize {
			return nil, nprpcerr.MessageTooLarge
		}
		return data, nil
	}
}

func (t *Conn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.Close()
}

// SetDeadlines applies read/write deadlines the way a long-lived
// duplex session transport typically needs, mirroring
// streamspace-dev-streamspace's websocket hub keepalive handling.
func (t *Conn) SetDeadlines(read, write time.Duration) {
	if read > 0 {
		t.c.SetReadDeadline(time.Now().Add(read))
	}
	if write > 0 {
		t.c.SetWriteDeadline(time.Now().Add(write))
	}
}
