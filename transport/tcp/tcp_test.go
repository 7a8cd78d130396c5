package tcp

import (
	"testing"
	"time"
)

func TestSendRecvRoundtrip(t *testing.T) {
	accepted := make(chan *Conn, 1)
	ln, err := Listen("127.0.0.1:0", func(c *Conn) {
		accepted <- c
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	client, err := Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("client send: %v", err)
	}

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	defer server.Close()

	got, err := server.Recv()
	if err != nil {
		t.Fatalf("server recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}

	if err := server.Send([]byte("world")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	reply, err := client.Recv()
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if string(reply) != "world" {
		t.Fatalf("got %q want %q", reply, "world")
	}
}

func TestRecvRejectsOversizeLength(t *testing.T) {
	accepted := make(chan *Conn, 1)
	ln, err := Listen("127.0.0.1:0", func(c *Conn) { accepted <- c })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	client, err := Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var hdr [4]byte
	hdr[0], hdr[1], hdr[2], hdr[3] = 0xff, 0xff, 0xff, 0x7f
	if _, err := client.c.Write(hdr[:]); err != nil {
		t.Fatalf("write oversize header: %v", err)
	}

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	defer server.Close()

	if _, err := server.Recv(); err == nil {
		t.Fatal("expected oversize length to be rejected")
	}
}
