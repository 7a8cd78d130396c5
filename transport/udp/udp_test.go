package udp

import (
	"net"
	"testing"
	"time"
)

func makeDatagram(requestID uint32, payload byte) []byte {
	buf := make([]byte, 16)
	buf[6] = byte(requestID)
	buf[7] = byte(requestID >> 8)
	buf[8] = byte(requestID >> 16)
	buf[9] = byte(requestID >> 24)
	buf[15] = payload
	return buf
}

func TestReliableRoundtripCancelsTimer(t *testing.T) {
	serverRecv := make(chan []byte, 1)
	server, err := Listen("127.0.0.1:0", func(addr *net.UDPAddr, payload []byte) {
		serverRecv <- payload
	})
	if err != nil {
		t.Fatalf("Listen server: %v", err)
	}
	defer server.Close()

	client, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen client: %v", err)
	}
	defer client.Close()

	serverAddr := server.LocalAddr().(*net.UDPAddr)

	done := make(chan struct{})
	var gotReply []byte
	var gotErr error
	_, err = client.SendReliable(serverAddr, func(reqID uint32) []byte {
		return makeDatagram(reqID, 42)
	}, 200*time.Millisecond, 3, func(payload []byte, err error) {
		gotReply, gotErr = payload, err
		close(done)
	})
	if err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	var req []byte
	select {
	case req = <-serverRecv:
	case <-time.After(time.Second):
		t.Fatal("server never received request")
	}
	reqID, _ := extractRequestID(req)

	if err := server.SendUnreliable(clientAddrOf(t, client), makeDatagram(reqID, 99)); err != nil {
		t.Fatalf("server reply: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reliable call never completed")
	}
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if len(gotReply) == 0 || gotReply[15] != 99 {
		t.Fatalf("unexpected reply payload: %v", gotReply)
	}
}

func clientAddrOf(t *testing.T, c *Transport) *net.UDPAddr {
	t.Helper()
	addr, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("expected *net.UDPAddr")
	}
	return addr
}

func TestReliableCallTimesOutAfterMaxRetries(t *testing.T) {
	client, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen client: %v", err)
	}
	defer client.Close()

	// a closed destination socket: nothing ever replies.
	blackhole, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("blackhole listen: %v", err)
	}
	deadAddr := blackhole.LocalAddr().(*net.UDPAddr)
	blackhole.Close()

	done := make(chan error, 1)
	_, err = client.SendReliable(deadAddr, func(reqID uint32) []byte {
		return makeDatagram(reqID, 1)
	}, 20*time.Millisecond, 1, func(payload []byte, err error) {
		done <- err
	})
	if err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected timeout error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reliable call never timed out")
	}
}
