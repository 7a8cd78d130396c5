package rpcsession

import (
	"io"
	"sync"
	"testing"
	"time"
)

// pipeTransport is an in-memory Transport backed by buffered channels,
// standing in for a real socket so the state machine can be exercised
// without the network.
type pipeTransport struct {
	out    chan []byte
	in     chan []byte
	mu     sync.Mutex
	closed bool
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &pipeTransport{out: ab, in: ba}
	b := &pipeTransport{out: ba, in: ab}
	return a, b
}

func (p *pipeTransport) Send(frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	p.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	p.out <- cp
	return nil
}

func (p *pipeTransport) Recv() ([]byte, error) {
	f, ok := <-p.in
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
	return nil
}

func makeFrame(msgID byte, requestID uint32) []byte {
	f := make([]byte, HeaderSizeForTest)
	f[msgIDOffset] = msgID
	f[6] = byte(requestID)
	f[7] = byte(requestID >> 8)
	f[8] = byte(requestID >> 16)
	f[9] = byte(requestID >> 24)
	return f
}

// HeaderSizeForTest mirrors the root package's 16-byte header so test
// frames are shaped like real wire frames without importing nprpc.
const HeaderSizeForTest = 16

func TestSendReceiveFIFOCorrelation(t *testing.T) {
	clientT, serverT := newPipePair()

	serverHandler := func(ctx *Context, frame []byte) ([]byte, error) {
		reply := makeFrame(2, 0)
		return reply, nil
	}
	server := New(serverT, serverHandler, nil, nil, nil)
	defer server.Close()

	client := New(clientT, nil, nil, nil, nil)
	defer client.Close()

	for i := 0; i < 5; i++ {
		reqID := client.NextRequestID()
		reply, err := client.SendReceive(reqID, makeFrame(msgFunctionCall, reqID), time.Second)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if len(reply) == 0 {
			t.Fatalf("request %d: empty reply", i)
		}
	}
}

func TestSendReceiveTimeout(t *testing.T) {
	clientT, serverT := newPipePair()
	// server never replies.
	server := New(serverT, func(ctx *Context, frame []byte) ([]byte, error) {
		return nil, nil
	}, nil, nil, nil)
	defer server.Close()

	client := New(clientT, nil, nil, nil, nil)
	defer client.Close()

	reqID := client.NextRequestID()
	_, err := client.SendReceive(reqID, makeFrame(200, reqID), 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestCloseFailsOutstandingWork(t *testing.T) {
	clientT, serverT := newPipePair()
	_ = serverT

	client := New(clientT, nil, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		reqID := client.NextRequestID()
		_, err := client.SendReceive(reqID, makeFrame(200, reqID), time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after session close")
		}
	case <-time.After(time.Second):
		t.Fatal("SendReceive did not unblock after Close")
	}
}

func TestEnqueueRejectsOversizeFrame(t *testing.T) {
	clientT, _ := newPipePair()
	client := New(clientT, nil, nil, nil, nil)
	defer client.Close()

	big := make([]byte, MaxMessageSize+1)
	_, err := client.SendReceive(1, big, time.Second)
	if err == nil {
		t.Fatal("expected message-too-large error")
	}
}
