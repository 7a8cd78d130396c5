//go:build unix

package shmchannel

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sagernet/nprpc/shmring"
)

func TestCreatorClientRoundtrip(t *testing.T) {
	channelID := "test-" + uuid.NewString()

	creator, err := NewAsCreator(channelID, 64<<10)
	if err != nil {
		t.Fatalf("NewAsCreator: %v", err)
	}
	defer creator.Close()

	// Connect writes its handshake into the listener's accept ring, so
	// one must exist even though no listener reads it in this test.
	listenerName := "test-accept-" + uuid.NewString()[:8]
	acceptRing, err := shmring.MapShared(acceptName(listenerName), DefaultRingCapacity, true)
	if err != nil {
		t.Fatalf("create accept ring: %v", err)
	}
	defer acceptRing.Close()

	client, err := Connect(listenerName, channelID, 64<<10)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("client send: %v", err)
	}

	got := make(chan string, 1)
	stop := make(chan struct{})
	go creator.ReadLoop(func(frame []byte) error {
		got <- string(frame)
		close(stop)
		return nil
	}, stop)

	select {
	case msg := <-got:
		if msg != "ping" {
			t.Fatalf("got %q want %q", msg, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestListenerAcceptHandshake(t *testing.T) {
	listenerName := "test-listener-" + uuid.NewString()[:8]

	accepted := make(chan *Channel, 1)
	l, err := Listen(listenerName, 64<<10, func(ch *Channel) {
		accepted <- ch
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	client, err := ConnectNew(listenerName, 64<<10)
	if err != nil {
		t.Fatalf("ConnectNew: %v", err)
	}
	defer client.Close()

	select {
	case ch := <-accepted:
		defer ch.Close()
		if ch.ID != client.ID {
			t.Fatalf("accepted channel id %q != client %q", ch.ID, client.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted connection")
	}
}

func TestConnectTimesOutWithoutListener(t *testing.T) {
	var once sync.Once
	done := make(chan struct{})
	go func() {
		defer once.Do(func() { close(done) })
		_, _ = Connect("no-such-listener-"+uuid.NewString(), "chan-"+uuid.NewString(), 64<<10)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Connect against a missing accept ring should fail fast, not hang")
	}
}
