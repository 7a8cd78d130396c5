package shmring

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestTryWriteReadRoundtrip(t *testing.T) {
	r := New(1024)
	msg := []byte("hello world")

	ok, err := r.TryWrite(msg)
	if err != nil || !ok {
		t.Fatalf("write failed: ok=%v err=%v", ok, err)
	}

	buf := make([]byte, 64)
	n, ok, err := r.TryRead(buf)
	if err != nil || !ok {
		t.Fatalf("read failed: ok=%v err=%v", ok, err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q want %q", buf[:n], msg)
	}
}

func TestReadEmptyRingReturnsFalse(t *testing.T) {
	r := New(64)
	buf := make([]byte, 16)
	_, ok, err := r.TryRead(buf)
	if err != nil || ok {
		t.Fatalf("expected empty read to fail cleanly, ok=%v err=%v", ok, err)
	}
}

func TestOrderingStrict(t *testing.T) {
	r := New(256)
	msgs := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")}
	for _, m := range msgs {
		if ok, err := r.TryWrite(m); err != nil || !ok {
			t.Fatalf("write %q: ok=%v err=%v", m, ok, err)
		}
	}
	buf := make([]byte, 16)
	for _, want := range msgs {
		n, ok, err := r.TryRead(buf)
		if err != nil || !ok {
			t.Fatalf("read: ok=%v err=%v", ok, err)
		}
		if string(buf[:n]) != string(want) {
			t.Fatalf("got %q want %q", buf[:n], want)
		}
	}
}

func TestNonCorruptionUnderContention(t *testing.T) {
	const capacity = 4096
	const totalTarget = capacity * 10

	r := New(capacity)
	rng := rand.New(rand.NewSource(1))

	var want [][]byte
	total := 0
	for total < totalTarget {
		size := 1 + rng.Intn(200)
		b := make([]byte, size)
		for i := range b {
			b[i] = byte(total + i)
		}
		want = append(want, b)
		total += size
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, m := range want {
			for {
				ok, err := r.TryWrite(m)
				if err != nil {
					t.Errorf("write error: %v", err)
					return
				}
				if ok {
					break
				}
				time.Sleep(time.Microsecond)
			}
		}
	}()

	buf := make([]byte, 4096)
	for i, m := range want {
		n, ok, err := r.ReadWithTimeout(buf, 2*time.Second)
		if err != nil {
			t.Fatalf("read error at %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("timed out waiting for message %d", i)
		}
		if n != len(m) {
			t.Fatalf("message %d: got len %d want %d", i, n, len(m))
		}
		for j := range m {
			if buf[j] != m[j] {
				t.Fatalf("message %d byte %d corrupted: got %d want %d", i, j, buf[j], m[j])
			}
		}
	}
	<-done
}

func TestWrapAroundSkipSentinel(t *testing.T) {
	r := New(32)
	// fill close to the boundary to force a wrap.
	for i := 0; i < 100; i++ {
		msg := []byte(fmt.Sprintf("m%d", i))
		for {
			ok, err := r.TryWrite(msg)
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			if ok {
				break
			}
			buf := make([]byte, 32)
			if _, ok, err := r.TryRead(buf); err != nil {
				t.Fatalf("drain read: %v", err)
			} else if !ok {
				t.Fatalf("ring stuck full with nothing to drain")
			}
		}
		buf := make([]byte, 32)
		n, ok, err := r.TryRead(buf)
		if err != nil || !ok {
			t.Fatalf("read after write %d: ok=%v err=%v", i, ok, err)
		}
		if string(buf[:n]) != string(msg) {
			t.Fatalf("iter %d: got %q want %q", i, buf[:n], msg)
		}
	}
}
