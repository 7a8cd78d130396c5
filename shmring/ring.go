// Package shmring implements a lock-free single-producer/single-
// consumer byte ring: monotonic 64-bit write/read indices modulo
// capacity, a length-prefixed message framing, a wraparound skip
// sentinel, and a mutex+condvar used only to sleep the reader when the
// ring is empty. The fast path never takes a lock.
//
// Grounded on the mmap + atomic-load-on-mapped-memory pattern from
// ehrlich-b-go-ublk's queue runner (golang.org/x/sys/unix.Mmap backing
// a page the kernel/another process also maps), generalized from a
// device descriptor ring to a byte-message ring shared between two
// nprpc processes.
package shmring

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/nprpc/internal/nprpcerr"
)

const (
	lenPrefixSize = 4
	skipSentinel  = 0xFFFFFFFF
)

// Ring is strictly single-producer/single-consumer: exactly one
// goroutine (or process) ever calls the write-path methods, and exactly
// one ever calls the read-path methods. Sharing a side across multiple
// callers is a programmer error the type does not attempt to detect.
type Ring struct {
	data     []byte
	capacity uint64

	writeIdx atomic.Uint64
	readIdx  atomic.Uint64

	mu   sync.Mutex
	cond *sync.Cond

	closer func() error // unmaps/unlinks backing storage, if any
}

// New creates an in-process ring backed by a plain heap allocation —
// useful for unit tests and for same-process producer/consumer pairs
// that don't need cross-process sharing.
func New(capacity int) *Ring {
	r := &Ring{
		data:     make([]byte, capacity),
		capacity: uint64(capacity),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// NewOverBuffer adapts an already-mapped byte slice (e.g. from
// shmring.MapShared) into a Ring without copying it.
func NewOverBuffer(buf []byte, closer func() error) *Ring {
	r := &Ring{
		data:     buf,
		capacity: uint64(len(buf)),
		closer:   closer,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Close releases any backing shared-memory mapping. Safe to call on a
// heap-backed ring (no-op).
func (r *Ring) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}

func (r *Ring) free() uint64 {
	return r.capacity - (r.writeIdx.Load() - r.readIdx.Load())
}

// IsEmpty reports whether the reader has caught up to the writer.
func (r *Ring) IsEmpty() bool {
	return r.readIdx.Load() == r.writeIdx.Load()
}

// WriteReservation is the RAII-style write-side guard: it carries the
// reservation and the caller must CommitWrite it exactly once. There is
// no discard method; a reservation that is never committed publishes
// nothing.
type WriteReservation struct {
	ring     *Ring
	lenPos   uint64 // absolute index of the length prefix
	Payload  []byte // writable region, len == the space granted
	maxSize  int
	actual   int
	finished bool
}

// TryReserveWrite grants up to maxSize contiguous writable bytes. It
// fails (ErrWouldBlock-equivalent, nil reservation) if there is not
// enough free space. If the message would straddle the ring's wrap
// boundary, a skip sentinel is written first and the reservation starts
// at offset 0 instead — transparent to the caller.
func (r *Ring) TryReserveWrite(maxSize int) (*WriteReservation, bool) {
	need := uint64(lenPrefixSize + maxSize)
	if r.free() < need {
		return nil, false
	}

	w := r.writeIdx.Load()
	pos := w % r.capacity
	if r.capacity-pos < need {
		// would straddle the wrap boundary: stamp a skip record for
		// the remainder of this lap and retry at offset 0.
		remaining := r.capacity - pos
		if remaining >= lenPrefixSize {
			binary.LittleEndian.PutUint32(r.data[pos:], skipSentinel)
		}
		w += remaining
		// re-check free space as of the post-skip write position: the
		// skip record consumes `remaining` bytes of this lap before any
		// of the requested message can be written, so the plain r.free()
		// (computed from the not-yet-advanced writeIdx) would silently
		// ignore them and let a near-full ring over-commit across the
		// wrap boundary.
		if r.capacity-(w-r.readIdx.Load()) < need {
			return nil, false
		}
		pos = 0
	}

	lenPos := w
	payload := r.data[(lenPos+lenPrefixSize)%r.capacity:]
	if uint64(len(payload)) > uint64(maxSize) {
		payload = payload[:maxSize]
	}
	return &WriteReservation{ring: r, lenPos: lenPos, Payload: payload, maxSize: maxSize}, true
}

// CommitWrite stamps the length prefix with release ordering, publishes
// by advancing write_idx, and wakes one waiting reader.
func (w *WriteReservation) CommitWrite(actual int) error {
	if w.finished {
		return nprpcerr.New(nprpcerr.KindProtocolError, "reservation already committed")
	}
	if actual < 0 || actual > w.maxSize {
		return nprpcerr.New(nprpcerr.KindBadFrame, "commit size out of reservation bounds")
	}
	w.finished = true
	w.actual = actual

	r := w.ring
	pos := w.lenPos % r.capacity
	binary.LittleEndian.PutUint32(r.data[pos:], uint32(actual))

	newIdx := w.lenPos + lenPrefixSize + uint64(actual)
	r.writeIdx.Store(newIdx)

	r.mu.Lock()
	r.cond.Signal()
	r.mu.Unlock()
	return nil
}

// CommitView implements flatbuf.Committer so a view-mode Buffer can be
// built directly over Payload and commit itself when the marshaller is
// done, without the buffer needing to know about rings.
func (w *WriteReservation) CommitView(n int) error { return w.CommitWrite(n) }

// TryWrite is reserve+memcpy+commit for callers that don't need
// zero-copy marshalling directly into ring memory.
func (r *Ring) TryWrite(data []byte) (bool, error) {
	res, ok := r.TryReserveWrite(len(data))
	if !ok {
		return false, nil
	}
	copy(res.Payload, data)
	return true, res.CommitWrite(len(data))
}

// ReadView is the RAII-style read-side guard: the caller must Commit it
// (or Discard, for a read that turns out to be unusable) exactly once.
// Until committed, the reader must not advance past it — observing
// successive views without committing the first would let the writer
// believe that space is still occupied, which is the desired effect
// while the caller is still dereferencing Data zero-copy.
type ReadView struct {
	ring       *Ring
	nextIdx    uint64
	Data       []byte
	finished   bool
}

// TryReadView returns a zero-copy view of the next message, or
// (nil,false) if the ring is empty. Skip sentinels are consumed
// transparently.
func (r *Ring) TryReadView() (*ReadView, bool) {
	for {
		rd := r.readIdx.Load()
		if rd == r.writeIdx.Load() {
			return nil, false
		}
		pos := rd % r.capacity
		if r.capacity-pos < lenPrefixSize {
			// header itself would straddle; writer never does this,
			// but guard defensively by skipping to the boundary.
			r.readIdx.Store(rd + (r.capacity - pos))
			continue
		}
		length := binary.LittleEndian.Uint32(r.data[pos:])
		if length == skipSentinel {
			r.readIdx.Store(rd + (r.capacity - pos))
			continue
		}
		payloadStart := (pos + lenPrefixSize) % r.capacity
		if uint64(payloadStart)+uint64(length) > r.capacity {
			// never happens given the writer's wrap discipline, but
			// guards against a corrupted ring rather than panicking.
			return nil, false
		}
		data := r.data[payloadStart : payloadStart+uint64(length)]
		return &ReadView{ring: r, nextIdx: rd + lenPrefixSize + uint64(length), Data: data}, true
	}
}

// CommitRead publishes read_idx, allowing the writer to reuse the
// space.
func (v *ReadView) CommitRead() error {
	if v.finished {
		return nprpcerr.New(nprpcerr.KindProtocolError, "view already committed")
	}
	v.finished = true
	v.ring.readIdx.Store(v.nextIdx)
	return nil
}

// Discard is an alias for CommitRead for call sites that want to make
// clear they are not keeping the data, only freeing the slot.
func (v *ReadView) Discard() error { return v.CommitRead() }

// TryRead is view+memcpy+commit.
func (r *Ring) TryRead(buf []byte) (int, bool, error) {
	v, ok := r.TryReadView()
	if !ok {
		return 0, false, nil
	}
	n := copy(buf, v.Data)
	if err := v.CommitRead(); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// ReadWithTimeout blocks on the condvar until data is available or d
// elapses, then attempts a read.
func (r *Ring) ReadWithTimeout(buf []byte, d time.Duration) (int, bool, error) {
	deadline := time.Now().Add(d)

	for r.IsEmpty() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false, nil
		}
		if !r.waitOrTimeout(remaining) {
			return 0, false, nil
		}
	}
	return r.TryRead(buf)
}

// waitOrTimeout waits on the condvar for up to d, returning false on
// timeout. sync.Cond has no native timeout, so a helper goroutine wakes
// it at the deadline instead of inventing a new sleep primitive just
// for this one call site.
func (r *Ring) waitOrTimeout(d time.Duration) bool {
	timer := time.AfterFunc(d, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.IsEmpty() {
		return true
	}
	r.cond.Wait()
	return !r.IsEmpty()
}
