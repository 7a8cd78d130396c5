// Package flatbuf implements the growable byte buffer that backs every
// wire frame: owned heap storage in the common case, or a non-owning
// view over foreign memory (a ring-buffer reservation, an mmap'd
// shared-memory region) on the zero-copy hot path.
package flatbuf

import (
	"fmt"

	"github.com/sagernet/nprpc/internal/nprpcerr"
)

const (
	initialCapacity = 512
	// MaxBufferSize bounds owned-mode growth and view-mode prepare.
	MaxBufferSize = 32 << 20
)

// Committer is implemented by a ring-buffer write reservation
// (shmring.WriteReservation); Buffer calls it when a view-mode buffer is committed so the
// backing ring's index can advance. It has nothing to do with owned
// buffers.
type Committer interface {
	CommitView(n int) error
}

// Buffer is the dual-cursor growable byte store the wire protocol reads
// and writes through: in_ <= out_ <= capacity, data() is the readable
// window [in_:out_], and prepare/commit/consume advance the cursors. In
// owned mode the backing array grows geometrically; in view mode it is
// a fixed-size foreign slice and growth past max fails.
type Buffer struct {
	data []byte // owned storage, or the foreign view in view mode
	in   int    // read cursor
	out  int    // write cursor
	max  int    // view-mode ceiling; 0 means owned/unbounded-by-max

	view     bool
	commit   Committer // set for ring-backed views; nil otherwise
}

// New returns an empty owned buffer.
func New() *Buffer {
	return &Buffer{}
}

// NewWithCapacity returns an empty owned buffer pre-sized to n bytes.
func NewWithCapacity(n int) *Buffer {
	b := &Buffer{}
	if n > 0 {
		b.data = make([]byte, n)
	}
	return b
}

// SetView releases any owned memory and adopts foreign memory without
// taking ownership of it. size is the currently readable length (out_),
// max is the hard ceiling prepare() may grow to within this view.
// commit, if non-nil, is invoked by Commit when the view's writer is
// done so a ring-backed reservation can publish.
func (b *Buffer) SetView(base []byte, size, max int, commit Committer) {
	b.data = base
	b.in = 0
	b.out = size
	b.max = max
	b.view = true
	b.commit = commit
}

// IsView reports whether this buffer is a non-owning view.
func (b *Buffer) IsView() bool { return b.view }

// Prepare returns a writable slice of exactly n bytes starting at out_,
// growing the owned allocation geometrically (doubling from a 512-byte
// floor) if needed. In view mode it fails rather than growing if
// out_+n would exceed max.
func (b *Buffer) Prepare(n int) ([]byte, error) {
	if n < 0 {
		return nil, nprpcerr.Wrap(nprpcerr.KindBadFrame, "prepare: negative length", fmt.Errorf("n=%d", n))
	}
	need := b.out + n
	if b.view {
		if need > b.max {
			return nil, nprpcerr.Wrap(nprpcerr.KindBufferFull, "prepare past view max", fmt.Errorf("need=%d max=%d", need, b.max))
		}
		if need > len(b.data) {
			// the view's backing slice is shorter than max only if the
			// caller under-sized base; treat as a caller bug.
			return nil, nprpcerr.Wrap(nprpcerr.KindBadFrame, "view backing shorter than declared max", nil)
		}
		return b.data[b.out:need], nil
	}

	if need > MaxBufferSize {
		return nil, nprpcerr.Wrap(nprpcerr.KindMessageTooLarge, "owned buffer grow exceeds limit", fmt.Errorf("need=%d limit=%d", need, MaxBufferSize))
	}
	if need > len(b.data) {
		newCap := capFor(len(b.data), need)
		grown := make([]byte, newCap)
		copy(grown, b.data[:b.out])
		b.data = grown
	}
	return b.data[b.out:need], nil
}

func capFor(cur, need int) int {
	if cur == 0 {
		cur = initialCapacity
	}
	for cur < need {
		cur *= 2
	}
	return cur
}

// Commit advances out_ by min(n, capacity-out_). If the buffer is a
// ring-backed view, the caller is expected to separately call
// CommitRingIfNeeded (or commit the shmring reservation itself) once —
// Commit here only moves the local cursor.
func (b *Buffer) Commit(n int) {
	room := len(b.data) - b.out
	if n > room {
		n = room
	}
	if n < 0 {
		n = 0
	}
	b.out += n
}

// Consume advances in_ by min(n, out_-in_). When the buffer becomes
// empty both cursors reset to zero, matching owned-mode reuse.
func (b *Buffer) Consume(n int) {
	room := b.out - b.in
	if n > room {
		n = room
	}
	if n < 0 {
		n = 0
	}
	b.in += n
	if b.in == b.out {
		b.in, b.out = 0, 0
	}
}

// Data returns the readable window [in_:out_].
func (b *Buffer) Data() []byte { return b.data[b.in:b.out] }

// CData is the read-only counterpart of Data, for call sites that want
// to make clear they only intend to read the window.
func (b *Buffer) CData() []byte { return b.Data() }

// Len reports the number of unread bytes.
func (b *Buffer) Len() int { return b.out - b.in }

// CommitRingIfNeeded finalizes a ring-backed view: it invokes the
// attached Committer exactly once with the number of bytes written
// since the view was taken. Safe to call on a non-ring buffer (no-op).
func (b *Buffer) CommitRingIfNeeded() error {
	if b.commit == nil {
		return nil
	}
	c := b.commit
	b.commit = nil
	return c.CommitView(b.out)
}

// Clone deep-copies the readable window into a fresh owned buffer.
func (b *Buffer) Clone() *Buffer {
	out := New()
	src := b.Data()
	out.data = make([]byte, len(src))
	copy(out.data, src)
	out.out = len(src)
	return out
}

// Reset empties the buffer without releasing owned storage, so it can
// be reused for the next frame (sessions keep a rx/tx buffer per
// connection and reset it between dispatches).
func (b *Buffer) Reset() {
	b.in, b.out = 0, 0
	if b.view {
		b.view = false
		b.data = nil
		b.max = 0
		b.commit = nil
	}
}
