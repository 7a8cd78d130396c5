package flatbuf

import "testing"

func TestOwnedPrepareCommitConsume(t *testing.T) {
	b := New()
	w, err := b.Prepare(4)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	copy(w, []byte{1, 2, 3, 4})
	b.Commit(4)

	if got := b.Data(); len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("data = %v", got)
	}

	b.Consume(4)
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, len=%d", b.Len())
	}
}

func TestOwnedGrowthDoubles(t *testing.T) {
	b := New()
	if _, err := b.Prepare(1000); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	b.Commit(1000)
	if len(b.data) < 1000 {
		t.Fatalf("expected growth, cap=%d", len(b.data))
	}
}

func TestOwnedGrowthBeyondLimitFails(t *testing.T) {
	b := New()
	if _, err := b.Prepare(MaxBufferSize + 1); err == nil {
		t.Fatal("expected error growing past MaxBufferSize")
	}
}

func TestViewPrepareRespectsMax(t *testing.T) {
	base := make([]byte, 16)
	b := New()
	b.SetView(base, 0, 8, nil)

	if _, err := b.Prepare(8); err != nil {
		t.Fatalf("prepare within max: %v", err)
	}
	b.Commit(8)

	if _, err := b.Prepare(1); err == nil {
		t.Fatal("expected prepare past max to fail")
	}
}

func TestCloneIsDeepCopy(t *testing.T) {
	b := New()
	w, _ := b.Prepare(3)
	copy(w, []byte{9, 9, 9})
	b.Commit(3)

	c := b.Clone()
	c.data[0] = 1
	if b.Data()[0] != 9 {
		t.Fatal("clone mutation leaked into original")
	}
}

type fakeCommitter struct {
	n      int
	called bool
}

func (f *fakeCommitter) CommitView(n int) error {
	f.n = n
	f.called = true
	return nil
}

func TestCommitRingIfNeededCallsOnce(t *testing.T) {
	base := make([]byte, 16)
	fc := &fakeCommitter{}
	b := New()
	b.SetView(base, 0, 16, fc)
	w, _ := b.Prepare(5)
	copy(w, []byte{1, 2, 3, 4, 5})
	b.Commit(5)

	if err := b.CommitRingIfNeeded(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !fc.called || fc.n != 5 {
		t.Fatalf("committer not invoked correctly: %+v", fc)
	}

	// second call must be a no-op, not a double-commit.
	fc.called = false
	if err := b.CommitRingIfNeeded(); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if fc.called {
		t.Fatal("committer invoked twice")
	}
}
