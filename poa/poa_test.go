package poa

import "testing"

type stubServant struct{ id string }

func (s *stubServant) ClassID() string { return s.id }

// fakeTracker stands in for a *rpcsession.Context, recording every
// (poaIdx, oid) pair it was asked to track.
type fakeTracker struct{ added []RefKey }

type RefKey struct {
	PoaIdx uint16
	OID    uint64
}

func (t *fakeTracker) AddReference(poaIdx uint16, oid uint64) bool {
	t.added = append(t.added, RefKey{poaIdx, oid})
	return true
}

func TestSystemGeneratedRejectsActivateWithID(t *testing.T) {
	p := NewBuilder(0).Build()
	err := p.ActivateWithID(nil, 1, &stubServant{"S"}, FlagAll)
	if err == nil {
		t.Fatal("expected SystemGenerated POA to reject activate_with_id")
	}
}

func TestUserSuppliedRejectsActivate(t *testing.T) {
	p := NewBuilder(0).WithIdPolicy(UserSupplied).Build()
	_, err := p.Activate(nil, &stubServant{"S"}, FlagAll)
	if err == nil {
		t.Fatal("expected UserSupplied POA to reject activate")
	}
}

func TestUserSuppliedEnforcesUniqueness(t *testing.T) {
	p := NewBuilder(0).WithIdPolicy(UserSupplied).Build()
	if err := p.ActivateWithID(nil, 42, &stubServant{"A"}, FlagAll); err != nil {
		t.Fatalf("first activate_with_id: %v", err)
	}
	if err := p.ActivateWithID(nil, 42, &stubServant{"B"}, FlagAll); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestUserSuppliedRejectsIDOutOfRange(t *testing.T) {
	p := NewBuilder(0).WithIdPolicy(UserSupplied).MaxObjects(4).Build()
	if err := p.ActivateWithID(nil, 4, &stubServant{"A"}, FlagAll); err == nil {
		t.Fatal("expected id == max_objects to be rejected")
	}
	if err := p.ActivateWithID(nil, 3, &stubServant{"A"}, FlagAll); err != nil {
		t.Fatalf("expected id == max_objects-1 to be accepted: %v", err)
	}
}

func TestSystemGeneratedActivateDeactivate(t *testing.T) {
	p := NewBuilder(0).Build()
	id, err := p.Activate(nil, &stubServant{"S"}, FlagAll)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	s, _, ok := p.Lookup(id)
	if !ok || s.ClassID() != "S" {
		t.Fatalf("lookup failed: s=%v ok=%v", s, ok)
	}
	if !p.Deactivate(id) {
		t.Fatal("deactivate failed")
	}
	if _, _, ok := p.Lookup(id); ok {
		t.Fatal("expected lookup to fail after deactivate")
	}
}

func TestActivationFlagsRestrictedByPoaMask(t *testing.T) {
	p := NewBuilder(0).PermittedFlags(FlagTCP).Build()
	if _, err := p.Activate(nil, &stubServant{"S"}, FlagWebSocket); err == nil {
		t.Fatal("expected activation with a disallowed transport flag to fail")
	}
}

func TestTransientActivationJoinsTracker(t *testing.T) {
	p := NewBuilder(0).WithLifespan(Transient).Build()
	tr := &fakeTracker{}
	id, err := p.Activate(tr, &stubServant{"S"}, FlagAll)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(tr.added) != 1 || tr.added[0] != (RefKey{PoaIdx: p.Index(), OID: id}) {
		t.Fatalf("expected tracker to record (poa_idx=%d, oid=%d), got %v", p.Index(), id, tr.added)
	}
}

func TestPersistentActivationDoesNotJoinTracker(t *testing.T) {
	p := NewBuilder(0).WithLifespan(Persistent).Build()
	tr := &fakeTracker{}
	if _, err := p.Activate(tr, &stubServant{"S"}, FlagAll); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(tr.added) != 0 {
		t.Fatalf("expected Persistent activation not to track a reference, got %v", tr.added)
	}
}
