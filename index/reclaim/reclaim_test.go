package reclaim

import "testing"

func TestReclaimWaitsForActiveReaders(t *testing.T) {
	e := New()
	g := e.Enter()

	e.Advance()
	e.Retire("old-version")

	freed := 0
	e.Reclaim(func(any) { freed++ })
	if freed != 0 {
		t.Fatalf("expected nothing reclaimed while reader active, freed=%d", freed)
	}

	g.Leave()
	e.Reclaim(func(any) { freed++ })
	if freed != 1 {
		t.Fatalf("expected 1 reclaimed after reader left, freed=%d", freed)
	}
}

func TestPendingAndActiveCounts(t *testing.T) {
	e := New()
	if e.ActiveReaders() != 0 {
		t.Fatalf("expected 0 active readers initially")
	}
	g := e.Enter()
	if e.ActiveReaders() != 1 {
		t.Fatalf("expected 1 active reader")
	}
	e.Retire("x")
	if e.PendingCount() != 1 {
		t.Fatalf("expected 1 pending retired value")
	}
	g.Leave()
	if e.ActiveReaders() != 0 {
		t.Fatalf("expected 0 active readers after leave")
	}
}
