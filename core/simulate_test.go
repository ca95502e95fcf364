package core

import "testing"

func TestLossSimulatorDeterministic(t *testing.T) {
	a := NewLossSimulator(42)
	a.InboundLossPct = 0.5
	b := NewLossSimulator(42)
	b.InboundLossPct = 0.5

	for i := 0; i < 20; i++ {
		if a.DropInbound() != b.DropInbound() {
			t.Fatal("expected identical seeds to produce identical loss sequences")
		}
	}
}

func TestLossSimulatorZeroPercentNeverDrops(t *testing.T) {
	s := NewLossSimulator(1)
	for i := 0; i < 50; i++ {
		if s.DropInbound() || s.DropOutbound() {
			t.Fatal("expected zero loss percentage to never drop")
		}
	}
}

func TestLossSimulatorDuplicateAlwaysIncludesOriginal(t *testing.T) {
	s := NewLossSimulator(1)
	s.DuplicationPct = 1.0
	dg := Datagram{Data: []byte("x")}
	out := s.Duplicate(dg)
	if len(out) < 2 {
		t.Fatalf("expected at least one duplicate, got %d copies", len(out))
	}
}
