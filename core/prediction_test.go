package core

import "testing"

func fakeDistance(a, b []Component) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	av, bv := decodeInt(a[0].Data), decodeInt(b[0].Data)
	d := av - bv
	if d < 0 {
		d = -d
	}
	return float64(d)
}

func fakeApplyInput(comps []Component, in InputCommand) []Component {
	v := decodeInt(comps[0].Data) + decodeInt(in.Payload)
	return []Component{{Type: 1, Data: encodeInt(v)}}
}

func encodeInt(v int) []byte { return []byte{byte(v)} }
func decodeInt(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(b[0])
}

func TestPredictorAcceptsSmallDivergence(t *testing.T) {
	p := NewPredictor(1, 2.0, 0, fakeDistance, fakeApplyInput)
	p.RecordInput(InputCommand{Tick: 1, Payload: encodeInt(1)}, []Component{{Type: 1, Data: encodeInt(5)}})

	corrected, rolledBack := p.Reconcile(1, []Component{{Type: 1, Data: encodeInt(6)}})
	if rolledBack {
		t.Fatalf("expected small divergence to be accepted without rollback, got correction %+v", corrected)
	}
}

func TestPredictorRollsBackOnLargeDivergence(t *testing.T) {
	p := NewPredictor(1, 2.0, 0, fakeDistance, fakeApplyInput)
	p.RecordInput(InputCommand{Tick: 1, Payload: encodeInt(1)}, []Component{{Type: 1, Data: encodeInt(5)}})
	p.RecordInput(InputCommand{Tick: 2, Payload: encodeInt(2)}, []Component{{Type: 1, Data: encodeInt(7)}})

	corrected, rolledBack := p.Reconcile(1, []Component{{Type: 1, Data: encodeInt(50)}})
	if !rolledBack {
		t.Fatal("expected large divergence to trigger rollback")
	}
	// replay applies input from tick 2 (payload 2) onto the authoritative base (50)
	if decodeInt(corrected[0].Data) != 52 {
		t.Fatalf("expected replayed state 52, got %d", decodeInt(corrected[0].Data))
	}
}

func TestInterpolatorInterpolatesBetweenSamples(t *testing.T) {
	ip := NewInterpolator(4, 0)
	ip.Push(10, []Component{{Type: 1, Data: encodeInt(0)}})
	ip.Push(20, []Component{{Type: 1, Data: encodeInt(10)}})

	from, to, frac, ok := ip.Sample(15)
	if !ok {
		t.Fatal("expected sample to succeed with 2 buffered points")
	}
	if from.Tick != 10 || to.Tick != 20 {
		t.Fatalf("unexpected bracketing ticks: %d, %d", from.Tick, to.Tick)
	}
	if frac != 0.5 {
		t.Fatalf("expected interpolation fraction 0.5, got %v", frac)
	}
}

func TestInterpolatorExtrapolatesPastLastSample(t *testing.T) {
	ip := NewInterpolator(4, 0)
	ip.Push(10, []Component{{Type: 1, Data: encodeInt(0)}})
	ip.Push(20, []Component{{Type: 1, Data: encodeInt(10)}})

	_, to, frac, ok := ip.Sample(25)
	if !ok {
		t.Fatal("expected extrapolation to succeed")
	}
	if to.Tick != 20 {
		t.Fatalf("expected extrapolation anchored at last sample, got %d", to.Tick)
	}
	if frac <= 1.0 {
		t.Fatalf("expected extrapolation fraction beyond 1.0, got %v", frac)
	}
}

func TestInterpolatorHoldsLastSampleBeyondExtrapolationLimit(t *testing.T) {
	ip := NewInterpolator(4, 5)
	ip.Push(10, []Component{{Type: 1, Data: encodeInt(0)}})
	ip.Push(20, []Component{{Type: 1, Data: encodeInt(10)}})

	from, to, frac, ok := ip.Sample(23)
	if !ok {
		t.Fatal("expected extrapolation within the limit to succeed")
	}
	if to.Tick != 20 || frac <= 1.0 {
		t.Fatalf("expected bounded extrapolation past the last sample, got from=%d to=%d frac=%v", from.Tick, to.Tick, frac)
	}

	from, to, frac, ok = ip.Sample(40)
	if !ok {
		t.Fatal("expected Sample beyond the limit to still succeed by holding")
	}
	if from.Tick != 20 || to.Tick != 20 || frac != 0 {
		t.Fatalf("expected the last sample held flat beyond extrapolation_limit, got from=%d to=%d frac=%v", from.Tick, to.Tick, frac)
	}
}
