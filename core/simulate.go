package core

import (
	"math/rand"
	"sync"
)

// LossSimulator injects deterministic packet loss, duplication, and
// (via the caller holding datagrams and re-delivering them out of order)
// reordering into a test's UDP path. Grounded on ecscope's
// network_simulation conditions, adapted from a C++ NetworkCondition
// struct into a Go value wrapped around an *Endpoint (§8 "Loss recovery",
// "Interest management").
//
// Not used outside tests: production nodes never attach one.
type LossSimulator struct {
	mu sync.Mutex
	r  *rand.Rand

	InboundLossPct   float64
	OutboundLossPct  float64
	DuplicationPct   float64
	MaxDuplicates    int
}

// NewLossSimulator creates a simulator seeded deterministically so test
// scenarios reproduce exactly across runs.
func NewLossSimulator(seed int64) *LossSimulator {
	return &LossSimulator{r: rand.New(rand.NewSource(seed)), MaxDuplicates: 2}
}

// DropInbound reports whether a received datagram should be discarded.
func (s *LossSimulator) DropInbound() bool {
	return s.roll(s.InboundLossPct)
}

// DropOutbound reports whether an outbound datagram should be discarded.
func (s *LossSimulator) DropOutbound() bool {
	return s.roll(s.OutboundLossPct)
}

// Duplicate returns zero or more copies of dg to deliver in addition to the
// original, simulating duplicate delivery.
func (s *LossSimulator) Duplicate(dg Datagram) []Datagram {
	out := []Datagram{dg}
	if !s.roll(s.DuplicationPct) {
		return out
	}
	s.mu.Lock()
	n := 1 + s.r.Intn(s.MaxDuplicates)
	s.mu.Unlock()
	for i := 0; i < n; i++ {
		out = append(out, dg)
	}
	return out
}

func (s *LossSimulator) roll(pct float64) bool {
	if pct <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64() < pct
}
