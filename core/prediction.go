package core

import "sync"

// InputCommand is one client-generated input sample, tagged with the local
// tick it was produced at so the server can echo it back in acks and the
// client can replay from it during reconciliation (§4.10).
type InputCommand struct {
	Tick    uint32
	NetID   NetworkEntityID
	Payload []byte
}

// defaultMaxPredictionFrames bounds how many unconfirmed inputs the
// predictor retains for replay when NewPredictor is given maxFrames <= 0
// (§8 Config.Prediction.max_prediction_frames).
const defaultMaxPredictionFrames = 256

// PredictedState is a snapshot the client predicted locally for a given
// tick, kept so a later authoritative snapshot can be diffed against it
// to decide whether a rollback is needed (§4.10).
type PredictedState struct {
	Tick  uint32
	Comps []Component
}

// Predictor implements client-side prediction and server-reconciliation
// for entities owned by the local peer: it retains recent inputs and
// predicted states, and on receiving an authoritative snapshot either
// accepts it (divergence within tolerance) or rolls back and replays
// pending inputs from the authoritative base (§4.10 "rollback-replay").
// Grounded on ecscope's network_prediction.hpp (no direct teacher analog;
// state-holder shape follows the map+mutex idiom used throughout the
// teacher's connection/peer bookkeeping).
type Predictor struct {
	mu sync.Mutex

	netID             NetworkEntityID
	inputs            []InputCommand
	predicted         []PredictedState
	rollbackThreshold float64
	maxFrames         int
	distanceFn        func(a, b []Component) float64

	applyInput func(comps []Component, in InputCommand) []Component
}

// NewPredictor constructs a predictor for one locally-owned entity.
// maxFrames bounds how many unconfirmed inputs/predicted states are
// retained for replay (§8 Config.Prediction.max_prediction_frames); <= 0
// falls back to defaultMaxPredictionFrames. distanceFn measures divergence
// between two component sets (e.g. positional distance); applyInput
// advances a component set by one input, used during replay.
func NewPredictor(netID NetworkEntityID, rollbackThreshold float64, maxFrames int, distanceFn func(a, b []Component) float64, applyInput func([]Component, InputCommand) []Component) *Predictor {
	if maxFrames <= 0 {
		maxFrames = defaultMaxPredictionFrames
	}
	return &Predictor{
		netID:             netID,
		rollbackThreshold: rollbackThreshold,
		maxFrames:         maxFrames,
		distanceFn:        distanceFn,
		applyInput:        applyInput,
	}
}

// RecordInput stores a new locally-generated input and the resulting
// predicted state, trimming history beyond maxFrames.
func (p *Predictor) RecordInput(in InputCommand, predicted []Component) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	p.predicted = append(p.predicted, PredictedState{Tick: in.Tick, Comps: predicted})
	if len(p.inputs) > p.maxFrames {
		p.inputs = p.inputs[len(p.inputs)-p.maxFrames:]
		p.predicted = p.predicted[len(p.predicted)-p.maxFrames:]
	}
}

// Reconcile applies an authoritative snapshot for tick authTick. If the
// client's own prediction for that tick diverged beyond rollbackThreshold,
// it returns the replayed, corrected component state and true; if no
// prediction is recorded for authTick, it returns authoritative unchanged
// and true; otherwise it returns (nil, false) meaning the local prediction
// stands.
func (p *Predictor) Reconcile(authTick uint32, authoritative []Component) ([]Component, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.findPredictedLocked(authTick)
	if idx < 0 {
		// No local prediction recorded for this tick (e.g. just connected):
		// accept authoritative state outright.
		return authoritative, true
	}

	if p.distanceFn(p.predicted[idx].Comps, authoritative) <= p.rollbackThreshold {
		p.trimBeforeLocked(idx)
		return nil, false
	}

	state := authoritative
	for i := idx + 1; i < len(p.inputs); i++ {
		state = p.applyInput(state, p.inputs[i])
	}
	p.trimBeforeLocked(idx)
	return state, true
}

func (p *Predictor) findPredictedLocked(tick uint32) int {
	for i, ps := range p.predicted {
		if ps.Tick == tick {
			return i
		}
	}
	return -1
}

func (p *Predictor) trimBeforeLocked(idx int) {
	if idx < 0 || idx >= len(p.inputs) {
		return
	}
	p.inputs = p.inputs[idx+1:]
	p.predicted = p.predicted[idx+1:]
}

// Interpolator produces smoothed positions for non-owned remote entities
// between authoritative snapshots, interpolating within the buffered
// window and extrapolating briefly past the last received sample (§4.10
// "interpolation/extrapolation for non-owned entities").
type Interpolator struct {
	mu                 sync.Mutex
	samples            []PredictedState
	window             int
	extrapolationLimit float64
}

// NewInterpolator constructs an interpolator retaining the given number of
// trailing snapshots. extrapolationLimit bounds, in render ticks, how far
// past the newest sample Sample will extrapolate before holding that
// sample flat instead of projecting further (§8
// Config.Prediction.extrapolation_limit); <= 0 means unbounded.
func NewInterpolator(window int, extrapolationLimit float64) *Interpolator {
	if window < 2 {
		window = 2
	}
	return &Interpolator{window: window, extrapolationLimit: extrapolationLimit}
}

// Push records a newly received authoritative snapshot for a remote entity.
func (ip *Interpolator) Push(tick uint32, comps []Component) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.samples = append(ip.samples, PredictedState{Tick: tick, Comps: comps})
	if len(ip.samples) > ip.window {
		ip.samples = ip.samples[len(ip.samples)-ip.window:]
	}
}

// Sample returns the two bracketing snapshots around renderTick and the
// interpolation fraction t in [0,1] between them, or extrapolates from the
// last two samples if renderTick is beyond the newest one. Once renderTick
// passes the newest sample by more than extrapolationLimit, Sample holds
// that sample flat (returns it as both from and to) rather than projecting
// an arbitrarily distant, increasingly unreliable position. Returns false
// if fewer than two samples have been buffered.
func (ip *Interpolator) Sample(renderTick float64) (from, to PredictedState, t float64, ok bool) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if len(ip.samples) < 2 {
		return PredictedState{}, PredictedState{}, 0, false
	}
	last := ip.samples[len(ip.samples)-1]
	if renderTick >= float64(last.Tick) {
		if ip.extrapolationLimit > 0 && renderTick-float64(last.Tick) > ip.extrapolationLimit {
			return last, last, 0, true
		}
		prev := ip.samples[len(ip.samples)-2]
		span := float64(last.Tick - prev.Tick)
		if span <= 0 {
			return last, last, 0, true
		}
		t := (renderTick - float64(prev.Tick)) / span
		return prev, last, t, true
	}
	for i := 1; i < len(ip.samples); i++ {
		if float64(ip.samples[i].Tick) >= renderTick {
			prev := ip.samples[i-1]
			cur := ip.samples[i]
			span := float64(cur.Tick - prev.Tick)
			if span <= 0 {
				return prev, cur, 0, true
			}
			t := (renderTick - float64(prev.Tick)) / span
			return prev, cur, t, true
		}
	}
	return ip.samples[0], ip.samples[1], 0, true
}
