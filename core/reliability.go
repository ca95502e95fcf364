package core

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Reliability layer constants (§4.2).
const (
	maxFragmentPayload = 1200
	ackBitfieldWidth   = 32
	reorderWindow      = 1024

	rttAlpha = 0.125 // EWMA weight for smoothed RTT
	rttBeta  = 0.25  // EWMA weight for RTT deviation

	initialCwnd  = 4
	minCwnd      = 1
	maxCwnd      = 256
	ssthreshInit = 64
)

// OverflowPolicy controls what a bounded send/recv queue does once full
// (§4.2 "bounded queues").
type OverflowPolicy int

const (
	DropNewest OverflowPolicy = iota
	DropOldest
	DisconnectOnOverflow
)

// outgoingPacket tracks one unacknowledged reliable send for retransmission.
// A retransmit is re-sent under a freshly allocated sequence number rather
// than the original one (§4.2): seq is always the current (most recently
// used) number this packet is filed under, and aliases records every prior
// number it was sent under, so an ack of any of them retires it.
type outgoingPacket struct {
	seq     uint32
	data    []byte
	sentAt  time.Time
	retries int
	aliases []uint32
}

// Reliability implements per-connection sequencing, acknowledgement,
// retransmission, fragmentation/reassembly, and AIMD congestion control on
// top of a raw Endpoint, grounded on the teacher's fault_tolerance.go EWMA
// health-check pattern generalized from liveness probing to RTT estimation.
type Reliability struct {
	mu sync.Mutex

	localSeq      uint32
	remoteSeq     uint32
	remoteSeqSeen bool
	ackBits       uint32

	unacked   map[uint32]*outgoingPacket
	canonical map[uint32]uint32 // prior sequence number -> current sequence number, for retransmit aliasing

	orderedSend     map[uint8]uint32
	orderedRecvNext map[uint8]uint32
	orderedPending  map[uint8]map[uint32]Message

	srtt   float64 // smoothed RTT, milliseconds
	rttvar float64
	hasRTT bool

	cwnd     float64
	ssthresh float64
	inFlight int

	limiter *rate.Limiter

	overflow OverflowPolicy
	maxQueue int

	fragReasm map[uint16]*fragmentAssembly
}

type fragmentAssembly struct {
	total   uint8
	parts   [][]byte
	have    int
	started time.Time
}

// NewReliability constructs a reliability layer for one connection.
// ratePerSec bounds outbound packet rate before congestion control even
// engages (§4.2 "flow control").
func NewReliability(ratePerSec float64, maxQueue int, overflow OverflowPolicy) *Reliability {
	if maxQueue <= 0 {
		maxQueue = 512
	}
	return &Reliability{
		unacked:         make(map[uint32]*outgoingPacket),
		canonical:       make(map[uint32]uint32),
		orderedSend:     make(map[uint8]uint32),
		orderedRecvNext: make(map[uint8]uint32),
		orderedPending:  make(map[uint8]map[uint32]Message),
		cwnd:            initialCwnd,
		ssthresh:        ssthreshInit,
		limiter:         rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
		overflow:        overflow,
		maxQueue:        maxQueue,
		fragReasm:       make(map[uint16]*fragmentAssembly),
	}
}

// NextOrdered allocates the next per-channel ordered counter for an
// outbound reliable message stamped with the ORDERED flag (§4.2): the
// receiver's AdmitOrdered uses this counter, not the packet-level sequence
// number, because unreliable sends also consume the packet sequence and
// would otherwise leave permanent gaps in a per-channel FIFO count.
// Counters start at 1 so 0 can mean "not ordered" on the wire.
func (r *Reliability) NextOrdered(channel uint8) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orderedSend[channel]++
	return r.orderedSend[channel]
}

// AdmitOrdered enforces per-channel FIFO delivery for a message carrying an
// ORDERED counter (§4.2, §5 "Spawn-before-ComponentReplication" and general
// in-order delivery guarantees): a message that arrives ahead of the
// expected counter is buffered until the gap closes, then returned together
// with whatever consecutive messages it unblocks, in order. A stale or
// duplicate counter is dropped.
func (r *Reliability) AdmitOrdered(channel uint8, counter uint32, msg Message) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.orderedRecvNext[channel] + 1
	if counter < next {
		return nil
	}
	pending, ok := r.orderedPending[channel]
	if !ok {
		pending = make(map[uint32]Message)
		r.orderedPending[channel] = pending
	}
	if counter > next {
		pending[counter] = msg
		return nil
	}
	out := []Message{msg}
	r.orderedRecvNext[channel] = counter
	for {
		want := r.orderedRecvNext[channel] + 1
		m, ok := pending[want]
		if !ok {
			break
		}
		delete(pending, want)
		out = append(out, m)
		r.orderedRecvNext[channel] = want
	}
	return out
}

// NextSequence allocates the next outbound sequence number.
func (r *Reliability) NextSequence() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localSeq++
	return r.localSeq
}

// CanSend reports whether the congestion window and rate limiter currently
// permit another reliable send.
func (r *Reliability) CanSend() bool {
	r.mu.Lock()
	inFlight, cwnd := r.inFlight, r.cwnd
	r.mu.Unlock()
	if float64(inFlight) >= cwnd {
		return false
	}
	return r.limiter.Allow()
}

// TrackSend records a reliable packet as sent and awaiting acknowledgement.
func (r *Reliability) TrackSend(seq uint32, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.unacked) >= r.maxQueue {
		switch r.overflow {
		case DropOldest:
			var oldestSeq uint32
			var oldestTime time.Time
			first := true
			for s, p := range r.unacked {
				if first || p.sentAt.Before(oldestTime) {
					oldestSeq, oldestTime, first = s, p.sentAt, false
				}
			}
			delete(r.unacked, oldestSeq)
			r.inFlight--
		case DisconnectOnOverflow:
			return NewError(KindResource, "track send", ErrQueueFull)
		default: // DropNewest
			return NewError(KindResource, "track send", ErrQueueFull)
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.unacked[seq] = &outgoingPacket{seq: seq, data: cp, sentAt: time.Now()}
	r.inFlight++
	return nil
}

// LocalHeader builds the ack/ack-bitfield fields to stamp on the next
// outbound packet header, reflecting what this side has received so far.
func (r *Reliability) LocalHeader() (ack uint32, bitfield uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteSeq, r.ackBits
}

// ObserveRemoteSequence records an inbound packet's sequence number,
// updating the local ack/bitfield state. Returns true if this sequence is
// new (not a duplicate already accounted for).
func (r *Reliability) ObserveRemoteSequence(seq uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRemoteSeqLocked() {
		r.remoteSeq = seq
		r.ackBits = 0
		r.remoteSeqSeen = true
		return true
	}
	diff := seqDiff(seq, r.remoteSeq)
	switch {
	case diff == 0:
		return false
	case diff > 0:
		shift := uint32(diff)
		if shift >= ackBitfieldWidth {
			r.ackBits = 0
		} else {
			r.ackBits = (r.ackBits << shift) | (1 << (shift - 1))
		}
		r.remoteSeq = seq
		return true
	default:
		back := uint32(-diff)
		if back == 0 || back > ackBitfieldWidth {
			return false
		}
		bit := uint32(1) << (back - 1)
		if r.ackBits&bit != 0 {
			return false
		}
		r.ackBits |= bit
		return true
	}
}

func (r *Reliability) hasRemoteSeqLocked() bool { return r.remoteSeqSeen }

// AckReceived processes an inbound ack/bitfield pair, removing
// acknowledged packets from the retransmit set and updating RTT/cwnd.
func (r *Reliability) AckReceived(ack uint32, bitfield uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ackOne(ack)
	for i := uint32(0); i < ackBitfieldWidth; i++ {
		if bitfield&(1<<i) != 0 {
			r.ackOne(ack - (i + 1))
		}
	}
}

func (r *Reliability) ackOne(seq uint32) {
	resolved := seq
	for {
		next, ok := r.canonical[resolved]
		if !ok {
			break
		}
		resolved = next
	}
	p, ok := r.unacked[resolved]
	if !ok {
		return
	}
	delete(r.unacked, resolved)
	for _, alias := range p.aliases {
		delete(r.canonical, alias)
	}
	r.inFlight--
	if r.inFlight < 0 {
		r.inFlight = 0
	}
	rttSample := float64(time.Since(p.sentAt).Milliseconds())
	r.updateRTTLocked(rttSample)
	r.onAckLocked()
}

func (r *Reliability) updateRTTLocked(sampleMs float64) {
	if !r.hasRTT {
		r.srtt = sampleMs
		r.rttvar = sampleMs / 2
		r.hasRTT = true
		return
	}
	delta := sampleMs - r.srtt
	r.rttvar = (1-rttBeta)*r.rttvar + rttBeta*absFloat(delta)
	r.srtt = (1-rttAlpha)*r.srtt + rttAlpha*sampleMs
}

// SmoothedRTT returns the current EWMA RTT estimate in milliseconds.
func (r *Reliability) SmoothedRTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.srtt * float64(time.Millisecond))
}

// RTO returns the retransmission timeout derived from srtt/rttvar.
func (r *Reliability) RTO() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRTT {
		return 500 * time.Millisecond
	}
	rto := r.srtt + 4*r.rttvar
	if rto < 50 {
		rto = 50
	}
	return time.Duration(rto * float64(time.Millisecond))
}

func (r *Reliability) onAckLocked() {
	if r.cwnd < r.ssthresh {
		r.cwnd++ // slow start
	} else {
		r.cwnd += 1 / r.cwnd // congestion avoidance
	}
	if r.cwnd > maxCwnd {
		r.cwnd = maxCwnd
	}
}

// OnLoss reacts to a detected packet loss (retransmit timeout or explicit
// NAK) with multiplicative decrease (AIMD).
func (r *Reliability) OnLoss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssthresh = maxFloat(r.cwnd/2, minCwnd)
	r.cwnd = r.ssthresh
}

// PendingRetransmits returns packets whose RTO has elapsed, for the caller
// to resend under a freshly allocated sequence number (§4.2: reusing the
// original sequence number would make the receiver's ObserveRemoteSequence
// treat the resend as a duplicate of a packet it may have already
// delivered). An ack of either the old or the new number retires the send,
// via the canonical alias recorded here. exceeded reports whether any
// packet in this connection's queue has now timed out maxRetries times
// (max_retransmits, default 10, §4.2) without being acknowledged — its
// original send plus maxRetries-1 resends all lost — and was dropped
// instead of being sent again; the caller is expected to declare the
// connection Disconnected with reason Timeout when exceeded is true.
func (r *Reliability) PendingRetransmits(maxRetries int) (resends [][]byte, exceeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rto := r.rtoLocked()
	now := time.Now()
	for seq, p := range r.unacked {
		if now.Sub(p.sentAt) < rto {
			continue
		}
		if p.retries+1 >= maxRetries {
			r.dropUnackedLocked(seq, p)
			exceeded = true
			continue
		}
		r.localSeq++
		newSeq := r.localSeq
		r.canonical[p.seq] = newSeq
		p.aliases = append(p.aliases, p.seq)
		delete(r.unacked, seq)
		p.seq = newSeq
		p.retries++
		p.sentAt = now
		rewritten := make([]byte, len(p.data))
		copy(rewritten, p.data)
		binary.LittleEndian.PutUint32(rewritten[10:14], newSeq)
		p.data = rewritten
		r.unacked[newSeq] = p
		resends = append(resends, rewritten)
	}
	if len(resends) > 0 {
		r.ssthresh = maxFloat(r.cwnd/2, minCwnd)
		r.cwnd = r.ssthresh
	}
	return resends, exceeded
}

func (r *Reliability) dropUnackedLocked(seq uint32, p *outgoingPacket) {
	delete(r.unacked, seq)
	for _, alias := range p.aliases {
		delete(r.canonical, alias)
	}
	r.inFlight--
	if r.inFlight < 0 {
		r.inFlight = 0
	}
}

func (r *Reliability) rtoLocked() time.Duration {
	if !r.hasRTT {
		return 500 * time.Millisecond
	}
	rto := r.srtt + 4*r.rttvar
	if rto < 50 {
		rto = 50
	}
	return time.Duration(rto * float64(time.Millisecond))
}

// Fragment splits payload into chunks no larger than maxFragmentPayload,
// returning the fragment id to tag them with.
func Fragment(payload []byte, fragID uint16) [][]byte {
	if len(payload) <= maxFragmentPayload {
		return [][]byte{payload}
	}
	var out [][]byte
	for off := 0; off < len(payload); off += maxFragmentPayload {
		end := off + maxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[off:end])
	}
	return out
}

// Reassemble accumulates fragment idx of count total fragments for fragID,
// returning the complete payload once all fragments have arrived.
func (r *Reliability) Reassemble(fragID uint16, idx, count uint8, data []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	asm, ok := r.fragReasm[fragID]
	if !ok {
		asm = &fragmentAssembly{total: count, parts: make([][]byte, count), started: time.Now()}
		r.fragReasm[fragID] = asm
	}
	if int(idx) >= len(asm.parts) {
		return nil, false
	}
	if asm.parts[idx] == nil {
		asm.parts[idx] = data
		asm.have++
	}
	if asm.have < int(asm.total) {
		return nil, false
	}
	var full []byte
	for _, p := range asm.parts {
		full = append(full, p...)
	}
	delete(r.fragReasm, fragID)
	return full, true
}

// ExpireFragments drops incomplete reassemblies older than ttl, preventing
// unbounded growth from peers that stop sending mid-fragment.
func (r *Reliability) ExpireFragments(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, asm := range r.fragReasm {
		if now.Sub(asm.started) > ttl {
			delete(r.fragReasm, id)
		}
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
