package core

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestReliabilitySequenceAllocation(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	if r.NextSequence() != 1 || r.NextSequence() != 2 {
		t.Fatal("expected monotonically increasing sequence numbers")
	}
}

func TestReliabilityAckRemovesTracked(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	seq := r.NextSequence()
	if err := r.TrackSend(seq, []byte("payload")); err != nil {
		t.Fatalf("TrackSend: %v", err)
	}
	r.AckReceived(seq, 0)
	pending, exceeded := r.PendingRetransmits(10)
	if len(pending) != 0 || exceeded {
		t.Fatalf("expected no pending retransmits after ack, got %d (exceeded=%v)", len(pending), exceeded)
	}
}

func mustPacketBytes(seq uint32) []byte {
	buf := make([]byte, 64)
	h := PacketHeader{Magic: packetMagic, Version: protocolVersion, Sequence: seq, Flags: flagReliable, PayloadLen: 0}
	n, err := h.Encode(buf)
	if err != nil {
		panic(err)
	}
	return buf[:n]
}

func TestReliabilityRetransmitUsesNewSequenceAndAcksEitherNumber(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	seq := r.NextSequence()
	if err := r.TrackSend(seq, mustPacketBytes(seq)); err != nil {
		t.Fatalf("TrackSend: %v", err)
	}
	// Force the RTO to have already elapsed.
	r.mu.Lock()
	r.unacked[seq].sentAt = r.unacked[seq].sentAt.Add(-time.Hour)
	r.mu.Unlock()

	resends, exceeded := r.PendingRetransmits(10)
	if exceeded || len(resends) != 1 {
		t.Fatalf("expected one resend, got %d (exceeded=%v)", len(resends), exceeded)
	}
	newSeq := binary.LittleEndian.Uint32(resends[0][10:14])
	if newSeq == seq {
		t.Fatal("expected retransmit to carry a new sequence number, not reuse the original")
	}
	if _, ok := r.unacked[seq]; ok {
		t.Fatal("expected original sequence to no longer be tracked directly")
	}
	if _, ok := r.unacked[newSeq]; !ok {
		t.Fatal("expected the new sequence to now be tracked")
	}

	// Acking the ORIGINAL sequence number must still retire the send.
	r.AckReceived(seq, 0)
	if len(r.unacked) != 0 {
		t.Fatalf("expected ack of original sequence to retire the retransmitted packet, unacked=%v", r.unacked)
	}
}

func TestReliabilityPendingRetransmitsSignalsExceededAfterMaxRetries(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	seq := r.NextSequence()
	if err := r.TrackSend(seq, mustPacketBytes(seq)); err != nil {
		t.Fatalf("TrackSend: %v", err)
	}
	for i := 0; i < 3; i++ {
		r.mu.Lock()
		for _, p := range r.unacked {
			p.sentAt = p.sentAt.Add(-time.Hour)
		}
		r.mu.Unlock()
		_, exceeded := r.PendingRetransmits(3)
		if i < 2 && exceeded {
			t.Fatalf("did not expect exceeded before max retries, iteration %d", i)
		}
		if i == 2 && !exceeded {
			t.Fatal("expected exceeded to be signalled once max_retransmits is reached")
		}
	}
	if len(r.unacked) != 0 {
		t.Fatal("expected packet dropped from the retransmit queue once exceeded")
	}
}

func TestReliabilityAdmitOrderedBuffersAndDrainsInOrder(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	const ch uint8 = 0
	msgFor := func(n uint32) Message { return Message{Header: MessageHeader{MessageID: n}} }

	if out := r.AdmitOrdered(ch, 2, msgFor(2)); len(out) != 0 {
		t.Fatalf("expected message 2 to buffer ahead of message 1, got %+v", out)
	}
	out := r.AdmitOrdered(ch, 1, msgFor(1))
	if len(out) != 2 || out[0].Header.MessageID != 1 || out[1].Header.MessageID != 2 {
		t.Fatalf("expected messages 1 and 2 delivered in order once the gap closed, got %+v", out)
	}
	if out := r.AdmitOrdered(ch, 1, msgFor(1)); len(out) != 0 {
		t.Fatal("expected a duplicate counter to be dropped")
	}
}

func TestReliabilityQueueOverflowDisconnect(t *testing.T) {
	r := NewReliability(1000, 2, DisconnectOnOverflow)
	for i := 0; i < 2; i++ {
		seq := r.NextSequence()
		if err := r.TrackSend(seq, []byte("x")); err != nil {
			t.Fatalf("TrackSend %d: %v", i, err)
		}
	}
	seq := r.NextSequence()
	if err := r.TrackSend(seq, []byte("x")); err == nil {
		t.Fatal("expected queue-full error")
	}
}

func TestReliabilityObserveRemoteSequenceDuplicate(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	if !r.ObserveRemoteSequence(10) {
		t.Fatal("expected first observation to be new")
	}
	if r.ObserveRemoteSequence(10) {
		t.Fatal("expected duplicate observation to be rejected")
	}
	if !r.ObserveRemoteSequence(11) {
		t.Fatal("expected next sequence to be new")
	}
}

func TestReliabilityObserveRemoteSequenceOutOfOrder(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	r.ObserveRemoteSequence(10)
	r.ObserveRemoteSequence(12)
	if !r.ObserveRemoteSequence(11) {
		t.Fatal("expected out-of-order sequence within bitfield window to be accepted")
	}
	if r.ObserveRemoteSequence(11) {
		t.Fatal("expected re-delivery of the same out-of-order sequence to be rejected")
	}
}

func TestReliabilityFragmentReassembly(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	payload := make([]byte, maxFragmentPayload*2+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunks := Fragment(payload, 1)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(chunks))
	}
	var out []byte
	var complete bool
	for i, c := range chunks {
		out, complete = r.Reassemble(1, uint8(i), uint8(len(chunks)), c)
	}
	if !complete {
		t.Fatal("expected reassembly to complete on final fragment")
	}
	if len(out) != len(payload) {
		t.Fatalf("reassembled length mismatch: got %d want %d", len(out), len(payload))
	}
	for i := range payload {
		if out[i] != payload[i] {
			t.Fatalf("byte mismatch at %d", i)
		}
	}
}

func TestReliabilityOnLossHalvesWindow(t *testing.T) {
	r := NewReliability(1000, 64, DropNewest)
	r.cwnd = 16
	r.OnLoss()
	if r.cwnd != 8 {
		t.Fatalf("expected cwnd halved to 8, got %v", r.cwnd)
	}
}
