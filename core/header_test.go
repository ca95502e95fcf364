package core

import "testing"

func TestPacketHeaderRoundTrip(t *testing.T) {
	h := PacketHeader{
		Magic:        packetMagic,
		Version:      protocolVersion,
		ConnectionID: 7,
		Sequence:     42,
		Ack:          41,
		AckBitfield:  0b101,
		Flags:        flagReliable,
		Channel:      1,
		PayloadLen:   16,
	}
	buf := make([]byte, h.Size())
	n, err := h.Encode(buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != packetHeaderSize {
		t.Fatalf("expected %d bytes written, got %d", packetHeaderSize, n)
	}
	got, consumed, err := DecodePacketHeader(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != n {
		t.Fatalf("consumed mismatch: %d vs %d", consumed, n)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestPacketHeaderFragmented(t *testing.T) {
	h := PacketHeader{
		Magic:         packetMagic,
		Version:       protocolVersion,
		ConnectionID:  1,
		Sequence:      5,
		Flags:         flagReliable | flagFragmented,
		PayloadLen:    100,
		FragmentID:    9,
		FragmentIndex: 1,
		FragmentCount: 3,
	}
	buf := make([]byte, h.Size())
	if _, err := h.Encode(buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := DecodePacketHeader(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.FragmentID != 9 || got.FragmentIndex != 1 || got.FragmentCount != 3 {
		t.Fatalf("fragment fields not preserved: %+v", got)
	}
}

func TestDecodePacketHeaderBadMagic(t *testing.T) {
	buf := make([]byte, packetHeaderSize)
	if _, _, err := DecodePacketHeader(buf); err == nil {
		t.Fatal("expected error for zeroed/bad magic")
	}
}

func TestMessageHeaderRoundTrip(t *testing.T) {
	h := MessageHeader{
		Magic:      packetMagic,
		ProtoVer:   protocolVersion,
		TypeID:     MsgComponentFull,
		MessageID:  5,
		PayloadLen: 10,
		Checksum:   0xdeadbeef,
		Timestamp:  1234,
		SenderID:   99,
	}
	buf := make([]byte, messageHeaderSize)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeMessageHeader(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TypeID != h.TypeID || got.MessageID != h.MessageID || got.Checksum != h.Checksum || got.SenderID != h.SenderID {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestSeqGreaterWraparound(t *testing.T) {
	if !seqGreater(1, ^uint32(0)) {
		t.Fatal("expected sequence 1 to be greater than max uint32 under wraparound")
	}
	if seqGreater(^uint32(0), 1) {
		t.Fatal("expected max uint32 not to be greater than 1 under wraparound")
	}
}
