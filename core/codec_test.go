package core

import (
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(1)
	c.BindSession(99)
	payload := []byte("hello entity")
	frame, err := c.Encode(MsgComponentFull, 0, 1, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", msg.Payload, payload)
	}
	if msg.Header.SessionID != 99 {
		t.Fatalf("expected session id 99, got %d", msg.Header.SessionID)
	}
	if msg.Header.TypeID != MsgComponentFull {
		t.Fatalf("unexpected type id: %d", msg.Header.TypeID)
	}
}

func TestCodecChecksumMismatchRejected(t *testing.T) {
	c := NewCodec(1)
	frame, err := c.Encode(MsgComponentFull, 0, 1, []byte("data"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame[len(frame)-1] ^= 0xFF // corrupt payload
	if _, err := c.Decode(frame); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestCodecWithTransformChain(t *testing.T) {
	zstd, err := NewZstdTransform()
	if err != nil {
		t.Fatalf("NewZstdTransform: %v", err)
	}
	c := NewCodec(1, zstd)
	payload := bytes.Repeat([]byte("aaaa"), 100)
	frame, err := c.Encode(MsgComponentDelta, 0, 0, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatal("payload mismatch after transform round trip")
	}
}

func TestCodecStatsAccumulate(t *testing.T) {
	c := NewCodec(1)
	if _, err := c.Encode(MsgHeartbeat, 0, 0, []byte("x")); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	stats := c.Stats()
	if stats.Calls == 0 {
		t.Fatal("expected call count to be tracked")
	}
}

func TestNewSessionIDNonZero(t *testing.T) {
	if NewSessionID() == 0 {
		t.Fatal("expected non-zero session id (astronomically unlikely to be zero)")
	}
}
