package core

import (
	"encoding/binary"
	"fmt"
)

// Wire-format constants (§4.1/§4.3). All multi-byte fields are little-endian.
const (
	packetMagic     uint32 = 0xEC50C0DE
	protocolVersion uint16 = 1

	flagFragmented uint16 = 1 << 0
	flagReliable   uint16 = 1 << 1
	flagAckOnly    uint16 = 1 << 2
	flagOrdered    uint16 = 1 << 3
	flagHeartbeat  uint16 = 1 << 4
	flagCompressed uint16 = 1 << 5
	flagEncrypted  uint16 = 1 << 6

	packetHeaderSize        = 27
	packetFragmentExtraSize = 4
	messageHeaderSize       = 44
)

// PacketHeader is the 27-byte (+4 if fragmented) header prefixing every
// UDP datagram emitted by the reliability layer (§4.1).
type PacketHeader struct {
	Magic        uint32
	Version      uint16
	ConnectionID uint32
	Sequence     uint32
	Ack          uint32
	AckBitfield  uint32
	Flags        uint16
	Channel      uint8
	PayloadLen   uint16

	// Present only when Flags&flagFragmented != 0.
	FragmentID    uint16
	FragmentIndex uint8
	FragmentCount uint8
}

func (h *PacketHeader) fragmented() bool { return h.Flags&flagFragmented != 0 }

// Encode serializes h into buf, which must be at least h.Size() bytes.
func (h *PacketHeader) Encode(buf []byte) (int, error) {
	n := packetHeaderSize
	if h.fragmented() {
		n += packetFragmentExtraSize
	}
	if len(buf) < n {
		return 0, fmt.Errorf("core: packet header buffer too small: need %d, have %d", n, len(buf))
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint32(buf[6:10], h.ConnectionID)
	binary.LittleEndian.PutUint32(buf[10:14], h.Sequence)
	binary.LittleEndian.PutUint32(buf[14:18], h.Ack)
	binary.LittleEndian.PutUint32(buf[18:22], h.AckBitfield)
	binary.LittleEndian.PutUint16(buf[22:24], h.Flags)
	// Channel and PayloadLen follow the 24 bytes of fixed-width fields
	// above; the fragment fields, when present, come after them.
	off := 24
	buf[off] = h.Channel
	off++
	binary.LittleEndian.PutUint16(buf[off:off+2], h.PayloadLen)
	off += 2
	if h.fragmented() {
		binary.LittleEndian.PutUint16(buf[off:off+2], h.FragmentID)
		off += 2
		buf[off] = h.FragmentIndex
		off++
		buf[off] = h.FragmentCount
		off++
	}
	return off, nil
}

// Size reports the encoded size of h given its fragmentation flag.
func (h *PacketHeader) Size() int {
	if h.fragmented() {
		return packetHeaderSize + packetFragmentExtraSize
	}
	return packetHeaderSize
}

// DecodePacketHeader parses a header from buf, returning the header and the
// number of bytes consumed.
func DecodePacketHeader(buf []byte) (PacketHeader, int, error) {
	var h PacketHeader
	if len(buf) < 27 {
		return h, 0, fmt.Errorf("core: packet too short: %d bytes", len(buf))
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != packetMagic {
		return h, 0, NewError(KindProtocol, "decode packet header", fmt.Errorf("bad magic %#x", h.Magic))
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.ConnectionID = binary.LittleEndian.Uint32(buf[6:10])
	h.Sequence = binary.LittleEndian.Uint32(buf[10:14])
	h.Ack = binary.LittleEndian.Uint32(buf[14:18])
	h.AckBitfield = binary.LittleEndian.Uint32(buf[18:22])
	h.Flags = binary.LittleEndian.Uint16(buf[22:24])
	off := 24
	h.Channel = buf[off]
	off++
	h.PayloadLen = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	if h.fragmented() {
		if len(buf) < off+4 {
			return h, 0, fmt.Errorf("core: fragmented packet header truncated")
		}
		h.FragmentID = binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		h.FragmentIndex = buf[off]
		off++
		h.FragmentCount = buf[off]
		off++
	}
	return h, off, nil
}

// MessageHeader is the application-layer header prefixing every decoded
// message payload inside a packet's reliable channel (§4.3).
type MessageHeader struct {
	Magic       uint32
	ProtoVer    uint16
	TypeID      uint16
	MessageID   uint32
	PayloadLen  uint32
	Checksum    uint32
	Timestamp   int64
	SenderID    uint32
	SessionID   uint32
	Priority    uint8
	Reliability uint8
	Flags       uint16
	Reserved    uint32
}

// Encode serializes h into buf, which must be at least messageHeaderSize bytes.
func (h *MessageHeader) Encode(buf []byte) error {
	if len(buf) < messageHeaderSize {
		return fmt.Errorf("core: message header buffer too small")
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.ProtoVer)
	binary.LittleEndian.PutUint16(buf[6:8], h.TypeID)
	binary.LittleEndian.PutUint32(buf[8:12], h.MessageID)
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[16:20], h.Checksum)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[28:32], h.SenderID)
	binary.LittleEndian.PutUint32(buf[32:36], h.SessionID)
	buf[36] = h.Priority
	buf[37] = h.Reliability
	binary.LittleEndian.PutUint16(buf[38:40], h.Flags)
	binary.LittleEndian.PutUint32(buf[40:44], h.Reserved)
	return nil
}

// DecodeMessageHeader parses a MessageHeader from the front of buf.
func DecodeMessageHeader(buf []byte) (MessageHeader, error) {
	var h MessageHeader
	if len(buf) < messageHeaderSize {
		return h, fmt.Errorf("core: message header truncated")
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != packetMagic {
		return h, NewError(KindProtocol, "decode message header", fmt.Errorf("bad magic %#x", h.Magic))
	}
	h.ProtoVer = binary.LittleEndian.Uint16(buf[4:6])
	h.TypeID = binary.LittleEndian.Uint16(buf[6:8])
	h.MessageID = binary.LittleEndian.Uint32(buf[8:12])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[12:16])
	h.Checksum = binary.LittleEndian.Uint32(buf[16:20])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[20:28]))
	h.SenderID = binary.LittleEndian.Uint32(buf[28:32])
	h.SessionID = binary.LittleEndian.Uint32(buf[32:36])
	h.Priority = buf[36]
	h.Reliability = buf[37]
	h.Flags = binary.LittleEndian.Uint16(buf[38:40])
	h.Reserved = binary.LittleEndian.Uint32(buf[40:44])
	return h, nil
}

// seqGreater reports whether a is ahead of b using serial-number arithmetic
// (RFC 1982 style, §4.2), correctly handling wraparound.
func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqDiff returns a-b as a signed distance under serial-number arithmetic.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}
