package core

import (
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageTypeID values for the built-in message set (§4.3/§4.7). Host
// applications register additional application-level type IDs starting at
// msgTypeUserBase.
const (
	MsgHandshakeRequest uint16 = iota + 1
	MsgHandshakeAccept
	MsgHandshakeReject
	MsgHeartbeat
	MsgEntitySpawn
	MsgEntityDespawn
	MsgComponentFull
	MsgComponentDelta
	MsgAuthorityTransferRequest
	MsgAuthorityTransferAck
	MsgInputCommand
	MsgAck

	msgTypeUserBase uint16 = 1000
)

// CodecStats tracks throughput for a message codec (§6 "with statistics
// hooks"). Transform stages keep no statistics of their own.
type CodecStats struct {
	BytesIn  uint64
	BytesOut uint64
	Calls    uint64
}

func (s *CodecStats) addIn(n int)  { atomic.AddUint64(&s.BytesIn, uint64(n)) }
func (s *CodecStats) addOut(n int) { atomic.AddUint64(&s.BytesOut, uint64(n)) }
func (s *CodecStats) tick()        { atomic.AddUint64(&s.Calls, 1) }

// Snapshot returns a copy of the counters.
func (s *CodecStats) Snapshot() CodecStats {
	return CodecStats{
		BytesIn:  atomic.LoadUint64(&s.BytesIn),
		BytesOut: atomic.LoadUint64(&s.BytesOut),
		Calls:    atomic.LoadUint64(&s.Calls),
	}
}

// Message is a decoded application message ready for dispatch (§4.3).
type Message struct {
	Header  MessageHeader
	Payload []byte
}

// Codec encodes/decodes MessageHeader+payload frames with a CRC-32 checksum
// (§4.3 mandates CRC-32 explicitly), optionally running payload through a
// chain of pluggable Transform codecs (compression/encryption, §6).
type Codec struct {
	senderID  uint32
	sessionID uint32
	transform []Transform
	stats     CodecStats

	mu        sync.Mutex
	nextMsgID uint32
}

// NewCodec builds a codec for one connection, tagging outgoing messages
// with senderID/sessionID and running payloads through transforms in order
// on encode (reverse order on decode).
func NewCodec(senderID uint32, transform ...Transform) *Codec {
	return &Codec{senderID: senderID, transform: transform}
}

// BindSession assigns the session id negotiated during handshake
// (google/uuid-derived, §4.4).
func (c *Codec) BindSession(sessionID uint32) { c.sessionID = sessionID }

// NewMessageID allocates a monotonically increasing message id for this
// codec's outbound stream.
func (c *Codec) NewMessageID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextMsgID++
	return c.nextMsgID
}

// Encode builds the wire bytes for one message: header + (possibly
// transformed) payload, with the checksum computed over the transformed
// payload.
func (c *Codec) Encode(typeID uint16, priority, reliability uint8, payload []byte) ([]byte, error) {
	c.stats.tick()
	c.stats.addIn(len(payload))
	body := payload
	var err error
	for _, t := range c.transform {
		body, err = t.Encode(body)
		if err != nil {
			return nil, NewError(KindProtocol, "codec encode transform", err)
		}
	}
	h := MessageHeader{
		Magic:       packetMagic,
		ProtoVer:    protocolVersion,
		TypeID:      typeID,
		MessageID:   c.NewMessageID(),
		PayloadLen:  uint32(len(body)),
		Checksum:    crc32.ChecksumIEEE(body),
		Timestamp:   time.Now().UnixMilli(),
		SenderID:    c.senderID,
		SessionID:   c.sessionID,
		Priority:    priority,
		Reliability: reliability,
	}
	buf := make([]byte, messageHeaderSize+len(body))
	if err := h.Encode(buf); err != nil {
		return nil, err
	}
	copy(buf[messageHeaderSize:], body)
	c.stats.addOut(len(buf))
	return buf, nil
}

// Decode parses a wire frame, verifies the checksum, and reverses any
// transforms applied at encode time.
func (c *Codec) Decode(buf []byte) (Message, error) {
	c.stats.tick()
	c.stats.addIn(len(buf))
	h, err := DecodeMessageHeader(buf)
	if err != nil {
		return Message{}, err
	}
	body := buf[messageHeaderSize:]
	if uint32(len(body)) < h.PayloadLen {
		return Message{}, NewError(KindProtocol, "codec decode", errShortPayload)
	}
	body = body[:h.PayloadLen]
	if crc32.ChecksumIEEE(body) != h.Checksum {
		return Message{}, NewError(KindProtocol, "codec decode", errChecksumMismatch)
	}
	for i := len(c.transform) - 1; i >= 0; i-- {
		body, err = c.transform[i].Decode(body)
		if err != nil {
			return Message{}, NewError(KindProtocol, "codec decode transform", err)
		}
	}
	c.stats.addOut(len(body))
	return Message{Header: h, Payload: body}, nil
}

// Stats returns a snapshot of this codec's throughput counters.
func (c *Codec) Stats() CodecStats { return c.stats.Snapshot() }

// NewSessionID derives a 32-bit session identifier from a fresh UUID,
// per §4.4's handshake requirement for an unguessable session token.
func NewSessionID() uint32 {
	id := uuid.New()
	b := id[:]
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}

var (
	errShortPayload     = shortPayloadError{}
	errChecksumMismatch = checksumMismatchError{}
)

type shortPayloadError struct{}

func (shortPayloadError) Error() string { return "core: payload shorter than declared length" }

type checksumMismatchError struct{}

func (checksumMismatchError) Error() string { return "core: checksum mismatch" }
