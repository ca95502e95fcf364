package core

import (
	"encoding/binary"
	"fmt"
)

// HandshakeRequest is the client→server payload for MsgHandshakeRequest
// (§4.3/§4.4): client_version, client_name, requested_session_id.
type HandshakeRequest struct {
	ClientVersion       uint16
	ClientName          string
	RequestedSessionID  uint32
}

func encodeHandshakeRequest(h HandshakeRequest) []byte {
	name := []byte(h.ClientName)
	buf := make([]byte, 2+4+4+len(name))
	off := 0
	binary.LittleEndian.PutUint16(buf[off:off+2], h.ClientVersion)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(name)))
	off += 4
	copy(buf[off:], name)
	off += len(name)
	binary.LittleEndian.PutUint32(buf[off:off+4], h.RequestedSessionID)
	return buf
}

func decodeHandshakeRequest(buf []byte) (HandshakeRequest, error) {
	var h HandshakeRequest
	if len(buf) < 6 {
		return h, fmt.Errorf("core: handshake request too short")
	}
	off := 0
	h.ClientVersion = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	nameLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+nameLen+4 {
		return h, fmt.Errorf("core: handshake request truncated")
	}
	h.ClientName = string(buf[off : off+nameLen])
	off += nameLen
	h.RequestedSessionID = binary.LittleEndian.Uint32(buf[off : off+4])
	return h, nil
}

// HandshakeAck is the server→client payload for MsgHandshakeAccept/Reject
// (§4.3/§4.4): accepted, assigned_client_id, rejection_reason.
type HandshakeAck struct {
	Accepted          bool
	AssignedClientID  PeerID
	SessionID         uint32
	RejectionReason   string
}

func encodeHandshakeAck(a HandshakeAck) []byte {
	reason := []byte(a.RejectionReason)
	buf := make([]byte, 1+4+4+4+len(reason))
	off := 0
	if a.Accepted {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(a.AssignedClientID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], a.SessionID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(reason)))
	off += 4
	copy(buf[off:], reason)
	return buf
}

func decodeHandshakeAck(buf []byte) (HandshakeAck, error) {
	var a HandshakeAck
	if len(buf) < 13 {
		return a, fmt.Errorf("core: handshake ack too short")
	}
	off := 0
	a.Accepted = buf[off] != 0
	off++
	a.AssignedClientID = PeerID(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	a.SessionID = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	reasonLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+reasonLen {
		return a, fmt.Errorf("core: handshake ack truncated")
	}
	a.RejectionReason = string(buf[off : off+reasonLen])
	return a, nil
}

// CredentialHook validates an inbound Handshake request, returning whether
// to accept the connection and, if rejected, the reason sent back in the
// HandshakeReject (§4.4 "invoke the application's credential-check hook").
// The PeerID of an accepted peer is allocated by the ConnectionManager, not
// by the hook. The default hook (AcceptAll, assigned by Node) accepts every
// request.
type CredentialHook func(req HandshakeRequest) (accept bool, reason string)

// AcceptAll is the default CredentialHook: every Handshake is accepted.
func AcceptAll(HandshakeRequest) (bool, string) { return true, "" }
