package core

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// encodeOwnershipPayload serializes an EntityOwnership message (§4.3):
// net_id, new_owner_peer_id.
func encodeOwnershipPayload(netID NetworkEntityID, newOwner PeerID) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(netID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(newOwner))
	return buf
}

// decodeOwnershipPayload reverses encodeOwnershipPayload.
func decodeOwnershipPayload(buf []byte) (NetworkEntityID, PeerID, error) {
	if len(buf) < 12 {
		return 0, 0, fmt.Errorf("core: ownership payload too short")
	}
	netID := NetworkEntityID(binary.LittleEndian.Uint64(buf[0:8]))
	newOwner := PeerID(binary.LittleEndian.Uint32(buf[8:12]))
	return netID, newOwner, nil
}

// ServerAuthority is the reserved PeerID denoting server-owned entities
// (§4.8).
const ServerAuthority PeerID = 0

const defaultViolationThreshold = 5

// transferRequest tracks an in-flight ownership transfer for one entity.
type transferRequest struct {
	toPeer PeerID
}

// AuthoritySystem maintains entity ownership (owner_peer_id) and mediates
// transfer requests, disconnecting peers that repeatedly attempt to mutate
// entities they do not own (§4.8). Grounded on the teacher's map+RWMutex
// state-holder idiom (peer_management.go) generalized from connection
// bookkeeping to an ownership table.
type AuthoritySystem struct {
	log *logrus.Logger

	mu         sync.RWMutex
	owner      map[NetworkEntityID]PeerID
	violations map[PeerID]int
	pending    map[NetworkEntityID]transferRequest

	threshold int
	onKick    func(PeerID, string)
}

// NewAuthoritySystem constructs a system where newly spawned entities
// default to server authority until explicitly assigned.
func NewAuthoritySystem(log *logrus.Logger) *AuthoritySystem {
	if log == nil {
		log = logrus.New()
	}
	return &AuthoritySystem{
		log:        log,
		owner:      make(map[NetworkEntityID]PeerID),
		violations: make(map[PeerID]int),
		pending:    make(map[NetworkEntityID]transferRequest),
		threshold:  defaultViolationThreshold,
	}
}

// OnKick registers a callback invoked when a peer crosses the violation
// threshold and should be disconnected.
func (a *AuthoritySystem) OnKick(fn func(PeerID, string)) { a.onKick = fn }

// SetViolationThreshold overrides the default mutation-violation count
// before a peer is kicked.
func (a *AuthoritySystem) SetViolationThreshold(n int) {
	a.mu.Lock()
	a.threshold = n
	a.mu.Unlock()
}

// Owner returns the current owner of netID, defaulting to ServerAuthority
// for entities never explicitly assigned.
func (a *AuthoritySystem) Owner(netID NetworkEntityID) PeerID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.owner[netID]; ok {
		return p
	}
	return ServerAuthority
}

// IsOwner reports whether peer currently owns netID.
func (a *AuthoritySystem) IsOwner(netID NetworkEntityID, peer PeerID) bool {
	return a.Owner(netID) == peer
}

// AssignServer marks netID as server-authoritative, the default state for
// a freshly spawned entity (§4.8).
func (a *AuthoritySystem) AssignServer(netID NetworkEntityID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owner[netID] = ServerAuthority
}

// RequestTransfer records a transfer of netID to toPeer, to be serialized
// through the current authoritative peer per the transfer protocol (§4.8):
// the server (or current owner) must confirm before ConfirmTransfer takes
// effect.
func (a *AuthoritySystem) RequestTransfer(netID NetworkEntityID, toPeer PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[netID] = transferRequest{toPeer: toPeer}
}

// ConfirmTransfer completes a previously requested transfer, installing
// toPeer as the new owner. Returns false if no matching request is pending.
func (a *AuthoritySystem) ConfirmTransfer(netID NetworkEntityID, toPeer PeerID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.pending[netID]
	if !ok || req.toPeer != toPeer {
		return false
	}
	delete(a.pending, netID)
	a.owner[netID] = toPeer
	return true
}

// CancelTransfer discards a pending transfer request, e.g. because the
// target peer disconnected before confirming.
func (a *AuthoritySystem) CancelTransfer(netID NetworkEntityID) {
	a.mu.Lock()
	delete(a.pending, netID)
	a.mu.Unlock()
}

// RecordViolation counts an unauthorized mutation attempt by peer and
// reports whether peer has now crossed the kick threshold, invoking the
// registered OnKick callback if so.
func (a *AuthoritySystem) RecordViolation(peer PeerID, netID NetworkEntityID) bool {
	a.mu.Lock()
	a.violations[peer]++
	n := a.violations[peer]
	threshold := a.threshold
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{"peer_id": peer, "net_id": netID, "count": n}).Warn("authority: ownership violation")
	if n < threshold {
		return false
	}
	if a.onKick != nil {
		a.onKick(peer, "exceeded ownership violation threshold")
	}
	return true
}

// ResetViolations clears a peer's violation count, e.g. on reconnect.
func (a *AuthoritySystem) ResetViolations(peer PeerID) {
	a.mu.Lock()
	delete(a.violations, peer)
	a.mu.Unlock()
}

// Orphan releases all entities owned by peer back to server authority,
// called when an authoritative peer disconnects without transferring
// ownership (§4.8 "orphaning").
func (a *AuthoritySystem) Orphan(peer PeerID) []NetworkEntityID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var orphaned []NetworkEntityID
	for netID, owner := range a.owner {
		if owner == peer {
			a.owner[netID] = ServerAuthority
			orphaned = append(orphaned, netID)
		}
	}
	for netID, req := range a.pending {
		if req.toPeer == peer {
			delete(a.pending, netID)
		}
	}
	delete(a.violations, peer)
	return orphaned
}

// OwnedBy returns every entity currently owned by peer.
func (a *AuthoritySystem) OwnedBy(peer PeerID) []NetworkEntityID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []NetworkEntityID
	for netID, owner := range a.owner {
		if owner == peer {
			out = append(out, netID)
		}
	}
	return out
}
