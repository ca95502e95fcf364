package core

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// snapshotHistoryDepth bounds how many past ticks' snapshots are retained
// per entity for delta-base lookups (§4.6).
const snapshotHistoryDepth = 64

// tickSnapshot is one entity's recorded component state at a given tick.
type tickSnapshot struct {
	tick    uint32
	version uint32
	comps   []Component
}

// SnapshotStore retains a short ring-buffer history of each replicated
// entity's component state, keyed by tick, so the delta engine can diff a
// new full state against any version still inside the window a peer might
// ack (§4.6). Grounded on the teacher's map+RWMutex state-holder idiom,
// generalized from a single latest-value map to a bounded per-entity
// ring buffer.
type SnapshotStore struct {
	mu      sync.RWMutex
	history map[NetworkEntityID][]tickSnapshot

	encoderCache *lru.Cache[NetworkEntityID, []byte]
}

// NewSnapshotStore constructs a store with the LRU cache that backs
// ScratchBuffer (§6 domain stack: golang-lru/v2). No encoder in this
// package calls ScratchBuffer.
func NewSnapshotStore() (*SnapshotStore, error) {
	cache, err := lru.New[NetworkEntityID, []byte](4096)
	if err != nil {
		return nil, NewError(KindResource, "new snapshot encoder cache", err)
	}
	return &SnapshotStore{
		history:      make(map[NetworkEntityID][]tickSnapshot),
		encoderCache: cache,
	}, nil
}

// Record stores the full component state for netID at tick, advancing its
// version counter and trimming history beyond snapshotHistoryDepth.
func (s *SnapshotStore) Record(netID NetworkEntityID, tick uint32, version uint32, comps []Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.history[netID]
	hist = append(hist, tickSnapshot{tick: tick, version: version, comps: comps})
	if len(hist) > snapshotHistoryDepth {
		hist = hist[len(hist)-snapshotHistoryDepth:]
	}
	s.history[netID] = hist
}

// Latest returns the most recently recorded snapshot for netID.
func (s *SnapshotStore) Latest(netID NetworkEntityID) (EntitySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.history[netID]
	if len(hist) == 0 {
		return EntitySnapshot{}, false
	}
	last := hist[len(hist)-1]
	return EntitySnapshot{NetID: netID, Version: last.version, Components: last.comps}, true
}

// AtVersion returns the recorded snapshot matching version, or false once
// that version has left the history window. Inbound deltas are not checked
// against it: their base_version is compared with the ECS store's current
// version in ApplyComponentUpdate.
func (s *SnapshotStore) AtVersion(netID NetworkEntityID, version uint32) (EntitySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.history[netID] {
		if snap.version == version {
			return EntitySnapshot{NetID: netID, Version: snap.version, Components: snap.comps}, true
		}
	}
	return EntitySnapshot{}, false
}

// Forget drops all history for a despawned entity.
func (s *SnapshotStore) Forget(netID NetworkEntityID) {
	s.mu.Lock()
	delete(s.history, netID)
	s.mu.Unlock()
	s.encoderCache.Remove(netID)
}

// ScratchBuffer returns a reusable byte slice for encoding netID's next
// snapshot, growing it if necessary. Callers must not retain the slice
// across calls for other entities.
func (s *SnapshotStore) ScratchBuffer(netID NetworkEntityID, minLen int) []byte {
	if buf, ok := s.encoderCache.Get(netID); ok && cap(buf) >= minLen {
		return buf[:0]
	}
	buf := make([]byte, 0, minLen)
	s.encoderCache.Add(netID, buf)
	return buf
}
