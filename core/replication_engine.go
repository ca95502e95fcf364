package core

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// InterestFilter decides whether an entity is relevant to a connection
// this tick (§4.9 "interest management / spatial relevance"). The default
// AllInterested filter replicates every entity to every connection; a host
// application supplies a spatial-partition-aware filter for larger worlds.
type InterestFilter func(conn *Connection, netID NetworkEntityID) bool

// AllInterested is the trivial InterestFilter: every connection is
// interested in every entity.
func AllInterested(*Connection, NetworkEntityID) bool { return true }

// pendingRef is a component update that referenced a NetworkEntityID not
// yet known locally (the entity's Spawn has not arrived), held until the
// spawn resolves it or it expires (§9 "cyclic dependencies").
type pendingRef struct {
	typ         ComponentTypeID
	baseVersion uint32
	newVersion  uint32
	data        []byte
	isDelta     bool
}

// componentSendState is the per-connection, per-(entity, component type)
// bookkeeping §3's EntityReplicationState.per_component describes: the last
// version handed to the codec, the tick it was sent on (for
// update_period_ticks throttling), and the last version the peer has
// acknowledged, which becomes the base for the next delta. inFlight retains
// the exact bytes sent for each not-yet-acked version so AckVersion can
// promote it to the new delta base without re-reading history.
type componentSendState struct {
	sentVersion  uint32
	sentTick     uint32
	hasSent      bool
	ackedVersion uint32
	ackedData    []byte
	hasAcked     bool
	inFlight     map[uint32][]byte
}

// ReplicationEngine is the central subsystem (C7): on each tick it diffs
// ECS state against each connection's per-component send state and emits
// full or delta updates, and on inbound messages applies authority-checked
// mutations back into the ECS store. Grounded on the teacher's
// replication.go Replicator (gossip fanout generalized to per-connection
// interest-filtered unicast; inventory/getdata request-response generalized
// to full-vs-delta selection).
type ReplicationEngine struct {
	log      *logrus.Logger
	store    ECSStore
	registry *ComponentRegistry
	snaps    *SnapshotStore
	conns    *ConnectionManager
	auth     *AuthoritySystem
	filter   InterestFilter

	mu    sync.Mutex
	state map[uint32]map[NetworkEntityID]map[ComponentTypeID]*componentSendState // connID -> netID -> type -> state
	known map[uint32]map[NetworkEntityID]struct{}                                // connID -> netIDs currently in that conn's relevance set
	pending *lru.Cache[NetworkEntityID, []pendingRef]
	tick    uint32
}

// NewReplicationEngine wires the subsystem together.
func NewReplicationEngine(log *logrus.Logger, store ECSStore, registry *ComponentRegistry, snaps *SnapshotStore, conns *ConnectionManager, auth *AuthoritySystem) (*ReplicationEngine, error) {
	if log == nil {
		log = logrus.New()
	}
	pending, err := lru.New[NetworkEntityID, []pendingRef](1024)
	if err != nil {
		return nil, NewError(KindResource, "new pending ref cache", err)
	}
	return &ReplicationEngine{
		log:      log,
		store:    store,
		registry: registry,
		snaps:    snaps,
		conns:    conns,
		auth:     auth,
		filter:   AllInterested,
		state:    make(map[uint32]map[NetworkEntityID]map[ComponentTypeID]*componentSendState),
		known:    make(map[uint32]map[NetworkEntityID]struct{}),
		pending:  pending,
	}, nil
}

// SetInterestFilter installs a custom relevance filter.
func (e *ReplicationEngine) SetInterestFilter(f InterestFilter) {
	if f == nil {
		f = AllInterested
	}
	e.filter = f
}

// TickOutput is one outbound message BuildTick decided to emit. CompType,
// Version, BaseVersion and Data are populated for MsgComponentFull and
// MsgComponentDelta; Comps and OwnerPeer are populated for MsgEntitySpawn.
type TickOutput struct {
	ConnID      uint32
	TypeID      uint16
	NetID       NetworkEntityID
	CompType    ComponentTypeID
	Version     uint32
	BaseVersion uint32
	Data        []byte
	Comps       []Component // MsgEntitySpawn only
	OwnerPeer   PeerID      // MsgEntitySpawn only
}

// BuildTick diffs each connected, interested peer's relevance set against
// what it was last tick (§4.7 steps 6-7): entities newly entering a
// connection's interest produce a Spawn (carrying the entity's current
// owner and full component state, so no separate full update is needed for
// the same tick); entities that exit produce a Despawn so the peer can free
// its replica. Entities that remain relevant are diffed component-by-
// component against that connection's per-component send state (§4.7 step
// 2: update_period_ticks throttling, step 3: delta-vs-full selection).
func (e *ReplicationEngine) BuildTick(tick uint32) []TickOutput {
	e.mu.Lock()
	e.tick = tick
	e.mu.Unlock()

	entities := e.store.Entities()
	snapByID := make(map[NetworkEntityID]EntitySnapshot, len(entities))
	for _, netID := range entities {
		snap, ok := e.store.Snapshot(netID)
		if !ok {
			continue
		}
		snapByID[netID] = snap
		e.snaps.Record(netID, tick, snap.Version, snap.Components)
	}

	var out []TickOutput
	for _, conn := range e.conns.All() {
		if conn.State() != StateConnected {
			continue
		}

		interested := make(map[NetworkEntityID]struct{})
		for netID := range snapByID {
			if e.filter(conn, netID) {
				interested[netID] = struct{}{}
			}
		}

		e.mu.Lock()
		prevKnown := e.known[conn.ID]
		e.mu.Unlock()

		for netID := range prevKnown {
			if _, stillInterested := interested[netID]; !stillInterested {
				out = append(out, TickOutput{ConnID: conn.ID, TypeID: MsgEntityDespawn, NetID: netID})
				e.clearConnEntity(conn.ID, netID)
			}
		}
		for netID := range interested {
			snap := snapByID[netID]
			if _, alreadyKnown := prevKnown[netID]; !alreadyKnown {
				owner := ServerAuthority
				if e.auth != nil {
					owner = e.auth.Owner(netID)
				}
				out = append(out, TickOutput{ConnID: conn.ID, TypeID: MsgEntitySpawn, NetID: netID, Version: snap.Version, Comps: snap.Components, OwnerPeer: owner})
				e.markSpawned(conn.ID, netID, snap.Components, tick)
				continue
			}
			for _, comp := range snap.Components {
				if o, ok := e.buildComponentForConn(conn.ID, netID, comp, tick); ok {
					out = append(out, o)
				}
			}
		}

		e.mu.Lock()
		e.known[conn.ID] = interested
		e.mu.Unlock()
	}
	return out
}

// markSpawned seeds per-component send state for a freshly-spawned entity.
// The Spawn message carries every component's current value, but the delta
// base only advances once the peer's handleSpawn echoes a per-component Ack
// back (§4.7 step 4) — so state starts unacknowledged, the same as any other
// component update, with the spawned version recorded in-flight so that ack
// can be recognized when it arrives.
func (e *ReplicationEngine) markSpawned(connID uint32, netID NetworkEntityID, comps []Component, tick uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byNet, ok := e.state[connID]
	if !ok {
		byNet = make(map[NetworkEntityID]map[ComponentTypeID]*componentSendState)
		e.state[connID] = byNet
	}
	byType := make(map[ComponentTypeID]*componentSendState, len(comps))
	for _, c := range comps {
		byType[c.Type] = &componentSendState{
			sentVersion: c.Version,
			sentTick:    tick,
			hasSent:     true,
			inFlight:    map[uint32][]byte{c.Version: c.Data},
		}
	}
	byNet[netID] = byType
}

func (e *ReplicationEngine) clearConnEntity(connID uint32, netID NetworkEntityID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if byNet, ok := e.state[connID]; ok {
		delete(byNet, netID)
	}
}

func (e *ReplicationEngine) stateFor(connID uint32, netID NetworkEntityID, typ ComponentTypeID) *componentSendState {
	byNet, ok := e.state[connID]
	if !ok {
		byNet = make(map[NetworkEntityID]map[ComponentTypeID]*componentSendState)
		e.state[connID] = byNet
	}
	byType, ok := byNet[netID]
	if !ok {
		byType = make(map[ComponentTypeID]*componentSendState)
		byNet[netID] = byType
	}
	st, ok := byType[typ]
	if !ok {
		st = &componentSendState{inFlight: make(map[uint32][]byte)}
		byType[typ] = st
	}
	return st
}

// buildComponentForConn decides whether a single component needs to be sent
// to conn this tick, and if so whether as a full or delta update.
func (e *ReplicationEngine) buildComponentForConn(connID uint32, netID NetworkEntityID, comp Component, tick uint32) (TickOutput, bool) {
	period := uint32(1)
	var encodeDelta func(prior, current []byte) []byte
	if info, ok := e.registry.Lookup(comp.Type); ok {
		if info.UpdatePeriodTicks > 0 {
			period = info.UpdatePeriodTicks
		}
		if info.Flags.Has(FlagDeltaCompressed) {
			encodeDelta = info.EncodeDelta
		}
	}

	e.mu.Lock()
	st := e.stateFor(connID, netID, comp.Type)
	if st.hasSent && st.sentVersion == comp.Version {
		e.mu.Unlock()
		return TickOutput{}, false
	}
	if st.hasSent && tick < st.sentTick+period {
		e.mu.Unlock()
		return TickOutput{}, false
	}

	out := TickOutput{ConnID: connID, NetID: netID, CompType: comp.Type, Version: comp.Version}
	if st.hasAcked && encodeDelta != nil {
		d := encodeDelta(st.ackedData, comp.Data)
		out.TypeID = MsgComponentDelta
		out.BaseVersion = st.ackedVersion
		out.Data = d
	} else {
		out.TypeID = MsgComponentFull
		out.Data = comp.Data
	}

	st.sentVersion = comp.Version
	st.sentTick = tick
	st.hasSent = true
	st.inFlight[comp.Version] = comp.Data
	e.mu.Unlock()
	return out, true
}

// AckVersion records that connID has confirmed receipt of netID's
// component typ at version, advancing the delta base used for future
// ticks. Only versions the engine actually has in flight for that
// connection are accepted, so a stray or replayed ack cannot move the base
// to data the peer never received.
func (e *ReplicationEngine) AckVersion(connID uint32, netID NetworkEntityID, typ ComponentTypeID, version uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byNet, ok := e.state[connID]
	if !ok {
		return
	}
	byType, ok := byNet[netID]
	if !ok {
		return
	}
	st, ok := byType[typ]
	if !ok {
		return
	}
	data, known := st.inFlight[version]
	if !known {
		return
	}
	if st.hasAcked && !seqGreater(version, st.ackedVersion) {
		return
	}
	st.ackedVersion = version
	st.ackedData = data
	st.hasAcked = true
	for v := range st.inFlight {
		if !seqGreater(v, version) {
			delete(st.inFlight, v)
		}
	}
}

// ApplyFull applies an inbound full entity snapshot to the ECS store and
// resolves any pending component updates that were waiting on this
// entity's spawn.
func (e *ReplicationEngine) ApplyFull(netID NetworkEntityID, version uint32, comps []Component) {
	e.store.ApplySnapshot(EntitySnapshot{NetID: netID, Version: version, Components: comps})
	e.resolvePending(netID)
}

// ApplyComponentUpdate applies an inbound full or delta component update,
// checking ownership via the authority system when senderPeer is non-zero
// and deferring the update (via the pending-ref cache) when the entity is
// not yet known locally. For a delta update, the sender's base_version must
// match the version this engine most recently applied for that component
// (§3 "a delta is applicable iff the receiver holds state at v_base");
// otherwise the update is rejected rather than silently corrupting the
// replica. applied reports whether the update was merged into the store
// now (vs. deferred pending a Spawn, or rejected) — callers must only ack
// the new version back to the sender when applied is true.
func (e *ReplicationEngine) ApplyComponentUpdate(senderPeer PeerID, netID NetworkEntityID, typ ComponentTypeID, baseVersion, newVersion uint32, payload []byte, isDelta bool) (applied bool, err error) {
	if e.auth != nil && senderPeer != 0 {
		if !e.auth.IsOwner(netID, senderPeer) {
			return false, NewError(KindAuth, "apply component update", ErrNotOwner).WithNetID(netID)
		}
	}

	data := payload
	if isDelta {
		snap, ok := e.store.Snapshot(netID)
		if !ok {
			e.deferPending(netID, typ, baseVersion, newVersion, payload, isDelta)
			return false, nil
		}
		var priorData []byte
		found := false
		for _, c := range snap.Components {
			if c.Type == typ {
				priorData = c.Data
				found = true
				break
			}
		}
		if !found {
			e.deferPending(netID, typ, baseVersion, newVersion, payload, isDelta)
			return false, nil
		}
		if info, ok := e.registry.Lookup(typ); ok && info.DecodeDelta != nil {
			decoded, derr := info.DecodeDelta(priorData, payload)
			if derr != nil {
				return false, NewError(KindReplication, "decode component delta", derr).WithNetID(netID)
			}
			data = decoded
		}
	}

	err = e.store.ApplyComponentUpdate(netID, typ, baseVersion, newVersion, data, isDelta)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrUnknownNetID) {
		e.deferPending(netID, typ, baseVersion, newVersion, payload, isDelta)
		return false, nil
	}
	return false, err
}

func (e *ReplicationEngine) deferPending(netID NetworkEntityID, typ ComponentTypeID, baseVersion, newVersion uint32, data []byte, isDelta bool) {
	existing, _ := e.pending.Get(netID)
	existing = append(existing, pendingRef{typ: typ, baseVersion: baseVersion, newVersion: newVersion, data: data, isDelta: isDelta})
	e.pending.Add(netID, existing)
	e.log.WithField("net_id", netID).Debug("replication: deferred component update pending spawn")
}

func (e *ReplicationEngine) resolvePending(netID NetworkEntityID) {
	refs, ok := e.pending.Get(netID)
	if !ok {
		return
	}
	e.pending.Remove(netID)
	for _, ref := range refs {
		if _, err := e.ApplyComponentUpdate(0, netID, ref.typ, ref.baseVersion, ref.newVersion, ref.data, ref.isDelta); err != nil {
			e.log.WithError(err).WithField("net_id", netID).Warn("replication: failed to apply resolved pending component update")
		}
	}
}

// Despawn removes an entity from the store, its snapshot history, and any
// pending references waiting on it.
func (e *ReplicationEngine) Despawn(netID NetworkEntityID) {
	e.store.Remove(netID)
	e.snaps.Forget(netID)
	e.pending.Remove(netID)
}

// DropConnection clears a disconnected peer's per-component send state.
func (e *ReplicationEngine) DropConnection(connID uint32) {
	e.mu.Lock()
	delete(e.state, connID)
	delete(e.known, connID)
	e.mu.Unlock()
}
