package core

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultMaxRetransmits is the default max_retransmits (§4.2) before a
// connection is declared Disconnected with reason Timeout.
const defaultMaxRetransmits = 10

// defaultFragmentTTL bounds how long an incomplete fragment reassembly is
// held before being dropped (§4.2 FragmentTTL).
const defaultFragmentTTL = 5 * time.Second

// NodeConfig carries the tunables a Node needs at construction time,
// mirroring the keys pkg/config.Config loads from YAML/env (§6).
type NodeConfig struct {
	ListenAddr     string
	TickRate       time.Duration
	SendRatePerSec float64
	MaxQueue       int
	Overflow       OverflowPolicy
	AdminAddr      string // empty disables the admin HTTP surface
	ViolationLimit int

	// MaxRetries bounds how many times an unacknowledged reliable packet may
	// time out (its original send included) before the connection is
	// declared Disconnected with reason Timeout instead of resending it again
	// (§4.2 max_retransmits). Defaults to defaultMaxRetransmits.
	MaxRetries int
	// FragmentTTL bounds how long an incomplete fragment reassembly is held
	// before being dropped (§4.2). Defaults to defaultFragmentTTL.
	FragmentTTL time.Duration

	// Credential is invoked for every inbound Handshake (§4.4). Defaults to
	// AcceptAll, accepting every connecting peer.
	Credential CredentialHook
	// ClientVersion/ClientName are sent in this node's outbound Handshake
	// when it initiates a connection via Connect.
	ClientVersion uint16
	ClientName    string
}

// Node wires together the datagram endpoint, connection manager,
// component registry, snapshot store, replication engine, and authority
// system into a runnable replication server/client, grounded on the
// teacher's core/network.go NewNode wiring (there: libp2p host + every
// blockchain subsystem; here: the raw-UDP transport stack this spec
// defines) and its Start/Stop lifecycle idiom.
type Node struct {
	log *logrus.Logger
	cfg NodeConfig

	endpoint    *Endpoint
	conns       *ConnectionManager
	registry    *ComponentRegistry
	store       ECSStore
	snaps       *SnapshotStore
	auth        *AuthoritySystem
	replication *ReplicationEngine
	metrics     *MetricsRegistry
	admin       *AdminServer
	adminSrv    *http.Server
	inbound     *MessageQueue

	transform  []Transform
	pktFlags   uint16 // COMPRESSED/ENCRYPTED bits implied by the transform chain
	credential CredentialHook

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	tick uint32
}

// NewNode constructs a Node. store and registry are supplied by the host
// application; pass core.NewInMemoryStore() and a fresh
// core.NewComponentRegistry() for the reference setup used by tests and
// the CLI.
func NewNode(cfg NodeConfig, log *logrus.Logger, store ECSStore, registry *ComponentRegistry, transform ...Transform) (*Node, error) {
	if log == nil {
		log = logrus.New()
	}
	endpoint, err := NewEndpoint(cfg.ListenAddr, log)
	if err != nil {
		return nil, err
	}
	conns := NewConnectionManager(log)
	snaps, err := NewSnapshotStore()
	if err != nil {
		return nil, err
	}
	auth := NewAuthoritySystem(log)
	if cfg.ViolationLimit > 0 {
		auth.SetViolationThreshold(cfg.ViolationLimit)
	}
	repl, err := NewReplicationEngine(log, store, registry, snaps, conns, auth)
	if err != nil {
		return nil, err
	}

	credential := cfg.Credential
	if credential == nil {
		credential = AcceptAll
	}

	n := &Node{
		log:         log,
		cfg:         cfg,
		endpoint:    endpoint,
		conns:       conns,
		registry:    registry,
		store:       store,
		snaps:       snaps,
		auth:        auth,
		replication: repl,
		metrics:     NewMetricsRegistry(),
		transform:   transform,
		pktFlags:    transformFlags(transform),
		credential:  credential,
		inbound:     NewMessageQueue(cfg.MaxQueue, cfg.Overflow),
	}

	conns.OnDisconnect(func(c *Connection, reason string) {
		orphaned := auth.Orphan(PeerID(c.PeerID))
		for _, netID := range orphaned {
			log.WithFields(logrus.Fields{"conn_id": c.ID, "net_id": netID}).Info("authority: entity orphaned to server")
		}
		repl.DropConnection(c.ID)
		n.metrics.Forget(c.ID)
	})

	auth.OnKick(func(peer PeerID, reason string) {
		for _, c := range conns.All() {
			if c.PeerID == peer {
				conns.Remove(c.ID, reason)
			}
		}
	})

	if cfg.AdminAddr != "" {
		n.admin = NewAdminServer(n)
		n.adminSrv = &http.Server{Addr: cfg.AdminAddr, Handler: n.admin.Handler()}
	}

	return n, nil
}

// transformFlags inspects the configured transform chain and derives the
// PacketHeader bits a receiver needs to know before it can decode a frame
// (§4.1 COMPRESSED/ENCRYPTED): any zstd/LZ4 stage sets COMPRESSED, any
// AEAD stage sets ENCRYPTED.
func transformFlags(chain []Transform) uint16 {
	var flags uint16
	for _, t := range chain {
		switch t.(type) {
		case *ZstdTransform, *LZ4Transform:
			flags |= flagCompressed
		case *AESGCMTransform, *ChaCha20Poly1305Transform:
			flags |= flagEncrypted
		}
	}
	return flags
}

// LocalAddr reports the bound UDP address.
func (n *Node) LocalAddr() *net.UDPAddr { return n.endpoint.LocalAddr() }

// Registry returns the node's component registry.
func (n *Node) Registry() *ComponentRegistry { return n.registry }

// Authority returns the node's authority system.
func (n *Node) Authority() *AuthoritySystem { return n.auth }

// Replication returns the node's replication engine.
func (n *Node) Replication() *ReplicationEngine { return n.replication }

// Metrics returns the node's metrics registry.
func (n *Node) Metrics() *MetricsRegistry { return n.metrics }

// Connections returns the node's connection manager.
func (n *Node) Connections() *ConnectionManager { return n.conns }

// SetCredential overrides the CredentialHook invoked for inbound Handshakes
// after construction (test use; production nodes set NodeConfig.Credential).
func (n *Node) SetCredential(h CredentialHook) {
	if h == nil {
		h = AcceptAll
	}
	n.credential = h
}

// WithLossSimulator attaches fault injection to the underlying endpoint
// (test use only).
func (n *Node) WithLossSimulator(sim *LossSimulator) *Node {
	n.endpoint.WithLossSimulator(sim)
	return n
}

// Connect initiates the client-side handshake state machine (§4.4) against
// a remote node: it opens a Connection in StateHandshaking and sends a
// reliable, ordered Handshake carrying this node's ClientVersion/ClientName.
// The connection transitions to StateConnected when a HandshakeAccept
// arrives (handled by dispatch); callers poll conn.State() or watch for
// outbound replication to confirm completion.
func (n *Node) Connect(addr *net.UDPAddr) (*Connection, error) {
	conn := n.conns.BeginHandshake(addr, n.cfg.SendRatePerSec, n.cfg.MaxQueue, n.cfg.Overflow, n.transform...)
	req := HandshakeRequest{ClientVersion: n.cfg.ClientVersion, ClientName: n.cfg.ClientName}
	frame, err := conn.Codec().Encode(MsgHandshakeRequest, 0, 1, encodeHandshakeRequest(req))
	if err != nil {
		return nil, NewError(KindProtocol, "connect: encode handshake", err)
	}
	n.sendReliable(conn, frame, true)
	return conn, nil
}

// RequestOwnershipTransfer drives the transfer protocol (§4.8): it sends a
// reliable, ordered EntityOwnership request on serverConn, whose remote
// side confirms and broadcasts the new owner back. It always goes through
// serverConn; there is no separate path that applies the transfer locally
// when this node is itself the server.
func (n *Node) RequestOwnershipTransfer(serverConn *Connection, netID NetworkEntityID, newOwner PeerID) {
	payload := encodeOwnershipPayload(netID, newOwner)
	frame, err := serverConn.Codec().Encode(MsgAuthorityTransferRequest, 0, 1, payload)
	if err != nil {
		n.log.WithError(err).Warn("node: encode ownership transfer request failed")
		return
	}
	n.sendReliable(serverConn, frame, true)
}

// Start launches the endpoint, connection reaper, tick loop, receive pump,
// and optional admin HTTP server, coordinated by an errgroup so any
// goroutine's fatal error triggers a coordinated shutdown (§6 domain
// stack: golang.org/x/sync/errgroup), generalized from the teacher's
// bare sync.WaitGroup Start/Stop pattern.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(n.ctx)
	n.group = g

	n.endpoint.Start()
	n.conns.Start()

	g.Go(func() error { return n.recvLoop(gctx) })
	g.Go(func() error { return n.dispatchLoop(gctx) })
	g.Go(func() error { return n.tickLoop(gctx) })
	g.Go(func() error { return n.heartbeatLoop(gctx) })

	if n.adminSrv != nil {
		g.Go(func() error {
			if err := n.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return NewError(KindTransport, "admin server", err)
			}
			return nil
		})
	}

	return nil
}

// Stop cancels all Node goroutines and waits for them to exit, returning
// the first error (if any) reported by the errgroup.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n.adminSrv.Shutdown(shutdownCtx)
	}
	n.conns.Stop()
	endpointErr := n.endpoint.Stop()
	var groupErr error
	if n.group != nil {
		groupErr = n.group.Wait()
	}
	if groupErr != nil {
		return groupErr
	}
	return endpointErr
}

func (n *Node) recvLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case dg, ok := <-n.endpoint.Recv():
			if !ok {
				return nil
			}
			n.handleDatagram(dg)
		}
	}
}

func (n *Node) handleDatagram(dg Datagram) {
	hdr, consumed, err := DecodePacketHeader(dg.Data)
	if err != nil {
		n.log.WithError(err).Debug("node: dropping malformed packet")
		return
	}
	conn, ok := n.conns.ByID(hdr.ConnectionID)
	if !ok {
		conn, ok = n.conns.ByAddr(dg.Addr)
		if !ok {
			return
		}
	}
	n.conns.Touch(conn)
	n.metrics.RecordRecv(conn.ID, len(dg.Data))

	rel := conn.Reliability()
	rel.AckReceived(hdr.Ack, hdr.AckBitfield)
	if hdr.Flags&flagReliable != 0 {
		if !rel.ObserveRemoteSequence(hdr.Sequence) {
			return // duplicate
		}
	}

	payload := dg.Data[consumed:]
	var body []byte
	if hdr.fragmented() {
		reassembled, complete := rel.Reassemble(hdr.FragmentID, hdr.FragmentIndex, hdr.FragmentCount, payload)
		if !complete {
			return
		}
		body = reassembled
	} else {
		body = payload
	}
	if len(body) == 0 {
		return // pure ack packet
	}

	msg, err := conn.Codec().Decode(body)
	if err != nil {
		n.log.WithError(err).WithField("conn_id", conn.ID).Warn("node: codec decode failed")
		return
	}

	ready := []Message{msg}
	if hdr.Flags&flagOrdered != 0 {
		ready = rel.AdmitOrdered(hdr.Channel, msg.Header.Reserved, msg)
	}
	for _, m := range ready {
		if err := n.inbound.Enqueue(InboundMessage{ConnID: conn.ID, Msg: m}); err != nil {
			n.log.WithError(err).WithField("conn_id", conn.ID).Warn("node: inbound queue full")
			if IsKind(err, KindResource) {
				n.conns.Remove(conn.ID, "inbound queue overflow")
			}
		}
	}
}

// dispatchLoop drains decoded messages from the bounded inbound queue,
// decoupling packet reassembly (recvLoop) from replication/authority
// semantics the way §5's multi-threaded variant decouples the network
// worker from the application thread even when both run as goroutines of
// one process.
func (n *Node) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				im, ok := n.inbound.Dequeue()
				if !ok {
					break
				}
				conn, ok := n.conns.ByID(im.ConnID)
				if !ok {
					continue
				}
				n.dispatch(conn, im.Msg)
			}
		}
	}
}

func (n *Node) dispatch(conn *Connection, msg Message) {
	switch msg.Header.TypeID {
	case MsgHandshakeRequest:
		n.handleHandshakeRequest(conn, msg)
	case MsgHandshakeAccept, MsgHandshakeReject:
		n.handleHandshakeAck(conn, msg)
	case MsgAuthorityTransferRequest:
		n.handleTransferRequest(conn, msg)
	case MsgAuthorityTransferAck:
		n.handleTransferAck(msg)
	case MsgEntitySpawn:
		n.handleSpawn(conn, msg)
	case MsgEntityDespawn:
		n.handleDespawn(msg)
	case MsgComponentFull:
		netID, typ, version, data, err := decodeComponentFullPayload(msg.Payload)
		if err != nil {
			n.log.WithError(err).Warn("node: bad full-update payload")
			return
		}
		applied, err := n.replication.ApplyComponentUpdate(PeerID(conn.PeerID), netID, typ, 0, version, data, false)
		if err != nil {
			if IsKind(err, KindAuth) {
				n.auth.RecordViolation(conn.PeerID, netID)
			}
			return
		}
		if applied {
			n.sendAck(conn, netID, typ, version)
		}
	case MsgComponentDelta:
		netID, typ, baseVersion, newVersion, data, err := decodeDeltaPayload(msg.Payload)
		if err != nil {
			n.log.WithError(err).Warn("node: bad delta payload")
			return
		}
		applied, err := n.replication.ApplyComponentUpdate(PeerID(conn.PeerID), netID, typ, baseVersion, newVersion, data, true)
		if err != nil {
			if IsKind(err, KindAuth) {
				n.auth.RecordViolation(conn.PeerID, netID)
			}
			return
		}
		if applied {
			n.sendAck(conn, netID, typ, newVersion)
		}
	case MsgAck:
		netID, typ, version, err := decodeAckPayload(msg.Payload)
		if err != nil {
			n.log.WithError(err).Warn("node: bad ack payload")
			return
		}
		n.replication.AckVersion(conn.ID, netID, typ, version)
	case MsgHeartbeat:
		// touch already recorded above; nothing further to do.
	default:
		n.log.WithField("type_id", msg.Header.TypeID).Debug("node: unhandled message type")
	}
}

// handleHandshakeRequest is the server-side half of §4.4: decode the
// client's Handshake, invoke the credential hook, allocate a PeerID and
// session id on accept, and reply with HandshakeAccept/HandshakeReject.
func (n *Node) handleHandshakeRequest(conn *Connection, msg Message) {
	req, err := decodeHandshakeRequest(msg.Payload)
	if err != nil {
		n.log.WithError(err).Warn("node: malformed handshake request")
		return
	}
	accept, reason := n.credential(req)
	if !accept {
		ack := HandshakeAck{Accepted: false, RejectionReason: reason}
		frame, err := conn.Codec().Encode(MsgHandshakeReject, 0, 1, encodeHandshakeAck(ack))
		if err == nil {
			n.sendReliable(conn, frame, true)
		}
		n.conns.Remove(conn.ID, "handshake rejected: "+reason)
		return
	}
	peerID := n.conns.AllocatePeerID()
	sessionID := NewSessionID()
	n.conns.CompleteHandshake(conn, peerID, sessionID)
	ack := HandshakeAck{Accepted: true, AssignedClientID: peerID, SessionID: sessionID}
	frame, err := conn.Codec().Encode(MsgHandshakeAccept, 0, 1, encodeHandshakeAck(ack))
	if err != nil {
		n.log.WithError(err).Warn("node: encode handshake accept failed")
		return
	}
	n.sendReliable(conn, frame, true)
	n.log.WithFields(logrus.Fields{"conn_id": conn.ID, "peer_id": peerID}).Info("node: peer authenticated")
}

// handleHandshakeAck is the client-side half of §4.4: on accept, complete
// the local handshake state machine with the server-assigned id; on
// reject, tear down the connection.
func (n *Node) handleHandshakeAck(conn *Connection, msg Message) {
	ack, err := decodeHandshakeAck(msg.Payload)
	if err != nil {
		n.log.WithError(err).Warn("node: malformed handshake ack")
		return
	}
	if !ack.Accepted {
		n.conns.Remove(conn.ID, "handshake rejected by server: "+ack.RejectionReason)
		return
	}
	n.conns.CompleteHandshake(conn, ack.AssignedClientID, ack.SessionID)
	n.log.WithFields(logrus.Fields{"conn_id": conn.ID, "assigned_id": ack.AssignedClientID}).Info("node: handshake complete")
}

// handleTransferRequest is the server-side half of the transfer protocol
// (§4.8 step 2): confirm the request against the requesting peer's current
// ownership and broadcast the new owner to every connected peer.
func (n *Node) handleTransferRequest(conn *Connection, msg Message) {
	netID, newOwner, err := decodeOwnershipPayload(msg.Payload)
	if err != nil {
		n.log.WithError(err).Warn("node: malformed ownership transfer request")
		return
	}
	if !n.auth.IsOwner(netID, conn.PeerID) && n.auth.Owner(netID) != ServerAuthority {
		n.auth.RecordViolation(conn.PeerID, netID)
		return
	}
	n.auth.RequestTransfer(netID, newOwner)
	n.auth.ConfirmTransfer(netID, newOwner)
	payload := encodeOwnershipPayload(netID, newOwner)
	for _, c := range n.conns.All() {
		frame, err := c.Codec().Encode(MsgAuthorityTransferAck, 0, 1, payload)
		if err != nil {
			continue
		}
		n.sendReliable(c, frame, true)
	}
}

// handleTransferAck applies a broadcast ownership change locally (§4.8
// step 3), run on every peer that receives the server's broadcast; the
// server itself has already applied the change in handleTransferRequest.
func (n *Node) handleTransferAck(msg Message) {
	netID, newOwner, err := decodeOwnershipPayload(msg.Payload)
	if err != nil {
		n.log.WithError(err).Warn("node: malformed ownership transfer ack")
		return
	}
	n.auth.RequestTransfer(netID, newOwner)
	n.auth.ConfirmTransfer(netID, newOwner)
}

// handleSpawn applies an inbound EntitySpawn (§4.7 step 6): record the
// entity's owner locally before the component state, so the authority
// check for any update that races in immediately after sees the right
// owner, then create the entity via ApplyFull and acknowledge every
// component at its spawned version so the sender's delta base advances.
func (n *Node) handleSpawn(conn *Connection, msg Message) {
	owner, netID, version, comps, err := decodeSpawnPayload(msg.Payload)
	if err != nil {
		n.log.WithError(err).Warn("node: malformed entity spawn")
		return
	}
	n.auth.RequestTransfer(netID, owner)
	n.auth.ConfirmTransfer(netID, owner)
	n.replication.ApplyFull(netID, version, comps)
	for _, c := range comps {
		n.sendAck(conn, netID, c.Type, c.Version)
	}
}

// handleDespawn applies an inbound EntityDespawn (§4.7 step 7), freeing the
// local replica and its authority/pending-delta bookkeeping.
func (n *Node) handleDespawn(msg Message) {
	netID, err := decodeDespawnPayload(msg.Payload)
	if err != nil {
		n.log.WithError(err).Warn("node: malformed entity despawn")
		return
	}
	n.replication.Despawn(netID)
}

// tickLoop advances the replication engine once per TickRate, building and
// sending outbound updates for every connection, then sweeping stale
// fragment reassemblies and retransmitting unacknowledged reliable sends.
func (n *Node) tickLoop(ctx context.Context) error {
	rate := n.cfg.TickRate
	if rate <= 0 {
		rate = 50 * time.Millisecond
	}
	fragTTL := n.cfg.FragmentTTL
	if fragTTL <= 0 {
		fragTTL = defaultFragmentTTL
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.tick++
			for _, out := range n.replication.BuildTick(n.tick) {
				n.sendTickOutput(out)
			}
			for _, conn := range n.conns.All() {
				conn.Reliability().ExpireFragments(fragTTL)
			}
			n.retransmitAll()
		}
	}
}

// heartbeatLoop emits an unreliable Heartbeat to every connected peer at
// heartbeatInterval, the liveness signal the reaper's idle timeout (§4.4)
// relies on from the remote side.
func (n *Node) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, conn := range n.conns.All() {
				if conn.State() != StateConnected {
					continue
				}
				frame, err := conn.Codec().Encode(MsgHeartbeat, 0, 0, nil)
				if err != nil {
					continue
				}
				if err := n.endpoint.Send(conn.Addr, n.unreliableFrame(conn, frame, flagHeartbeat)); err != nil {
					n.log.WithError(err).Debug("node: heartbeat send failed")
				}
			}
		}
	}
}

// unreliableFrame prefixes a plain datagram header (no sequence tracking)
// around an unreliable payload such as a Heartbeat or Ack. extraFlags ORs
// in message-specific bits (e.g. flagHeartbeat) alongside whatever the
// configured transform chain implies (COMPRESSED/ENCRYPTED).
func (n *Node) unreliableFrame(conn *Connection, payload []byte, extraFlags uint16) []byte {
	rel := conn.Reliability()
	ack, bitfield := rel.LocalHeader()
	h := PacketHeader{
		Magic:        packetMagic,
		Version:      protocolVersion,
		ConnectionID: conn.ID,
		Sequence:     rel.NextSequence(),
		Ack:          ack,
		AckBitfield:  bitfield,
		Flags:        extraFlags | n.pktFlags,
		PayloadLen:   uint16(len(payload)),
	}
	return encodeDatagram(h, payload)
}

// encodeDatagram writes h followed by payload into a single buffer. The
// header is encoded into scratch space sized for the largest (fragmented)
// header, and only the bytes Encode reports as written are copied out.
func encodeDatagram(h PacketHeader, payload []byte) []byte {
	scratch := make([]byte, packetHeaderSize+packetFragmentExtraSize+4)
	written, err := h.Encode(scratch)
	if err != nil {
		return nil
	}
	buf := make([]byte, written+len(payload))
	copy(buf, scratch[:written])
	copy(buf[written:], payload)
	return buf
}

func (n *Node) sendTickOutput(out TickOutput) {
	conn, ok := n.conns.ByID(out.ConnID)
	if !ok {
		return
	}
	var payload []byte
	ordered := false
	switch out.TypeID {
	case MsgEntitySpawn:
		payload = encodeSpawnPayload(out.NetID, out.OwnerPeer, out.Version, out.Comps)
		ordered = true
	case MsgEntityDespawn:
		payload = encodeDespawnPayload(out.NetID)
		ordered = true
	case MsgComponentDelta:
		payload = encodeDeltaPayload(out.NetID, out.CompType, out.BaseVersion, out.Version, out.Data)
	default: // MsgComponentFull
		payload = encodeComponentFullPayload(out.NetID, out.CompType, out.Version, out.Data)
	}
	frame, err := conn.Codec().Encode(out.TypeID, 0, 1, payload)
	if err != nil {
		n.log.WithError(err).Warn("node: encode failed")
		return
	}

	reliable := true
	if out.TypeID == MsgComponentFull || out.TypeID == MsgComponentDelta {
		if info, ok := n.registry.Lookup(out.CompType); ok {
			reliable = info.Flags.Has(FlagReliable)
			ordered = info.Flags.Has(FlagOrdered)
		}
	}
	if reliable {
		n.sendReliable(conn, frame, ordered)
		return
	}
	if err := n.endpoint.Send(conn.Addr, n.unreliableFrame(conn, frame, 0)); err != nil {
		n.log.WithError(err).Debug("node: unreliable component send failed")
	}
}

// sendReliable fragments and sends payload over the reliable channel,
// tracking each fragment for retransmission. When ordered is true the
// message is stamped with a per-channel ORDERED counter (§4.2) so the
// receiver's AdmitOrdered enforces FIFO delivery regardless of the order
// the underlying UDP datagrams actually arrive in.
func (n *Node) sendReliable(conn *Connection, payload []byte, ordered bool) {
	rel := conn.Reliability()
	if !rel.CanSend() {
		return
	}
	if ordered {
		if len(payload) >= messageHeaderSize {
			binary.LittleEndian.PutUint32(payload[40:44], rel.NextOrdered(0))
		}
	}
	fragID := uint16(conn.Codec().NewMessageID())
	chunks := Fragment(payload, fragID)
	for i, chunk := range chunks {
		seq := rel.NextSequence()
		ack, bitfield := rel.LocalHeader()
		flags := flagReliable | n.pktFlags
		if ordered {
			flags |= flagOrdered
		}
		if len(chunks) > 1 {
			flags |= flagFragmented
		}
		h := PacketHeader{
			Magic:         packetMagic,
			Version:       protocolVersion,
			ConnectionID:  conn.ID,
			Sequence:      seq,
			Ack:           ack,
			AckBitfield:   bitfield,
			Flags:         flags,
			Channel:       0,
			PayloadLen:    uint16(len(chunk)),
			FragmentID:    fragID,
			FragmentIndex: uint8(i),
			FragmentCount: uint8(len(chunks)),
		}
		buf := encodeDatagram(h, chunk)
		if buf == nil {
			n.log.Warn("node: header encode failed")
			return
		}
		if err := rel.TrackSend(seq, buf); err != nil {
			n.log.WithError(err).Warn("node: track send failed")
			continue
		}
		if err := n.endpoint.Send(conn.Addr, buf); err != nil {
			n.log.WithError(err).Warn("node: send failed")
			continue
		}
		n.metrics.RecordSent(conn.ID, len(buf))
	}
}

// sendAck echoes the type/version of a just-applied component update back
// to the sender so its ReplicationEngine can advance the per-peer,
// per-component delta base (§4.7 step 4, "acknowledge the received
// producer tick").
func (n *Node) sendAck(conn *Connection, netID NetworkEntityID, typ ComponentTypeID, version uint32) {
	frame, err := conn.Codec().Encode(MsgAck, 0, 0, encodeAckPayload(netID, typ, version))
	if err != nil {
		n.log.WithError(err).Warn("node: encode ack failed")
		return
	}
	if err := n.endpoint.Send(conn.Addr, n.unreliableFrame(conn, frame, 0)); err != nil {
		n.log.WithError(err).Debug("node: ack send failed")
	}
}

// retransmitAll resends any reliable packet whose RTO has elapsed, and
// declares a connection Disconnected with reason "Timeout" once any of its
// packets has exhausted max_retransmits (§4.2).
func (n *Node) retransmitAll() {
	maxRetries := n.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetransmits
	}
	for _, conn := range n.conns.All() {
		rel := conn.Reliability()
		pending, exceeded := rel.PendingRetransmits(maxRetries)
		if len(pending) > 0 {
			n.metrics.RecordRetransmit(conn.ID, len(pending))
			for _, buf := range pending {
				if err := n.endpoint.Send(conn.Addr, buf); err != nil {
					n.log.WithError(err).Warn("node: retransmit failed")
				}
			}
		}
		if exceeded {
			n.conns.Remove(conn.ID, "Timeout")
		}
	}
}
