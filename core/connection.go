package core

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionState is the handshake/session state machine for one peer
// connection (§4.4).
type ConnectionState int

const (
	StateHandshaking ConnectionState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	heartbeatInterval = 2 * time.Second
	connectionTimeout = 10 * time.Second
)

// Connection represents one remote peer's transport + reliability state,
// grounded on the teacher's connection_pool.go pooled-connection record
// generalized from a libp2p stream wrapper to a raw-UDP reliability
// session keyed by ConnectionID rather than a multiaddr.
type Connection struct {
	ID        uint32
	PeerID    PeerID
	Addr      *net.UDPAddr
	SessionID uint32

	mu          sync.RWMutex
	state       ConnectionState
	lastSeen    time.Time
	rel         *Reliability
	codec       *Codec
	violations  int
}

// Reliability returns the connection's reliability layer.
func (c *Connection) Reliability() *Reliability { return c.rel }

// Codec returns the connection's message codec.
func (c *Connection) Codec() *Codec { return c.codec }

// State returns the current handshake state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idle() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastSeen)
}

// ConnectionManager owns the live set of peer connections, dispatching the
// handshake state machine and reaping idle connections on a ticker, mirroring
// the teacher's peer_management.go reaper loop generalized from libp2p
// peerstore entries to raw UDP Connection records.
type ConnectionManager struct {
	log *logrus.Logger

	mu      sync.RWMutex
	byID    map[uint32]*Connection
	byAddr  map[string]*Connection
	nextID  uint32
	nextPeerID uint32

	closing chan struct{}
	wg      sync.WaitGroup

	onDisconnect func(*Connection, string)
}

// NewConnectionManager constructs an empty manager.
func NewConnectionManager(log *logrus.Logger) *ConnectionManager {
	if log == nil {
		log = logrus.New()
	}
	return &ConnectionManager{
		log:     log,
		byID:    make(map[uint32]*Connection),
		byAddr:  make(map[string]*Connection),
		closing: make(chan struct{}),
	}
}

// OnDisconnect registers a callback invoked when a connection is removed,
// with a human-readable reason (timeout, explicit close, authority violation).
func (m *ConnectionManager) OnDisconnect(fn func(*Connection, string)) {
	m.onDisconnect = fn
}

// AllocatePeerID hands out the next sequential PeerID for a newly accepted
// client, starting at 1 (PeerID(0) is reserved for server authority, §4.8).
func (m *ConnectionManager) AllocatePeerID() PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPeerID++
	return PeerID(m.nextPeerID)
}

// BeginHandshake creates a new Connection in StateHandshaking for addr,
// allocating a connection id and reliability/codec pair.
func (m *ConnectionManager) BeginHandshake(addr *net.UDPAddr, ratePerSec float64, maxQueue int, overflow OverflowPolicy, transform ...Transform) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	conn := &Connection{
		ID:       id,
		Addr:     addr,
		state:    StateHandshaking,
		lastSeen: time.Now(),
		rel:      NewReliability(ratePerSec, maxQueue, overflow),
		codec:    NewCodec(id, transform...),
	}
	m.byID[id] = conn
	m.byAddr[addr.String()] = conn
	return conn
}

// CompleteHandshake transitions a connection to Connected, binding its
// negotiated peer id and session id (§4.4).
func (m *ConnectionManager) CompleteHandshake(conn *Connection, peerID PeerID, sessionID uint32) {
	conn.mu.Lock()
	conn.PeerID = peerID
	conn.SessionID = sessionID
	conn.state = StateConnected
	conn.lastSeen = time.Now()
	conn.mu.Unlock()
	conn.codec.BindSession(sessionID)
}

// ByID looks up a connection by its local connection id.
func (m *ConnectionManager) ByID(id uint32) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// ByAddr looks up a connection by remote UDP address.
func (m *ConnectionManager) ByAddr(addr *net.UDPAddr) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byAddr[addr.String()]
	return c, ok
}

// All returns a snapshot slice of all current connections.
func (m *ConnectionManager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

// Touch records activity on a connection, resetting its idle timer.
func (m *ConnectionManager) Touch(conn *Connection) { conn.touch() }

// Remove drops a connection from the manager and invokes onDisconnect.
func (m *ConnectionManager) Remove(id uint32, reason string) {
	m.mu.Lock()
	conn, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byAddr, conn.Addr.String())
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.setState(StateDisconnected)
	m.log.WithFields(logrus.Fields{"conn_id": id, "reason": reason}).Info("connection removed")
	if m.onDisconnect != nil {
		m.onDisconnect(conn, reason)
	}
}

// Start launches the idle-connection reaper.
func (m *ConnectionManager) Start() {
	m.wg.Add(1)
	go m.reapLoop()
}

// Stop halts the reaper and waits for it to exit.
func (m *ConnectionManager) Stop() {
	close(m.closing)
	m.wg.Wait()
}

func (m *ConnectionManager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			for _, conn := range m.All() {
				if conn.idle() > connectionTimeout {
					m.Remove(conn.ID, "heartbeat timeout")
				}
			}
		}
	}
}
