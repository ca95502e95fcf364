package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionStats is a point-in-time snapshot of one connection's
// transport health, the network_monitor-equivalent supplement feature
// (SPEC_FULL.md "SUPPLEMENTED FEATURES"). It is exposed read-only via the
// admin HTTP surface, never as a metrics exporter.
type ConnectionStats struct {
	ConnID       uint32
	BytesSent    uint64
	BytesRecv    uint64
	PacketsSent  uint64
	PacketsRecv  uint64
	Retransmits  uint64
	SmoothedRTT  time.Duration
	InFlight     int
}

// connectionCounters holds the atomics backing one connection's
// ConnectionStats; separated from Connection itself so the reliability
// and endpoint layers can update counters without taking the
// ConnectionManager's lock.
type connectionCounters struct {
	bytesSent   uint64
	bytesRecv   uint64
	packetsSent uint64
	packetsRecv uint64
	retransmits uint64
}

func (c *connectionCounters) addSent(n int) {
	atomic.AddUint64(&c.bytesSent, uint64(n))
	atomic.AddUint64(&c.packetsSent, 1)
}

func (c *connectionCounters) addRecv(n int) {
	atomic.AddUint64(&c.bytesRecv, uint64(n))
	atomic.AddUint64(&c.packetsRecv, 1)
}

func (c *connectionCounters) addRetransmit(n int) {
	atomic.AddUint64(&c.retransmits, uint64(n))
}

// MetricsRegistry aggregates per-connection counters for the admin
// surface, grounded on the teacher's map+RWMutex state-holder idiom.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[uint32]*connectionCounters
}

// NewMetricsRegistry constructs an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{counters: make(map[uint32]*connectionCounters)}
}

func (m *MetricsRegistry) forConn(connID uint32) *connectionCounters {
	m.mu.RLock()
	c, ok := m.counters[connID]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[connID]; ok {
		return c
	}
	c = &connectionCounters{}
	m.counters[connID] = c
	return c
}

// RecordSent records an outbound send of n bytes on connID.
func (m *MetricsRegistry) RecordSent(connID uint32, n int) { m.forConn(connID).addSent(n) }

// RecordRecv records an inbound receive of n bytes on connID.
func (m *MetricsRegistry) RecordRecv(connID uint32, n int) { m.forConn(connID).addRecv(n) }

// RecordRetransmit records a retransmission of n packets on connID.
func (m *MetricsRegistry) RecordRetransmit(connID uint32, n int) { m.forConn(connID).addRetransmit(n) }

// Forget drops a connection's counters, e.g. on disconnect.
func (m *MetricsRegistry) Forget(connID uint32) {
	m.mu.Lock()
	delete(m.counters, connID)
	m.mu.Unlock()
}

// Snapshot builds a ConnectionStats for connID, merging in live reliability
// state from conn if provided.
func (m *MetricsRegistry) Snapshot(connID uint32, conn *Connection) ConnectionStats {
	c := m.forConn(connID)
	stats := ConnectionStats{
		ConnID:      connID,
		BytesSent:   atomic.LoadUint64(&c.bytesSent),
		BytesRecv:   atomic.LoadUint64(&c.bytesRecv),
		PacketsSent: atomic.LoadUint64(&c.packetsSent),
		PacketsRecv: atomic.LoadUint64(&c.packetsRecv),
		Retransmits: atomic.LoadUint64(&c.retransmits),
	}
	if conn != nil && conn.Reliability() != nil {
		stats.SmoothedRTT = conn.Reliability().SmoothedRTT()
	}
	return stats
}

// All returns a snapshot of every tracked connection's stats.
func (m *MetricsRegistry) All(conns *ConnectionManager) []ConnectionStats {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.counters))
	for id := range m.counters {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make([]ConnectionStats, 0, len(ids))
	for _, id := range ids {
		var conn *Connection
		if conns != nil {
			conn, _ = conns.ByID(id)
		}
		out = append(out, m.Snapshot(id, conn))
	}
	return out
}
