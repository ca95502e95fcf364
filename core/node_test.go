package core

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := NodeConfig{
		ListenAddr:     "127.0.0.1:0",
		TickRate:       5 * time.Millisecond,
		SendRatePerSec: 1000,
		MaxQueue:       64,
		Overflow:       DropOldest,
	}
	registry := NewComponentRegistry()
	registry.Register(ReplicationInfo{Type: 1, Name: "position", Flags: FlagReplicated | FlagReliable})
	registry.Freeze()
	store := NewInMemoryStore()
	n, err := NewNode(cfg, nil, store, registry)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return n
}

// link connects two nodes as authoritative peers of one another by
// short-circuiting the handshake state machine directly (§4.4's handshake
// protocol itself is exercised separately by handshake_test.go's Node tests;
// this test focuses on C7's tick-driven replication once Connected).
func link(t *testing.T, a, b *Node) (*Connection, *Connection) {
	t.Helper()
	connAtoB := a.conns.BeginHandshake(b.LocalAddr(), a.cfg.SendRatePerSec, a.cfg.MaxQueue, a.cfg.Overflow)
	a.conns.CompleteHandshake(connAtoB, PeerID(2), NewSessionID())
	connBtoA := b.conns.BeginHandshake(a.LocalAddr(), b.cfg.SendRatePerSec, b.cfg.MaxQueue, b.cfg.Overflow)
	b.conns.CompleteHandshake(connBtoA, PeerID(1), NewSessionID())
	return connAtoB, connBtoA
}

func TestNodeReplicatesEntityEndToEnd(t *testing.T) {
	server := newTestNode(t)
	client := newTestNode(t)
	defer server.Stop()
	defer client.Stop()

	link(t, server, client)

	server.store.ApplySnapshot(EntitySnapshot{
		NetID:      42,
		Version:    1,
		Components: []Component{{Type: 1, Data: []byte("x=10,y=20")}},
	})
	server.auth.AssignServer(42)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	if err := client.Start(ctx); err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := client.store.Snapshot(42); ok && snap.Version == 1 {
			if len(snap.Components) == 1 && string(snap.Components[0].Data) == "x=10,y=20" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never converged to server's entity state")
}

func TestNodeStartStopIsClean(t *testing.T) {
	n := newTestNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNodeHandleDatagramDropsMalformedPacket(t *testing.T) {
	n := newTestNode(t)
	defer n.Stop()
	n.handleDatagram(Datagram{Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, Data: []byte{0, 1, 2}})
	if n.inbound.Len() != 0 {
		t.Fatal("malformed packet must not reach the inbound queue")
	}
}
