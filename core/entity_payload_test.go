package core

import "testing"

func TestComponentListRoundTrip(t *testing.T) {
	comps := []Component{
		{Type: 1, Version: 3, Data: []byte("position")},
		{Type: 2, Version: 1, Data: []byte("velocity")},
	}
	buf := encodeComponentList(42, 7, comps)
	netID, version, got, err := decodeComponentList(buf)
	if err != nil {
		t.Fatalf("decodeComponentList: %v", err)
	}
	if netID != 42 || version != 7 {
		t.Fatalf("unexpected netID/version: %d/%d", netID, version)
	}
	if len(got) != 2 || string(got[0].Data) != "position" || string(got[1].Data) != "velocity" {
		t.Fatalf("components not preserved: %+v", got)
	}
	if got[0].Version != 3 || got[1].Version != 1 {
		t.Fatalf("component versions not preserved: %+v", got)
	}
}

func TestComponentListEmptyComponents(t *testing.T) {
	buf := encodeComponentList(1, 1, nil)
	netID, version, comps, err := decodeComponentList(buf)
	if err != nil {
		t.Fatalf("decodeComponentList: %v", err)
	}
	if netID != 1 || version != 1 || len(comps) != 0 {
		t.Fatalf("unexpected decode result: %d %d %v", netID, version, comps)
	}
}

func TestDecodeComponentListTruncated(t *testing.T) {
	if _, _, _, err := decodeComponentList([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestSpawnPayloadRoundTrip(t *testing.T) {
	comps := []Component{{Type: 1, Version: 1, Data: []byte("position")}}
	buf := encodeSpawnPayload(5, PeerID(9), 2, comps)
	owner, netID, version, got, err := decodeSpawnPayload(buf)
	if err != nil {
		t.Fatalf("decodeSpawnPayload: %v", err)
	}
	if owner != 9 || netID != 5 || version != 2 || len(got) != 1 {
		t.Fatalf("unexpected decode: owner=%d netID=%d version=%d comps=%+v", owner, netID, version, got)
	}
}

func TestDespawnPayloadRoundTrip(t *testing.T) {
	buf := encodeDespawnPayload(99)
	netID, err := decodeDespawnPayload(buf)
	if err != nil {
		t.Fatalf("decodeDespawnPayload: %v", err)
	}
	if netID != 99 {
		t.Fatalf("expected netID 99, got %d", netID)
	}
}

func TestComponentFullPayloadRoundTrip(t *testing.T) {
	buf := encodeComponentFullPayload(3, 1, 4, []byte("xyz"))
	netID, typ, version, data, err := decodeComponentFullPayload(buf)
	if err != nil {
		t.Fatalf("decodeComponentFullPayload: %v", err)
	}
	if netID != 3 || typ != 1 || version != 4 || string(data) != "xyz" {
		t.Fatalf("unexpected decode: netID=%d typ=%d version=%d data=%q", netID, typ, version, data)
	}
}

func TestDeltaPayloadRoundTripCarriesBaseVersion(t *testing.T) {
	buf := encodeDeltaPayload(3, 1, 4, 5, []byte("d"))
	netID, typ, base, newV, data, err := decodeDeltaPayload(buf)
	if err != nil {
		t.Fatalf("decodeDeltaPayload: %v", err)
	}
	if netID != 3 || typ != 1 || base != 4 || newV != 5 || string(data) != "d" {
		t.Fatalf("unexpected decode: netID=%d typ=%d base=%d new=%d data=%q", netID, typ, base, newV, data)
	}
}

func TestAckPayloadRoundTrip(t *testing.T) {
	buf := encodeAckPayload(3, 2, 9)
	netID, typ, version, err := decodeAckPayload(buf)
	if err != nil {
		t.Fatalf("decodeAckPayload: %v", err)
	}
	if netID != 3 || typ != 2 || version != 9 {
		t.Fatalf("unexpected decode: netID=%d typ=%d version=%d", netID, typ, version)
	}
}
