package core

import (
	"encoding/binary"
	"fmt"
)

// encodeComponentList serializes net_id, the entity-level version, and each
// component's type/version/length/data (§4.3 "list of initial components").
// This is the shared body of EntitySpawn, the only message type that still
// carries more than one component per frame — full and delta updates carry
// exactly one (§4.7 emits one TickOutput per component).
func encodeComponentList(netID NetworkEntityID, version uint32, comps []Component) []byte {
	size := 8 + 4 + 2
	for _, c := range comps {
		size += 2 + 4 + 4 + len(c.Data)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(netID))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], version)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(comps)))
	off += 2
	for _, c := range comps {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(c.Type))
		off += 2
		binary.LittleEndian.PutUint32(buf[off:off+4], c.Version)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(c.Data)))
		off += 4
		copy(buf[off:off+len(c.Data)], c.Data)
		off += len(c.Data)
	}
	return buf
}

// decodeComponentList reverses encodeComponentList.
func decodeComponentList(buf []byte) (NetworkEntityID, uint32, []Component, error) {
	if len(buf) < 14 {
		return 0, 0, nil, fmt.Errorf("core: component list payload too short")
	}
	off := 0
	netID := NetworkEntityID(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	version := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	count := binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	comps := make([]Component, 0, count)
	for i := uint16(0); i < count; i++ {
		if len(buf) < off+10 {
			return 0, 0, nil, fmt.Errorf("core: component list payload truncated component header")
		}
		typ := ComponentTypeID(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		ver := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		dlen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if len(buf) < off+dlen {
			return 0, 0, nil, fmt.Errorf("core: component list payload truncated component data")
		}
		data := make([]byte, dlen)
		copy(data, buf[off:off+dlen])
		off += dlen
		comps = append(comps, Component{Type: typ, Version: ver, Data: data})
	}
	return netID, version, comps, nil
}

// encodeComponentFullPayload serializes a single-component MsgComponentFull
// update: net_id, type, version, length, data.
func encodeComponentFullPayload(netID NetworkEntityID, typ ComponentTypeID, version uint32, data []byte) []byte {
	buf := make([]byte, 8+2+4+4+len(data))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(netID))
	off += 8
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(typ))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], version)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(data)))
	off += 4
	copy(buf[off:], data)
	return buf
}

// decodeComponentFullPayload reverses encodeComponentFullPayload.
func decodeComponentFullPayload(buf []byte) (netID NetworkEntityID, typ ComponentTypeID, version uint32, data []byte, err error) {
	if len(buf) < 18 {
		return 0, 0, 0, nil, fmt.Errorf("core: full component payload too short")
	}
	off := 0
	netID = NetworkEntityID(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	typ = ComponentTypeID(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	version = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	dlen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+dlen {
		return 0, 0, 0, nil, fmt.Errorf("core: full component payload truncated")
	}
	data = make([]byte, dlen)
	copy(data, buf[off:off+dlen])
	return netID, typ, version, data, nil
}

// encodeDeltaPayload serializes a MsgComponentDelta update: net_id, type,
// base_version, new_version, length, data (§3 "a delta for component (e,c)
// with base version v_base"). Carrying base_version on the wire lets the
// receiver reject a delta computed against a base it no longer holds,
// instead of silently corrupting its replica.
func encodeDeltaPayload(netID NetworkEntityID, typ ComponentTypeID, baseVersion, newVersion uint32, data []byte) []byte {
	buf := make([]byte, 8+2+4+4+4+len(data))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(netID))
	off += 8
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(typ))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], baseVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], newVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(data)))
	off += 4
	copy(buf[off:], data)
	return buf
}

// decodeDeltaPayload reverses encodeDeltaPayload.
func decodeDeltaPayload(buf []byte) (netID NetworkEntityID, typ ComponentTypeID, baseVersion, newVersion uint32, data []byte, err error) {
	if len(buf) < 22 {
		return 0, 0, 0, 0, nil, fmt.Errorf("core: delta payload too short")
	}
	off := 0
	netID = NetworkEntityID(binary.LittleEndian.Uint64(buf[off : off+8]))
	off += 8
	typ = ComponentTypeID(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	baseVersion = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	newVersion = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	dlen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+dlen {
		return 0, 0, 0, 0, nil, fmt.Errorf("core: delta payload truncated")
	}
	data = make([]byte, dlen)
	copy(data, buf[off:off+dlen])
	return netID, typ, baseVersion, newVersion, data, nil
}

// encodeAckPayload serializes a MsgAck payload (§4.3/§4.7 "acknowledge the
// received producer tick"): net_id, type, version. The receiver of a full or
// delta update echoes this back so the sender can advance its per-peer
// per-component delta base.
func encodeAckPayload(netID NetworkEntityID, typ ComponentTypeID, version uint32) []byte {
	buf := make([]byte, 14)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(netID))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(typ))
	binary.LittleEndian.PutUint32(buf[10:14], version)
	return buf
}

// decodeAckPayload reverses encodeAckPayload.
func decodeAckPayload(buf []byte) (NetworkEntityID, ComponentTypeID, uint32, error) {
	if len(buf) < 14 {
		return 0, 0, 0, fmt.Errorf("core: ack payload too short")
	}
	netID := NetworkEntityID(binary.LittleEndian.Uint64(buf[0:8]))
	typ := ComponentTypeID(binary.LittleEndian.Uint16(buf[8:10]))
	version := binary.LittleEndian.Uint32(buf[10:14])
	return netID, typ, version, nil
}

// encodeSpawnPayload serializes an EntitySpawn message (§4.3 "net_id,
// owner_peer_id, list of initial components"): owner_peer_id followed by
// the component-list layout encodeComponentList produces.
func encodeSpawnPayload(netID NetworkEntityID, owner PeerID, version uint32, comps []Component) []byte {
	body := encodeComponentList(netID, version, comps)
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(owner))
	copy(buf[4:], body)
	return buf
}

// decodeSpawnPayload reverses encodeSpawnPayload.
func decodeSpawnPayload(buf []byte) (owner PeerID, netID NetworkEntityID, version uint32, comps []Component, err error) {
	if len(buf) < 4 {
		return 0, 0, 0, nil, fmt.Errorf("core: spawn payload too short")
	}
	owner = PeerID(binary.LittleEndian.Uint32(buf[0:4]))
	netID, version, comps, err = decodeComponentList(buf[4:])
	return owner, netID, version, comps, err
}

// encodeDespawnPayload serializes an EntityDespawn message (§4.3): net_id.
func encodeDespawnPayload(netID NetworkEntityID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(netID))
	return buf
}

// decodeDespawnPayload reverses encodeDespawnPayload.
func decodeDespawnPayload(buf []byte) (NetworkEntityID, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("core: despawn payload too short")
	}
	return NetworkEntityID(binary.LittleEndian.Uint64(buf)), nil
}
