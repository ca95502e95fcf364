package core

import (
	"encoding/binary"
	"fmt"
)

// defaultEncodeDelta is the ComponentRegistry's built-in EncodeDelta hook,
// used by any registered type that sets FlagDeltaCompressed without
// supplying its own codec. It diffs prior against current by common prefix
// and suffix and ships only the differing middle span, so a small,
// localized mutation (e.g. one field of a position struct) produces a
// payload far smaller than a full re-encode (§3 "encode_delta(current,
// prior) -> bytes"). When prior equals current the middle span is empty and
// the payload is the 12-byte header alone, satisfying the "encode_delta(v,v)
// produces an empty or sentinel-empty payload" testable property.
func defaultEncodeDelta(prior, current []byte) []byte {
	prefix := commonPrefixLen(prior, current)
	suffix := commonSuffixLen(prior[prefix:], current[prefix:])
	middle := current[prefix : len(current)-suffix]
	buf := make([]byte, 12+len(middle))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(prefix))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(suffix))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(middle)))
	copy(buf[12:], middle)
	return buf
}

// defaultDecodeDelta reverses defaultEncodeDelta against base.
func defaultDecodeDelta(base, delta []byte) ([]byte, error) {
	if len(delta) < 12 {
		return nil, fmt.Errorf("core: delta payload too short")
	}
	prefix := binary.LittleEndian.Uint32(delta[0:4])
	suffix := binary.LittleEndian.Uint32(delta[4:8])
	mlen := binary.LittleEndian.Uint32(delta[8:12])
	if len(delta) < 12+int(mlen) {
		return nil, fmt.Errorf("core: delta payload truncated")
	}
	if int(prefix)+int(suffix) > len(base) {
		return nil, fmt.Errorf("core: delta base too short for prefix/suffix")
	}
	middle := delta[12 : 12+mlen]
	out := make([]byte, 0, int(prefix)+len(middle)+int(suffix))
	out = append(out, base[:prefix]...)
	out = append(out, middle...)
	out = append(out, base[len(base)-int(suffix):]...)
	return out, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}
