// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// tupleKeyLen is family, proto, two ports and two 16-byte addresses.
const tupleKeyLen = 1 + 1 + 2 + 2 + 16 + 16

// hashTuple hashes the tuple as given. Direction is not part of the key, so
// the original and reply tuples of one flow hash independently.
func hashTuple(t *Tuple, seed uint32) uint32 {
	var buf [tupleKeyLen]byte
	buf[0] = byte(t.Family)
	buf[1] = t.Proto
	binary.BigEndian.PutUint16(buf[2:], t.SrcPort)
	binary.BigEndian.PutUint16(buf[4:], t.DstPort)
	src := t.Src.As16()
	dst := t.Dst.As16()
	copy(buf[6:22], src[:])
	copy(buf[22:38], dst[:])
	return xxhash.Checksum32S(buf[:], seed)
}

// scale maps a 32-bit hash onto [0, size) without a modulo.
func scale(h uint32, size int) int {
	return int((uint64(h) * uint64(size)) >> 32)
}

// Hash is the bucket index of t in a table of size buckets.
func Hash(t Tuple, size int, seed uint32) int {
	if size <= 0 {
		return 0
	}
	return scale(hashTuple(&t, seed), size)
}

func randomSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x9e3779b9
	}
	return binary.LittleEndian.Uint32(b[:])
}
