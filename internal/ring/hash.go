package ring

import "encoding/binary"

// Hasher is the capability a consistent hash ring needs from its byte hash
// function: a deterministic mapping from arbitrary bytes to a uint64.
type Hasher interface {
	Hash(b []byte) uint64
}

// SipHasher implements Hasher using SipHash-2-4 keyed with a fixed (k0, k1)
// pair. The seed MUST be identical across every node in a cluster for
// Resolve to route consistently.
type SipHasher struct {
	K0, K1 uint64
}

// NewSipHasher creates a SipHasher seeded with k0, k1.
func NewSipHasher(k0, k1 uint64) SipHasher {
	return SipHasher{K0: k0, K1: k1}
}

// Hash computes the SipHash-2-4 digest of b as a uint64.
func (h SipHasher) Hash(b []byte) uint64 {
	return sipHash24(h.K0, h.K1, b)
}

const (
	sipInit0 = 0x736f6d6570736575
	sipInit1 = 0x646f72616e646f6d
	sipInit2 = 0x6c7967656e657261
	sipInit3 = 0x7465646279746573
)

func sipRound(v0, v1, v2, v3 uint64) (uint64, uint64, uint64, uint64) {
	v0 += v1
	v1 = rotl(v1, 13)
	v1 ^= v0
	v0 = rotl(v0, 32)
	v2 += v3
	v3 = rotl(v3, 16)
	v3 ^= v2
	v0 += v3
	v3 = rotl(v3, 21)
	v3 ^= v0
	v2 += v1
	v1 = rotl(v1, 17)
	v1 ^= v2
	v2 = rotl(v2, 32)
	return v0, v1, v2, v3
}

func rotl(x uint64, b uint) uint64 {
	return (x << b) | (x >> (64 - b))
}

// sipHash24 is a straightforward implementation of SipHash-2-4
// (https://131002.net/siphash/siphash.pdf) with 2 compression rounds and 4
// finalization rounds, keyed by k0/k1.
func sipHash24(k0, k1 uint64, data []byte) uint64 {
	v0 := sipInit0 ^ k0
	v1 := sipInit1 ^ k1
	v2 := sipInit2 ^ k0
	v3 := sipInit3 ^ k1

	length := len(data)
	end := length - (length % 8)

	for off := 0; off < end; off += 8 {
		m := binary.LittleEndian.Uint64(data[off : off+8])
		v3 ^= m
		v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
		v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
		v0 ^= m
	}

	var last [8]byte
	copy(last[:], data[end:])
	last[7] = byte(length)
	m := binary.LittleEndian.Uint64(last[:])

	v3 ^= m
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0 ^= m

	v2 ^= 0xff
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)

	return v0 ^ v1 ^ v2 ^ v3
}
