package pbs

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Seed derivation offsets. They are part of the wire protocol: both
// peers must hash identically, so these are fixed constants rather than
// configuration.
const (
	// DefaultSeed is the base seed when none is configured.
	DefaultSeed uint64 = 0x6d496e536b65

	// binSeedOffset derives the per-round bin seed from the base seed.
	binSeedOffset uint64 = 142857

	// splitSeedOffset derives the per-round three-way-split seed. It is
	// independent of both the group and bin seeds: reusing the group
	// seed here would redistribute a failed group's keys with a hash
	// correlated to the one that formed the group.
	splitSeedOffset uint64 = 285714
)

// hashKey hashes a key under a seed. xxhash's Go port has no seeded
// one-shot, so the seed is fed as a suffix block; Sum64 over the stack
// buffer does not allocate.
func hashKey(key, seed uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], key)
	binary.LittleEndian.PutUint64(buf[8:], seed)
	return xxhash.Sum64(buf[:])
}
