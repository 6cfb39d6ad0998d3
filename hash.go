// Hash algorithm implementations selected by Config.HashAlgorithm, used by
// the unordered index's bloom filter to turn a key into bit positions.
package pmoltp

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// hash64 digests b with the configured algorithm, returning a 64-bit value.
func hash64(alg HashAlgorithm, b []byte) uint64 {
	switch alg {
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write(b)
		return binary.BigEndian.Uint64(h.Sum(nil))
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write(b)
		return h.Sum64()
	default: // AlgXXHash3
		return xxh3.Hash(b)
	}
}

// hashString is the string convenience wrapper used on hot paths (label and
// primary-key lookups) so callers don't need an intermediate []byte copy
// for the xxh3 fast path.
func hashString(alg HashAlgorithm, s string) uint64 {
	switch alg {
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil)
		h.Write([]byte(s))
		return binary.BigEndian.Uint64(h.Sum(nil))
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write([]byte(s))
		return h.Sum64()
	default:
		return xxh3.HashString(s)
	}
}
