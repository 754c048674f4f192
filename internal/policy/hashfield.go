package policy

import "hash/fnv"

// HashToField implements the project's FNV-1a 64-bit "hash to field" routine
// (offset basis 14695981039346656037, prime 1099511628211, modulus 2^64).
// Go's stdlib hash/fnv.New64a implements exactly this algorithm and these
// constants, so this is a thin wrapper rather than a reimplementation.
func HashToField(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
