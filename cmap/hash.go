package cmap

import "github.com/spaolacci/murmur3"

// HashFunc computes a key's hash for bucket placement. Implementations
// need not be cryptographically strong; they must be stable across
// process restarts for persisted data to remain addressable.
type HashFunc func(key []byte) uint64

// Murmur3 is the default hash, matching the source library's choice
// of a fast, well-distributed non-cryptographic hash.
func Murmur3(key []byte) uint64 { return murmur3.Sum64(key) }
