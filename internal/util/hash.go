// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"

	"github.com/creachadair/cityhash"
)

// KeyHash hashes an opaque node key within one mount.
// The 16-byte mount identity is folded into the CityHash seed, so equal key
// bytes on different mounts land in unrelated shards.
func KeyHash(mount [16]byte, key string) uint64 {
	seed := binary.LittleEndian.Uint64(mount[:8]) ^ binary.LittleEndian.Uint64(mount[8:])
	return cityhash.Hash64WithSeed([]byte(key), seed)
}
