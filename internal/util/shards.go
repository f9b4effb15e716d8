package util

import "runtime"

// maxShards bounds the table fan-out; beyond this the per-shard maps are
// already small and extra shards only cost memory.
const maxShards = 256

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && (x&(x-1)) == 0
}

// NextPow2 returns the smallest power of two >= x (1 for x == 0).
// If the next power would overflow 64 bits, the result is clamped to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// ReasonableShardCount picks a default shard count from CPU parallelism:
// nextPow2(2*GOMAXPROCS), clamped to [1..256].
func ReasonableShardCount() int {
	return ShardCount(2 * runtime.GOMAXPROCS(0))
}

// ShardCount normalizes a requested shard count: non-positive values select
// ReasonableShardCount, everything else is rounded up to a power of two and
// clamped to [1..256].
func ShardCount(requested int) int {
	if requested <= 0 {
		return ReasonableShardCount()
	}
	n := int(NextPow2(uint64(requested)))
	if n > maxShards {
		n = maxShards
	}
	return n
}

// ShardIndex maps a 64-bit hash to a shard index.
// Uses a mask for power-of-two counts and modulo otherwise.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}
