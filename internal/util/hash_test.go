package util

import "testing"

// Same key on two mounts must not be forced into the same hash.
func TestKeyHash_MountSeeded(t *testing.T) {
	t.Parallel()

	a := [16]byte{1}
	b := [16]byte{2}

	if KeyHash(a, "k") != KeyHash(a, "k") {
		t.Fatal("hash must be deterministic")
	}
	if KeyHash(a, "k") == KeyHash(b, "k") {
		t.Fatal("different mounts should produce different hashes")
	}
	if KeyHash(a, "k1") == KeyHash(a, "k2") {
		t.Fatal("different keys should produce different hashes")
	}
}

// ShardIndex stays in range for both power-of-two and arbitrary counts.
func TestShardIndex_Range(t *testing.T) {
	t.Parallel()

	for _, shards := range []int{1, 2, 3, 8, 10, 64} {
		for h := uint64(0); h < 1000; h += 7 {
			if i := ShardIndex(h*0x9e3779b97f4a7c15, shards); i < 0 || i >= shards {
				t.Fatalf("ShardIndex out of range: shards=%d idx=%d", shards, i)
			}
		}
	}
	if n := ReasonableShardCount(); !IsPowerOfTwo(uint64(n)) || n > 256 {
		t.Fatalf("ReasonableShardCount = %d, want power of two <= 256", n)
	}
}
