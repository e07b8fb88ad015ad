// Package router maps keys to shards. The mapping is a pure function of the
// key and the shard count: it carries no state and is safe to call from any
// thread, so that clients presharding their own traffic can rely on it
// staying stable across process restarts and implementation versions.
package router

import "github.com/twmb/murmur3"

// murmurSeed is fixed so the hash, and therefore the routing decision, is
// stable across versions of this server and across clients that preshard.
const murmurSeed = 1

// TargetShard returns the shard index key should be routed to, out of
// nrShards total shards. With a single shard it always returns 0 without
// hashing, matching the reference server's fast path.
func TargetShard(key []byte, nrShards int) int {
	if nrShards <= 1 {
		return 0
	}
	hash := murmur3.SeedSum32(murmurSeed, key)
	return int(hash % uint32(nrShards))
}
