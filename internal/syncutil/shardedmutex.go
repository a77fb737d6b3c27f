// Package syncutil provides keyed lock pools for per-slug and per-wallet
// critical sections. Pools have a fixed number of shards, so memory does
// not grow with the number of keys; keys that hash to the same shard
// serialize with each other.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex serializes work per key. The zero value is ready to use.
// The registry holds one per slug so read-modify-write of a registration
// is atomic under every re-registration policy.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock blocks until key's shard is free and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}
