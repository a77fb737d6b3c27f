package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex provides a fixed-size pool of channel-based mutexes
// that support context cancellation. Unlike ShardedMutex, callers can bail
// out if their context is cancelled while waiting to acquire a lock.
// The ledger memory store uses it for per-wallet balance locks.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the mutex for the given key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call the
// unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[shardIndex(key)]

	select {
	case <-shard.ch:
		// Acquired the lock.
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockPairContext acquires the mutexes for two keys in ascending shard order,
// so concurrent callers locking the same pair in opposite argument order
// cannot deadlock. Keys sharing a shard are locked once.
func (m *ContextShardedMutex) LockPairContext(ctx context.Context, a, b string) (func(), error) {
	m.init()
	ia, ib := shardIndex(a), shardIndex(b)
	if ia == ib {
		return m.LockContext(ctx, a)
	}
	if ia > ib {
		a, b = b, a
	}
	unlockFirst, err := m.LockContext(ctx, a)
	if err != nil {
		return nil, err
	}
	unlockSecond, err := m.LockContext(ctx, b)
	if err != nil {
		unlockFirst()
		return nil, err
	}
	return func() {
		unlockSecond()
		unlockFirst()
	}, nil
}
