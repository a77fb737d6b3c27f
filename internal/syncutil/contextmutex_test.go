package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextShardedMutex_BasicLockUnlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "key1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()
}

func TestContextShardedMutex_MutualExclusion(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Plain increment; lost updates mean the lock failed.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d: mutual exclusion violated", n, atomic.LoadInt64(&counter))
	}
}

func TestContextShardedMutex_ContextCancelled(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	// Acquire lock.
	unlock, err := m.LockContext(ctx, "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Try to acquire the same lock with a cancelled context.
	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(cancelCtx, "blocked")
	if err == nil {
		t.Fatal("expected context error, got nil")
	}
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock() // Clean up.
}

func TestContextShardedMutex_DifferentKeysNoContention(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	a, b := "0xcaller", "0xowner"
	if shardIndex(a) == shardIndex(b) {
		t.Fatalf("test keys share shard %d; pick other keys", shardIndex(a))
	}

	unlock1, err := m.LockContext(ctx, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock1()

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(timeoutCtx, b)
	if err != nil {
		t.Fatalf("lock on a different shard blocked: %v", err)
	}
	unlock2()
}

func TestContextShardedMutex_UnlockAllowsNext(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	// Second goroutine should be blocked.
	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
		// Expected.
	}

	unlock()

	select {
	case <-acquired:
		// Second goroutine acquired after unlock.
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}

func TestContextShardedMutex_LockPairOppositeOrder(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var wg sync.WaitGroup
	const n = 50
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockPairContext(ctx, "wallet-a", "wallet-b")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock, err := m.LockPairContext(ctx, "wallet-b", "wallet-a")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pair locking deadlocked")
	}
}

func TestContextShardedMutex_LockPairSameKey(t *testing.T) {
	m := NewContextShardedMutex()
	unlock, err := m.LockPairContext(context.Background(), "same", "same")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()

	// Lock must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlock, err = m.LockContext(ctx, "same")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	unlock()
}

func TestContextShardedMutex_LockPairBlocksSingle(t *testing.T) {
	m := NewContextShardedMutex()
	unlock, err := m.LockPairContext(context.Background(), "payer", "payee")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.LockContext(ctx, "payee"); err == nil {
		t.Fatal("expected payee lock to be held")
	}
}
