package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLocalLockerExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	unlock, ok, err := l.TryLock(ctx, "client-1")
	if err != nil || !ok {
		t.Fatalf("first lock should succeed: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "client-1"); ok {
		t.Fatalf("second lock on the same key should fail")
	}
	if _, ok, _ := l.TryLock(ctx, "client-2"); !ok {
		t.Fatalf("different key should be independent")
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	// A second unlock is a no-op and must not release a later holder.
	again, ok, _ := l.TryLock(ctx, "client-1")
	if !ok {
		t.Fatalf("lock should be free after unlock")
	}
	_ = unlock(ctx)
	if _, ok, _ := l.TryLock(ctx, "client-1"); ok {
		t.Fatalf("stale unlock released the new holder")
	}
	_ = again(ctx)
}

func TestLocalLockerConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryLock(ctx, "shared"); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
