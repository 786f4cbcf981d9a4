//go:build integration

package concurrency

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		container, err := tcredis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		if err != nil {
			t.Fatalf("start redis container: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(ctx) })

		addr, err = container.Endpoint(ctx, "")
		if err != nil {
			t.Fatalf("redis endpoint: %v", err)
		}
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	client := setupRedis(t)
	locker := NewRedisLocker(client, "test:lock:", time.Minute)

	unlock, ok, err := locker.TryLock(ctx, "client-1")
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, err := locker.TryLock(ctx, "client-1"); err != nil || ok {
		t.Fatalf("second lock should be refused: ok=%v err=%v", ok, err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, ok, _ := locker.TryLock(ctx, "client-1"); !ok {
		t.Fatalf("lock should be free after unlock")
	}
}

func TestRedisLockerExpiry(t *testing.T) {
	ctx := context.Background()
	client := setupRedis(t)
	locker := NewRedisLocker(client, "test:expiry:", 200*time.Millisecond)

	stale, ok, _ := locker.TryLock(ctx, "client-1")
	if !ok {
		t.Fatalf("first lock should succeed")
	}
	time.Sleep(400 * time.Millisecond)

	fresh, ok, _ := locker.TryLock(ctx, "client-1")
	if !ok {
		t.Fatalf("lock should be retaken after ttl")
	}
	if err := stale(ctx); err != nil {
		t.Fatalf("stale unlock: %v", err)
	}
	if _, ok, _ := locker.TryLock(ctx, "client-1"); ok {
		t.Fatalf("stale holder must not release the new owner's lock")
	}
	_ = fresh(ctx)
}
