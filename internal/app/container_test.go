package app

import (
	"context"
	"testing"

	"github.com/acme/lead-call-queue/internal/service/concurrency"
)

func TestBuildWithMemoryStorage(t *testing.T) {
	t.Setenv("LEADQ_STORAGE_DRIVER", "memory")
	t.Setenv("LEADQ_RETELL_MOCK", "true")

	ctx := context.Background()
	c, err := Build(ctx, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close(ctx)

	if c.Postgres != nil || c.Redis != nil || c.Scylla != nil || c.Kafka != nil {
		t.Fatalf("optional backends should stay disconnected")
	}
	if len(c.HealthChecks()) != 0 {
		t.Fatalf("expected no health checks without backends")
	}
	if c.Repositories().Attempts != nil {
		t.Fatalf("attempt log should be disabled without scylla")
	}
	if _, ok := c.components.locker.(*concurrency.LocalLocker); !ok {
		t.Fatalf("locker = %T, want local locker", c.components.locker)
	}
	if c.HandlerSet() == nil || c.Scheduler() == nil {
		t.Fatalf("expected handler set and scheduler")
	}
	if err := c.EnsureTopics(ctx); err != nil {
		t.Fatalf("ensure topics without kafka: %v", err)
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Setenv("LEADQ_STORAGE_DRIVER", "sqlite")
	t.Setenv("LEADQ_RETELL_MOCK", "true")

	if _, err := Build(context.Background(), ""); err == nil {
		t.Fatalf("expected error for unknown storage driver")
	}
}
