package cache

import (
	"context"
	"testing"
	"time"

	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(zap.NewNop(), time.Hour)
	defer c.Stop()
	ctx := context.Background()

	entry := &core.CacheEntry{
		Sender:    "boss@example.com",
		Priority:  core.PriorityHigh,
		LastSeen:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := c.Set(ctx, entry); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := c.Get(ctx, "boss@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != core.PriorityHigh {
		t.Errorf("priority = %q, want %q", got.Priority, core.PriorityHigh)
	}
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemoryCache(zap.NewNop(), time.Hour)
	defer c.Stop()

	if _, err := c.Get(context.Background(), "nobody@example.com"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryCacheExpiredEntryIsAMiss(t *testing.T) {
	c := NewMemoryCache(zap.NewNop(), time.Hour)
	defer c.Stop()
	ctx := context.Background()

	entry := &core.CacheEntry{
		Sender:    "old@example.com",
		Priority:  core.PriorityLow,
		LastSeen:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := c.Set(ctx, entry); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, err := c.Get(ctx, "old@example.com"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryCacheCleanupRemovesExpired(t *testing.T) {
	c := NewMemoryCache(zap.NewNop(), time.Hour)
	defer c.Stop()
	ctx := context.Background()

	_ = c.Set(ctx, &core.CacheEntry{
		Sender:    "stale@example.com",
		Priority:  core.PriorityNormal,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	_ = c.Set(ctx, &core.CacheEntry{
		Sender:    "fresh@example.com",
		Priority:  core.PriorityNormal,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	if err := c.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.entries["stale@example.com"]; ok {
		t.Error("expired entry survived cleanup")
	}
	if _, ok := c.entries["fresh@example.com"]; !ok {
		t.Error("live entry removed by cleanup")
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache(zap.NewNop(), time.Hour)
	defer c.Stop()
	ctx := context.Background()

	_ = c.Set(ctx, &core.CacheEntry{
		Sender:    "gone@example.com",
		Priority:  core.PriorityNormal,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err := c.Delete(ctx, "gone@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Get(ctx, "gone@example.com"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
