package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/slotbook/bookd/internal/clock"
)

func TestGetSetInvalidate(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := New[string](8, time.Minute, clk)

	if _, ok := c.Get("t1", "s1"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Set("t1", "s1", "snapshot")
	got, ok := c.Get("t1", "s1")
	if !ok || got != "snapshot" {
		t.Fatalf("expected hit with %q, got %q ok=%v", "snapshot", got, ok)
	}
	c.Invalidate("t1", "s1")
	if _, ok := c.Get("t1", "s1"); ok {
		t.Fatalf("expected miss after invalidate")
	}
}

func TestTenantKeysAreIsolated(t *testing.T) {
	c := New[string](8, time.Minute, nil)
	c.Set("tenant-a", "shared-id", "a-value")
	if _, ok := c.Get("tenant-b", "shared-id"); ok {
		t.Fatalf("tenant-b observed tenant-a's entry")
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := New[int](8, 5*time.Minute, clk)
	c.Set("t1", "s1", 42)

	clk.Advance(5*time.Minute - time.Second)
	if _, ok := c.Get("t1", "s1"); !ok {
		t.Fatalf("entry expired before its TTL")
	}
	clk.Advance(2 * time.Second)
	if _, ok := c.Get("t1", "s1"); ok {
		t.Fatalf("stale entry returned after TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not collected on read, len=%d", c.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	c := New[int](3, time.Minute, nil)
	for i := 0; i < 3; i++ {
		c.Set("t1", fmt.Sprintf("s%d", i), i)
	}
	// Touch s0 so s1 becomes the eviction candidate.
	if _, ok := c.Get("t1", "s0"); !ok {
		t.Fatalf("expected s0 resident")
	}
	c.Set("t1", "s3", 3)
	if _, ok := c.Get("t1", "s1"); ok {
		t.Fatalf("expected s1 evicted as least recently used")
	}
	for _, id := range []string{"s0", "s2", "s3"} {
		if _, ok := c.Get("t1", id); !ok {
			t.Fatalf("expected %s resident after eviction", id)
		}
	}
}

func TestInvalidateTenant(t *testing.T) {
	c := New[int](8, time.Minute, nil)
	c.Set("t1", "a", 1)
	c.Set("t1", "b", 2)
	c.Set("t2", "a", 3)
	c.InvalidateTenant("t1")
	if _, ok := c.Get("t1", "a"); ok {
		t.Fatalf("t1/a survived tenant invalidation")
	}
	if _, ok := c.Get("t1", "b"); ok {
		t.Fatalf("t1/b survived tenant invalidation")
	}
	if _, ok := c.Get("t2", "a"); !ok {
		t.Fatalf("t2/a dropped by t1 invalidation")
	}
}

func TestNilCacheAlwaysMisses(t *testing.T) {
	var c *Cache[string]
	c.Set("t", "k", "v")
	if _, ok := c.Get("t", "k"); ok {
		t.Fatalf("nil cache returned a hit")
	}
	c.Invalidate("t", "k")
	c.InvalidateTenant("t")
	if c.Len() != 0 {
		t.Fatalf("nil cache reported entries")
	}
}
