package predcache

import (
	"testing"
	"time"

	"detectd/pkg/types"
)

func result(label string) types.DetectionResult {
	return types.DetectionResult{Label: label, Confidence: 0.95}
}

func TestLookupMissThenHit(t *testing.T) {
	c := New(4, time.Minute)
	if _, ok := c.Lookup(1); ok {
		t.Fatalf("unexpected hit")
	}
	c.Insert(1, result("lion"))
	got, ok := c.Lookup(1)
	if !ok || got.Label != "lion" {
		t.Fatalf("expected cached lion, got %+v ok=%v", got, ok)
	}
	if c.Hits() != 1 {
		t.Fatalf("expected 1 hit, got %d", c.Hits())
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	c := New(2, time.Minute)
	c.Insert(1, result("a"))
	c.Insert(2, result("b"))
	// Touch 1 so 2 becomes the LRU.
	if _, ok := c.Lookup(1); !ok {
		t.Fatalf("expected 1 cached")
	}
	c.Insert(3, result("c"))
	if _, ok := c.Lookup(2); ok {
		t.Fatalf("expected LRU entry 2 evicted")
	}
	if _, ok := c.Lookup(1); !ok {
		t.Fatalf("expected recently used entry 1 kept")
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(4, 50*time.Millisecond)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Insert(1, result("a"))
	if _, ok := c.Lookup(1); !ok {
		t.Fatalf("expected fresh entry")
	}
	now = now.Add(100 * time.Millisecond)
	if _, ok := c.Lookup(1); ok {
		t.Fatalf("expected TTL expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed, len=%d", c.Len())
	}
}

func TestExpiredEntriesRemovedBeforeInsert(t *testing.T) {
	c := New(4, 50*time.Millisecond)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Insert(1, result("a"))
	c.Insert(2, result("b"))
	now = now.Add(100 * time.Millisecond)
	c.Insert(3, result("c"))
	if c.Len() != 1 {
		t.Fatalf("expected stale entries purged on insert, len=%d", c.Len())
	}
}

func TestOneLiveEntryPerFingerprint(t *testing.T) {
	c := New(4, time.Minute)
	c.Insert(1, result("a"))
	c.Insert(1, result("b"))
	if c.Len() != 1 {
		t.Fatalf("expected single entry per fingerprint, len=%d", c.Len())
	}
	got, _ := c.Lookup(1)
	if got.Label != "b" {
		t.Fatalf("expected latest result, got %s", got.Label)
	}
}

func TestPurge(t *testing.T) {
	c := New(4, time.Minute)
	c.Insert(1, result("a"))
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after purge")
	}
}
