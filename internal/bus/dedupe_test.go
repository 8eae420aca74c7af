package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache_FirstSeenThenDuplicate(t *testing.T) {
	c := NewDedupeCache(time.Minute, 10)

	if c.IsDuplicate("a") {
		t.Error("first sighting should not be a duplicate")
	}
	if !c.IsDuplicate("a") {
		t.Error("second sighting should be a duplicate")
	}
	if c.IsDuplicate("b") {
		t.Error("different key should not be a duplicate")
	}
}

func TestDedupeCache_TTLExpiry(t *testing.T) {
	c := NewDedupeCache(time.Minute, 10)
	now := time.Now()
	c.nowFn = func() time.Time { return now }

	c.IsDuplicate("a")

	c.nowFn = func() time.Time { return now.Add(2 * time.Minute) }
	if c.IsDuplicate("a") {
		t.Error("expired key should not be a duplicate")
	}
	// The refreshed entry suppresses again.
	if !c.IsDuplicate("a") {
		t.Error("refreshed key should suppress duplicates")
	}
}

func TestDedupeCache_CapacityEvictsOldest(t *testing.T) {
	c := NewDedupeCache(time.Hour, 3)

	for i := 0; i < 3; i++ {
		c.IsDuplicate(fmt.Sprintf("k%d", i))
	}
	// Inserting a fourth key evicts k0 (oldest-first).
	c.IsDuplicate("k3")

	if c.Len() != 3 {
		t.Errorf("len = %d, want 3", c.Len())
	}
	if c.IsDuplicate("k0") {
		t.Error("evicted key should read as unseen")
	}
	if !c.IsDuplicate("k3") {
		t.Error("recent key should still be tracked")
	}
}

func TestDedupeCache_Defaults(t *testing.T) {
	c := NewDedupeCache(0, 0)
	if c.ttl != DefaultDedupeTTL {
		t.Errorf("ttl = %v, want default", c.ttl)
	}
	if c.max != DefaultDedupeMaxEntries {
		t.Errorf("max = %d, want default", c.max)
	}
}
