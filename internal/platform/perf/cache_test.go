package perf

import (
	"fmt"
	"testing"
	"time"
)

func TestCachePutGet(t *testing.T) {
	c := NewCache(10, time.Hour)
	c.Put("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get(missing) hit")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(3, time.Hour)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so "b" becomes the LRU entry.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("warm-up get failed")
	}
	c.Put("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("LRU entry b not evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("entry %q unexpectedly evicted", key)
		}
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("evictions = %d", stats.Evictions)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	current := time.Now()
	c := NewCache(10, time.Minute)
	c.now = func() time.Time { return current }

	c.Put("a", 1)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("fresh entry missed")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expired entry returned")
	}
	if stats := c.Stats(); stats.Size != 0 {
		t.Errorf("expired entry still counted: %+v", stats)
	}
}

func TestCacheUpdateRefreshes(t *testing.T) {
	current := time.Now()
	c := NewCache(10, time.Minute)
	c.now = func() time.Time { return current }

	c.Put("a", 1)
	current = current.Add(45 * time.Second)
	c.Put("a", 2)
	current = current.Add(45 * time.Second)

	// 90s since first put, 45s since refresh: still live.
	v, ok := c.Get("a")
	if !ok || v != 2 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
}

func TestCacheResize(t *testing.T) {
	c := NewCache(5, time.Hour)
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	c.Resize(2)
	if stats := c.Stats(); stats.Size != 2 || stats.Capacity != 2 {
		t.Errorf("stats after resize = %+v", stats)
	}
	// The two most recently used entries survive.
	for _, key := range []string{"k3", "k4"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("entry %q evicted by resize", key)
		}
	}
}

func TestCacheClearKeepsCounters(t *testing.T) {
	c := NewCache(10, time.Hour)
	c.Put("a", 1)
	c.Get("a")
	c.Clear()
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry survived clear")
	}
	stats := c.Stats()
	if stats.Size != 0 {
		t.Errorf("size = %d", stats.Size)
	}
	if stats.Hits != 1 {
		t.Errorf("hits counter reset by clear: %+v", stats)
	}
}

func TestHitRate(t *testing.T) {
	s := CacheStats{Hits: 8, Misses: 2}
	if got := s.HitRate(); got != 0.8 {
		t.Errorf("HitRate = %v", got)
	}
	if got := (CacheStats{}).HitRate(); got != 0 {
		t.Errorf("empty HitRate = %v", got)
	}
}
