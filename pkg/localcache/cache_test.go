package localcache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache[V any](t *testing.T, opts Options) (*Cache[V], *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts.Now = clock.Now
	if opts.Name == "" {
		opts.Name = t.Name()
	}
	c := New[V](opts)
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_SetAndGet_ExpiryBoundary(t *testing.T) {
	c, clock := newTestCache[string](t, Options{})

	c.Set("k", "v", WithTTL(time.Second))

	if got, ok := c.Get("k"); !ok || got != "v" {
		t.Fatalf("Get() = %q, %v; want v, true", got, ok)
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should still be live exactly at its TTL")
	}

	clock.Advance(time.Nanosecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should be expired strictly after its TTL")
	}
	if c.Stats().Size != 0 {
		t.Error("expired entry should be deleted eagerly on Get")
	}
}

func TestCache_DefaultTTL(t *testing.T) {
	c, clock := newTestCache[int](t, Options{DefaultTTL: time.Minute})

	c.Set("k", 1)
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should be live before default TTL")
	}
	clock.Advance(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should expire after default TTL")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c, _ := newTestCache[string](t, Options{MaxEntries: 3})

	c.Set("A", "a")
	c.Set("B", "b")
	c.Set("C", "c")
	c.Get("A")
	c.Set("D", "d")

	for key, want := range map[string]bool{"A": true, "B": false, "C": true, "D": true} {
		if got := c.Has(key); got != want {
			t.Errorf("Has(%s) = %v, want %v", key, got, want)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestCache_HasDoesNotRefreshRecency(t *testing.T) {
	c, _ := newTestCache[string](t, Options{MaxEntries: 3})

	c.Set("A", "a")
	c.Set("B", "b")
	c.Set("C", "c")
	c.Has("A")
	c.Set("D", "d")

	if c.Has("A") {
		t.Error("A should be evicted: Has must not count as usage")
	}
	if !c.Has("B") {
		t.Error("B should survive")
	}
}

func TestCache_SizeNeverExceedsMax(t *testing.T) {
	c, _ := newTestCache[int](t, Options{MaxEntries: 10})

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
		if size := c.Stats().Size; size > 10 {
			t.Fatalf("size = %d after %d inserts, max 10", size, i+1)
		}
	}

	keys := c.Keys()
	if len(keys) != 10 || keys[0] != "k90" || keys[9] != "k99" {
		t.Errorf("Keys() = %v, want k90..k99", keys)
	}
}

func TestCache_ByteBoundEviction(t *testing.T) {
	c, _ := newTestCache[[]byte](t, Options{MaxEntries: 100, MaxBytes: 10})

	c.Set("a", []byte("1234"))
	c.Set("b", []byte("5678"))
	c.Set("c", []byte("9012"))

	stats := c.Stats()
	if stats.Size != 2 {
		t.Errorf("Size = %d, want 2 (byte bound hit before entry bound)", stats.Size)
	}
	if stats.Bytes != 8 {
		t.Errorf("Bytes = %d, want 8", stats.Bytes)
	}
	if c.Has("a") {
		t.Error("least recently used entry a should be evicted")
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
}

func TestCache_OversizedValueNotStored(t *testing.T) {
	c, _ := newTestCache[string](t, Options{MaxBytes: 4})

	c.Set("k", "ok")
	c.Set("k", "far too large")

	if c.Has("k") {
		t.Error("oversized value should not be cached and should drop the old entry")
	}
	if c.Stats().Bytes != 0 {
		t.Errorf("Bytes = %d, want 0", c.Stats().Bytes)
	}
}

func TestCache_OverwriteUpdatesBytes(t *testing.T) {
	c, _ := newTestCache[string](t, Options{})

	c.Set("k", "short")
	c.Set("k", "a longer value")

	if got := c.Stats().Bytes; got != int64(len("a longer value")) {
		t.Errorf("Bytes = %d, want %d", got, len("a longer value"))
	}
	if got, _ := c.Get("k"); got != "a longer value" {
		t.Errorf("Get() = %q", got)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache[int](t, Options{})

	c.Set("user:1", 1)
	c.Set("user:2", 2)
	c.Set("org:1", 3)

	if n := c.Invalidate("user:*"); n != 2 {
		t.Errorf("Invalidate() = %d, want 2", n)
	}
	if _, ok := c.Get("user:1"); ok {
		t.Error("user:1 should be invalidated")
	}
	if _, ok := c.Get("user:2"); ok {
		t.Error("user:2 should be invalidated")
	}
	if v, ok := c.Get("org:1"); !ok || v != 3 {
		t.Error("org:1 should remain")
	}
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache[int](t, Options{})

	c.Set("k", 1)
	if !c.Delete("k") {
		t.Error("Delete() of present key = false")
	}
	if c.Delete("k") {
		t.Error("Delete() of absent key = true")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("deleted key should miss")
	}
}

func TestCache_StatsInvariant(t *testing.T) {
	c, _ := newTestCache[int](t, Options{MaxEntries: 50})

	c.Set("present", 1)

	const n = 20
	hits := 0
	for i := 0; i < n; i++ {
		key := "absent"
		if i%3 == 0 {
			key = "present"
			hits++
		}
		c.Get(key)
	}

	stats := c.Stats()
	if stats.Hits != uint64(hits) {
		t.Errorf("Hits = %d, want %d", stats.Hits, hits)
	}
	if stats.Hits+stats.Misses != n {
		t.Errorf("Hits+Misses = %d, want %d", stats.Hits+stats.Misses, n)
	}
	if want := float64(hits) / n; stats.HitRate != want {
		t.Errorf("HitRate = %v, want %v", stats.HitRate, want)
	}
	if stats.MaxSize != 50 {
		t.Errorf("MaxSize = %d, want 50", stats.MaxSize)
	}

	c.Clear()
	stats = c.Stats()
	if stats.Hits != 0 || stats.Misses != 0 || stats.Size != 0 || stats.Bytes != 0 {
		t.Errorf("Clear() should reset counters and entries, got %+v", stats)
	}
}

func TestEstimateSize(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want int64
	}{
		{name: "nil", v: nil, want: 0},
		{name: "bytes", v: []byte("abcd"), want: 4},
		{name: "string", v: "abc", want: 3},
		{name: "sized", v: sizedValue(42), want: 42},
		{name: "struct as json", v: struct {
			A int `json:"a"`
		}{A: 1}, want: int64(len(`{"a":1}`))},
		{name: "unencodable", v: make(chan int), want: unsizedFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateSize(tt.v); got != tt.want {
				t.Errorf("EstimateSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

type sizedValue int64

func (s sizedValue) Size() int64 { return int64(s) }
