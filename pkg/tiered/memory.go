package tiered

import (
	"bytes"
	"sync"
	"time"

	"github.com/Sternrassler/voxcache/pkg/keys"
)

// memoryTier is Tier 1: a plain map with a very short TTL that collapses
// bursts of reads for the same key inside one process. Values are copied in
// and out; callers never share a backing array with the tier.
type memoryTier struct {
	mu      sync.Mutex
	items   map[string]memoryItem
	ttl     time.Duration
	sweepAt int
	now     func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func newMemoryTier(ttl time.Duration, sweepAt int, now func() time.Time) *memoryTier {
	return &memoryTier{
		items:   make(map[string]memoryItem),
		ttl:     ttl,
		sweepAt: sweepAt,
		now:     now,
	}
}

func (m *memoryTier) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if m.now().After(it.expiresAt) {
		delete(m.items, key)
		return nil, false
	}
	return bytes.Clone(it.value), true
}

// set stores value for the tier TTL, or for ttl when that is shorter.
func (m *memoryTier) set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 || ttl > m.ttl {
		ttl = m.ttl
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memoryItem{value: bytes.Clone(value), expiresAt: m.now().Add(ttl)}
	if len(m.items) > m.sweepAt {
		m.sweepLocked()
	}
}

func (m *memoryTier) sweepLocked() {
	now := m.now()
	for k, it := range m.items {
		if now.After(it.expiresAt) {
			delete(m.items, k)
		}
	}
}

func (m *memoryTier) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

func (m *memoryTier) deletePattern(p keys.Pattern) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.items {
		if p.Match(k) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

func (m *memoryTier) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]memoryItem)
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
