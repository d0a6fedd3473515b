// Package testutil provides testing utilities for the cache packages.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/voxcache/pkg/store"
)

// MemStore is an in-memory store.Store with fault injection.
type MemStore struct {
	mu        sync.Mutex
	data      map[string]memValue
	connected bool
	failing   map[string]error
	now       func() time.Time

	// Tracking
	Calls map[string]int
}

type memValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemStore creates a disconnected in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data:    make(map[string]memValue),
		failing: make(map[string]error),
		now:     time.Now,
		Calls:   make(map[string]int),
	}
}

var _ store.Store = (*MemStore)(nil)

// SetDown simulates a lost connection (true) or a recovered one (false).
func (m *MemStore) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = !down
}

// Fail makes every call of op return err until cleared with a nil err.
func (m *MemStore) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, op)
		return
	}
	m.failing[op] = err
}

// Put stores a raw value bypassing fault injection.
func (m *MemStore) Put(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, value, ttl)
}

// Raw returns the raw value bypassing fault injection.
func (m *MemStore) Raw(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookupLocked(key)
	return v.value, ok
}

// ExpiresAt returns the expiry of key; the zero time means none.
func (m *MemStore) ExpiresAt(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookupLocked(key)
	return v.expiresAt, ok
}

// Len returns the number of live keys.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if _, ok := m.lookupLocked(k); ok {
			n++
		}
	}
	return n
}

// CallCount returns how often op was invoked.
func (m *MemStore) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[op]
}

func (m *MemStore) begin(op, key string) error {
	m.Calls[op]++
	if !m.connected {
		return &store.OpError{Op: op, Key: key, Err: store.ErrNotConnected}
	}
	if err, ok := m.failing[op]; ok {
		return &store.OpError{Op: op, Key: key, Err: err}
	}
	return nil
}

func (m *MemStore) lookupLocked(key string) (memValue, bool) {
	v, ok := m.data[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expiresAt.IsZero() && m.now().After(v.expiresAt) {
		delete(m.data, key)
		return memValue{}, false
	}
	return v, true
}

func (m *MemStore) putLocked(key, value string, ttl time.Duration) {
	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = v
}

// Connect implements store.Store.
func (m *MemStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["connect"]++
	if err, ok := m.failing["connect"]; ok {
		return &store.OpError{Op: "connect", Err: err}
	}
	m.connected = true
	return nil
}

// Disconnect implements store.Store.
func (m *MemStore) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["disconnect"]++
	m.connected = false
	return nil
}

// Connected implements store.Store.
func (m *MemStore) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Status implements store.Store.
func (m *MemStore) Status() store.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return store.Status{State: store.StateConnected}
	}
	return store.Status{State: store.StateDisconnected}
}

// Get implements store.Store.
func (m *MemStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("get", key); err != nil {
		return "", err
	}
	v, ok := m.lookupLocked(key)
	if !ok {
		return "", store.ErrNotFound
	}
	return v.value, nil
}

// SetWithExpiry implements store.Store.
func (m *MemStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("set", key); err != nil {
		return err
	}
	m.putLocked(key, value, ttl)
	return nil
}

// Delete implements store.Store.
func (m *MemStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("del", keys[0]); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Scan implements store.Store. Supports '*' and backslash escapes.
func (m *MemStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	m.mu.Lock()
	if err := m.begin("scan", pattern); err != nil {
		m.mu.Unlock()
		return err
	}
	var matched []string
	for k := range m.data {
		if _, ok := m.lookupLocked(k); ok && globMatch(pattern, k) {
			matched = append(matched, k)
		}
	}
	m.mu.Unlock()

	for _, k := range matched {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// MGet implements store.Store.
func (m *MemStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("mget", ""); err != nil {
		return nil, err
	}
	out := make([]*string, len(keys))
	for i, k := range keys {
		if v, ok := m.lookupLocked(k); ok {
			s := v.value
			out[i] = &s
		}
	}
	return out, nil
}

// MSetWithExpiry implements store.Store.
func (m *MemStore) MSetWithExpiry(ctx context.Context, entries map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("mset", ""); err != nil {
		return err
	}
	for k, v := range entries {
		m.putLocked(k, v, ttl)
	}
	return nil
}

// IncrBy implements store.Store.
func (m *MemStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("incrby", key); err != nil {
		return 0, err
	}
	v, _ := m.lookupLocked(key)
	cur := int64(0)
	if v.value != "" {
		parsed, err := strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, &store.OpError{Op: "incrby", Key: key, Err: fmt.Errorf("value is not an integer")}
		}
		cur = parsed
	}
	cur += n
	v.value = strconv.FormatInt(cur, 10)
	m.data[key] = v
	return cur, nil
}

// ExpireNX implements store.Store.
func (m *MemStore) ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("expire", key); err != nil {
		return false, err
	}
	v, ok := m.lookupLocked(key)
	if !ok || !v.expiresAt.IsZero() {
		return false, nil
	}
	v.expiresAt = m.now().Add(ttl)
	m.data[key] = v
	return true, nil
}

// CountKeys implements store.Store.
func (m *MemStore) CountKeys(ctx context.Context, pattern string) (int64, error) {
	var n int64
	err := m.Scan(ctx, pattern, func(string) error {
		n++
		return nil
	})
	return n, err
}

// ErrInjected is a convenience error for fault injection.
var ErrInjected = errors.New("injected failure")

// globMatch implements the subset of Redis MATCH produced by keys.Pattern.Glob:
// '*' wildcards and backslash escapes.
func globMatch(pattern, key string) bool {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '\\':
			if i+1 < len(pattern) {
				i++
				cur.WriteByte(pattern[i])
			}
		case '*':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())

	if len(parts) == 1 {
		return key == parts[0]
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	last := parts[len(parts)-1]
	if len(key) < len(last) || !strings.HasSuffix(key, last) {
		return false
	}
	key = key[:len(key)-len(last)]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(key, p)
		if i < 0 {
			return false
		}
		key = key[i+len(p):]
	}
	return true
}
