package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one cached value with its insertion time and lifetime.
type Entry struct {
	Value      string
	InsertedAt time.Time
	TTL        time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.InsertedAt) >= e.TTL
}

// remaining is the lifetime left at now; 0 means no expiry.
func (e *Entry) remaining(now time.Time) time.Duration {
	if e.TTL <= 0 {
		return 0
	}
	return e.TTL - now.Sub(e.InsertedAt)
}

// MemoryCache is a bounded, TTL-aware in-process cache. When full, the
// least recently used entry is evicted first.
type MemoryCache struct {
	items *lru.Cache[string, *Entry]
	now   func() time.Time
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	// only fails for a non-positive size
	items, _ := lru.New[string, *Entry](maxEntries)
	return &MemoryCache{items: items, now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	entry, ok := m.items.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	if entry.expired(m.now()) {
		m.items.Remove(key)
		return "", ErrNotFound
	}
	return entry.Value, nil
}

// TTL returns the lifetime left on key, 0 for an entry that never expires.
func (m *MemoryCache) TTL(_ context.Context, key string) (time.Duration, error) {
	entry, ok := m.items.Peek(key)
	if !ok {
		return 0, ErrNotFound
	}
	now := m.now()
	if entry.expired(now) {
		m.items.Remove(key)
		return 0, ErrNotFound
	}
	return entry.remaining(now), nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}
	m.items.Add(key, &Entry{Value: s, InsertedAt: m.now(), TTL: expiration})
	return nil
}

func (m *MemoryCache) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, data, expiration)
}

func (m *MemoryCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.items.Remove(key)
	}
	return nil
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (m *MemoryCache) PurgeExpired() int {
	now := m.now()
	removed := 0
	for _, key := range m.items.Keys() {
		if entry, ok := m.items.Peek(key); ok && entry.expired(now) {
			m.items.Remove(key)
			removed++
		}
	}
	return removed
}

func (m *MemoryCache) Len() int {
	return m.items.Len()
}
