package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// maxBackfillTTL bounds how long an L2 hit lives in L1, so deletes and
// overwrites made by other instances become visible.
const maxBackfillTTL = 10 * time.Minute

// ttlReader is implemented by tiers that can report a key's remaining
// lifetime.
type ttlReader interface {
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Tiered reads through a local L1 before a shared L2 and writes to both.
// L2 errors other than a miss are treated as a miss so a flaky Redis never
// fails a pipeline stage.
type Tiered struct {
	L1 *MemoryCache
	L2 Cache
}

func NewTiered(l1 *MemoryCache, l2 Cache) *Tiered {
	return &Tiered{L1: l1, L2: l2}
}

func (t *Tiered) Get(ctx context.Context, key string) (string, error) {
	if val, err := t.L1.Get(ctx, key); err == nil {
		return val, nil
	}
	if t.L2 == nil {
		return "", ErrNotFound
	}
	val, err := t.L2.Get(ctx, key)
	if err != nil {
		return "", ErrNotFound
	}
	if ttl, ok := t.backfillTTL(ctx, key); ok {
		_ = t.L1.Set(ctx, key, val, ttl)
	}
	return val, nil
}

// backfillTTL is the L2 entry's remaining lifetime capped at
// maxBackfillTTL. It reports false when the entry expired in between.
func (t *Tiered) backfillTTL(ctx context.Context, key string) (time.Duration, bool) {
	r, ok := t.L2.(ttlReader)
	if !ok {
		return maxBackfillTTL, true
	}
	ttl, err := r.TTL(ctx, key)
	switch {
	case IsMiss(err):
		return 0, false
	case err != nil, ttl <= 0, ttl > maxBackfillTTL:
		return maxBackfillTTL, true
	}
	return ttl, true
}

func (t *Tiered) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := t.L1.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	if t.L2 == nil {
		return nil
	}
	return t.L2.Set(ctx, key, value, expiration)
}

func (t *Tiered) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return t.Set(ctx, key, data, expiration)
}

func (t *Tiered) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

func (t *Tiered) Delete(ctx context.Context, keys ...string) error {
	_ = t.L1.Delete(ctx, keys...)
	if t.L2 == nil {
		return nil
	}
	return t.L2.Delete(ctx, keys...)
}

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound)
}
