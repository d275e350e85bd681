package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for a missing or expired key by every tier.
var ErrNotFound = errors.New("key not found in cache")

// Cache is the key/value contract shared by the in-memory and Redis tiers.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
}
