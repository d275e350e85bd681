package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key the grader writes, so the service can
// share a Redis database.
const KeyPrefix = "grader:"

const connectTimeout = 5 * time.Second

// deleteIfScript removes KEYS[1] only while it still holds ARGV[1].
var deleteIfScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisCache is the shared cache tier. It also backs the job lock and the
// progress fan-out across API instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to redisURL and fails if the server does not
// answer a ping within a few seconds.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = connectTimeout

	rc := &RedisCache{client: redis.NewClient(opt)}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := rc.Ping(ctx); err != nil {
		_ = rc.client.Close()
		return nil, err
	}
	return rc, nil
}

func key(k string) string {
	return KeyPrefix + k
}

func (r *RedisCache) Get(ctx context.Context, k string) (string, error) {
	val, err := r.client.Get(ctx, key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (r *RedisCache) Set(ctx context.Context, k string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key(k), value, expiration).Err()
}

func (r *RedisCache) SetJSON(ctx context.Context, k string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.Set(ctx, k, data, expiration)
}

func (r *RedisCache) GetJSON(ctx context.Context, k string, dest interface{}) error {
	val, err := r.Get(ctx, k)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = key(k)
	}
	return r.client.Del(ctx, prefixed...).Err()
}

// TTL returns the lifetime left on key, 0 for a key without expiry.
func (r *RedisCache) TTL(ctx context.Context, k string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key(k)).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case d == -2:
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

// SetNX stores value only when the key is absent and reports whether it did.
func (r *RedisCache) SetNX(ctx context.Context, k string, value interface{}, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key(k), value, expiration).Result()
}

// DeleteIf removes the key only while it still holds value.
func (r *RedisCache) DeleteIf(ctx context.Context, k, value string) (bool, error) {
	n, err := deleteIfScript.Run(ctx, r.client, []string{key(k)}, value).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return n > 0, err
}

// Ping checks the connection; it backs the health endpoint.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Client exposes the connection for pub/sub.
func (r *RedisCache) Client() *redis.Client {
	return r.client
}
