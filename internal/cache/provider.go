package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider is the byte-level store behind the dashboard's read caches.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss is returned by Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// fillLockTTL bounds how long a crashed filler can block others from writing.
const fillLockTTL = 10 * time.Second

// NoopProvider stores nothing; every Get misses.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }

// Open builds the provider named by kind: redis, memory, or none.
func Open(kind string, redisCfg RedisConfig) (Provider, error) {
	switch kind {
	case "redis":
		return NewRedisProvider(redisCfg)
	case "memory":
		return NewMemoryProvider(), nil
	case "", "none":
		return NoopProvider{}, nil
	}
	return nil, fmt.Errorf("unknown cache kind %q", kind)
}

type prefixed struct {
	Provider
	prefix string
}

// WithPrefix namespaces every key so several deployments can share one
// Redis database. An empty prefix returns p unchanged.
func WithPrefix(p Provider, prefix string) Provider {
	if prefix == "" {
		return p
	}
	return prefixed{Provider: p, prefix: prefix}
}

func (p prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.Provider.Get(ctx, p.prefix+key)
}

func (p prefixed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.Provider.Set(ctx, p.prefix+key, value, ttl)
}

func (p prefixed) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return p.Provider.SetNX(ctx, p.prefix+key, value, ttl)
}

func (p prefixed) Del(ctx context.Context, key string) error {
	return p.Provider.Del(ctx, p.prefix+key)
}

// Remember returns the JSON value cached under key. On a miss it calls load;
// only the caller holding the key's fill lock writes the result back, so
// concurrent missers never overwrite each other. Cache failures only cost a
// reload.
func Remember[T any](ctx context.Context, p Provider, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if data, err := p.Get(ctx, key); err == nil {
		var cached T
		if json.Unmarshal(data, &cached) == nil {
			return cached, nil
		}
	}

	lockKey := key + ":fill"
	owner, err := p.SetNX(ctx, lockKey, []byte("1"), fillLockTTL)
	if err != nil {
		owner = false
	}
	if owner {
		defer func() { _ = p.Del(context.WithoutCancel(ctx), lockKey) }()
	}

	value, err := load(ctx)
	if err != nil || !owner {
		return value, err
	}
	if data, err := json.Marshal(value); err == nil {
		_ = p.Set(ctx, key, data, ttl)
	}
	return value, nil
}
