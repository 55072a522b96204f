package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"call-intake/internal/calls"
	"call-intake/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// CursorStore remembers the lower time bound of the next poll per account.
type CursorStore interface {
	Get(ctx context.Context, provider calls.Provider, accountID string) (time.Time, bool, error)
	Set(ctx context.Context, provider calls.Provider, accountID string, t time.Time) error
}

func cursorKey(provider calls.Provider, accountID string) string {
	return "poll:cursor:" + string(provider) + ":" + accountID
}

type RedisCursors struct {
	rdb *redis.Client
}

func NewRedisCursors(rdb *redis.Client) *RedisCursors {
	return &RedisCursors{rdb: rdb}
}

func (c *RedisCursors) Get(ctx context.Context, provider calls.Provider, accountID string) (time.Time, bool, error) {
	v, err := c.rdb.Get(ctx, cursorKey(provider, accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cursor get: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cursor %q is not a timestamp: %w", v, err)
	}
	return t, true, nil
}

func (c *RedisCursors) Set(ctx context.Context, provider calls.Provider, accountID string, t time.Time) error {
	if err := c.rdb.Set(ctx, cursorKey(provider, accountID), t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("cursor set: %w", err)
	}
	return nil
}

type MemoryCursors struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{m: map[string]time.Time{}}
}

func (c *MemoryCursors) Get(ctx context.Context, provider calls.Provider, accountID string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.m[cursorKey(provider, accountID)]
	return t, ok, nil
}

func (c *MemoryCursors) Set(ctx context.Context, provider calls.Provider, accountID string, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[cursorKey(provider, accountID)] = t
	return nil
}

// Locker guards a run so only one process polls a provider at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, ok, err := utils.AcquireRunLock(ctx, l.rdb, key, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lock.Release, true, nil
}

// localLocker serializes runs inside one process.
type localLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLocalLocker() *localLocker {
	return &localLocker{held: map[string]bool{}}
}

func (l *localLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		return nil
	}, true, nil
}
