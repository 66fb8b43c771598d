package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const minLockTTL = 5 * time.Minute

// ErrLockLost means a cycle outlived its lock, so another worker may have
// run the same jobs alongside it.
var ErrLockLost = errors.New("cron lock expired before the cycle finished")

// Lock keeps one cron worker running the jobs at a time across instances.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// lockHolder is implemented by locks that can name the instance holding them.
type lockHolder interface {
	Holder(ctx context.Context) (string, error)
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// LockTTL sizes the lock for cycles started every interval. It covers a slow
// cycle, and a worker that dies mid-cycle blocks at most the next one.
func LockTTL(interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = defaultInterval
	}
	ttl := interval - time.Minute
	if ttl < minLockTTL {
		ttl = minLockTTL
	}
	return ttl
}

// RedisLock is held for one cycle. Its value is "<instance>/<token>" so a
// worker that finds it taken can log who is running.
type RedisLock struct {
	client   lockStore
	key      string
	ttl      time.Duration
	instance string
	token    string
}

func NewRedisLock(client lockStore, key, instanceID string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if instanceID == "" || strings.Contains(instanceID, "/") {
		return nil, fmt.Errorf("invalid instance id %q", instanceID)
	}
	if ttl <= 0 {
		ttl = LockTTL(0)
	}
	return &RedisLock{client: client, key: key, ttl: ttl, instance: instanceID}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := l.instance + "/" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release deletes the lock if this worker still holds it. It returns
// ErrLockLost when the lock expired or was taken over during the cycle.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	value, err := l.client.Get(ctx, l.key)
	if errors.Is(err, redis.Nil) {
		return ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("read lock %s: %w", l.key, err)
	}
	if value != token {
		return fmt.Errorf("%w: now held by %s", ErrLockLost, holderOf(value))
	}
	if err := l.client.Del(ctx, l.key); err != nil {
		return fmt.Errorf("delete lock %s: %w", l.key, err)
	}
	return nil
}

// Holder returns the instance holding the lock, or "" when it is free.
func (l *RedisLock) Holder(ctx context.Context) (string, error) {
	value, err := l.client.Get(ctx, l.key)
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lock %s: %w", l.key, err)
	}
	return holderOf(value), nil
}

func holderOf(value string) string {
	instance, _, _ := strings.Cut(value, "/")
	return instance
}
