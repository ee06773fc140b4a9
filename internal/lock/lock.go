package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTTL         = 30 * time.Second
	acquireTimeout     = 5 * time.Second
	renewDivisor       = 3
	releaseScript      = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	renewScript        = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
	singleInstanceNote = "redis client is nil, running in single-instance mode"
)

// Locker guards a section that must run on at most one instance at a time.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	IsHeld() bool
}

// Option configures a RedisLock.
type Option func(*RedisLock)

// WithTTL overrides the key expiry.
func WithTTL(ttl time.Duration) Option {
	return func(redisLock *RedisLock) {
		if ttl > 0 {
			redisLock.ttl = ttl
		}
	}
}

// WithLogger attaches a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(redisLock *RedisLock) {
		if logger != nil {
			redisLock.logger = logger
		}
	}
}

// RedisLock is a SET NX lease renewed in the background while held.
// A nil client always grants the lock.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	held      bool
	stopRenew chan struct{}
}

// NewRedisLock builds a lock on key; each instance carries its own token.
func NewRedisLock(client *redis.Client, key string, options ...Option) *RedisLock {
	redisLock := &RedisLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    DefaultTTL,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(redisLock)
	}
	return redisLock
}

// TryLock attempts to take the lease without blocking.
func (redisLock *RedisLock) TryLock(ctx context.Context) (bool, error) {
	redisLock.mu.Lock()
	defer redisLock.mu.Unlock()
	if redisLock.held {
		return true, nil
	}
	if redisLock.client == nil {
		redisLock.logger.Debug(singleInstanceNote, zap.String("key", redisLock.key))
		redisLock.held = true
		return true, nil
	}
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	acquired, err := redisLock.client.SetNX(acquireCtx, redisLock.key, redisLock.token, redisLock.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", redisLock.key, err)
	}
	if !acquired {
		return false, nil
	}
	redisLock.held = true
	redisLock.stopRenew = make(chan struct{})
	go redisLock.renew(redisLock.stopRenew)
	return true, nil
}

// Unlock releases the lease if this instance still owns it.
func (redisLock *RedisLock) Unlock(ctx context.Context) error {
	redisLock.mu.Lock()
	if !redisLock.held {
		redisLock.mu.Unlock()
		return nil
	}
	redisLock.held = false
	if redisLock.stopRenew != nil {
		close(redisLock.stopRenew)
		redisLock.stopRenew = nil
	}
	redisLock.mu.Unlock()
	if redisLock.client == nil {
		return nil
	}
	released, err := redisLock.client.Eval(ctx, releaseScript, []string{redisLock.key}, redisLock.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", redisLock.key, err)
	}
	if released == 0 {
		redisLock.logger.Warn("lock already expired or taken over", zap.String("key", redisLock.key))
	}
	return nil
}

// IsHeld reports whether this instance believes it owns the lease.
func (redisLock *RedisLock) IsHeld() bool {
	redisLock.mu.Lock()
	defer redisLock.mu.Unlock()
	return redisLock.held
}

func (redisLock *RedisLock) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(redisLock.ttl / renewDivisor)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
			renewed, err := redisLock.client.Eval(ctx, renewScript, []string{redisLock.key}, redisLock.token, redisLock.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && renewed == 1 {
				continue
			}
			redisLock.logger.Warn("lock lease lost", zap.String("key", redisLock.key), zap.Error(err))
			redisLock.mu.Lock()
			if redisLock.stopRenew == stop {
				redisLock.held = false
				close(redisLock.stopRenew)
				redisLock.stopRenew = nil
			}
			redisLock.mu.Unlock()
			return
		}
	}
}
