package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestRedisLock_AcquireAndRelease(t *testing.T) {
	_, client := newTestClient(t)
	redisLock := NewRedisLock(client, "sweep:expiration")
	ctx := context.Background()

	acquired, err := redisLock.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, redisLock.IsHeld())

	require.NoError(t, redisLock.Unlock(ctx))
	assert.False(t, redisLock.IsHeld())
}

func TestRedisLock_SecondInstanceWaitsForRelease(t *testing.T) {
	_, client := newTestClient(t)
	first := NewRedisLock(client, "sweep:completion")
	second := NewRedisLock(client, "sweep:completion")
	ctx := context.Background()

	acquired, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, acquired, "second instance must not take a held lock")

	require.NoError(t, first.Unlock(ctx))

	acquired, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, second.Unlock(ctx))
}

func TestRedisLock_ExpiredLeaseIsReclaimed(t *testing.T) {
	server, client := newTestClient(t)
	first := NewRedisLock(client, "sweep:ttl", WithTTL(time.Minute))
	second := NewRedisLock(client, "sweep:ttl", WithTTL(time.Minute))
	ctx := context.Background()

	acquired, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	server.FastForward(time.Minute + time.Second)

	acquired, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "lease should be free after its ttl")

	require.NoError(t, first.Unlock(ctx))
	assert.True(t, server.Exists("sweep:ttl"), "stale owner must not delete the new lease")
	require.NoError(t, second.Unlock(ctx))
	assert.False(t, server.Exists("sweep:ttl"))
}

func TestRedisLock_NilClientIsSingleInstance(t *testing.T) {
	redisLock := NewRedisLock(nil, "sweep:nil")
	ctx := context.Background()

	acquired, err := redisLock.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, redisLock.IsHeld())

	require.NoError(t, redisLock.Unlock(ctx))
	assert.False(t, redisLock.IsHeld())
}

func TestRedisLock_UnlockWithoutLockIsNoop(t *testing.T) {
	_, client := newTestClient(t)
	redisLock := NewRedisLock(client, "sweep:noop")
	assert.NoError(t, redisLock.Unlock(context.Background()))
}
