package lock

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var redisAddr string

func TestMain(m *testing.M) {
	container, err := gnomock.Start(redis.Preset())
	if err != nil {
		// no docker, nothing to lock against
		os.Exit(0)
	}
	redisAddr = container.DefaultAddress()
	ret := m.Run()
	gnomock.Stop(container)
	os.Exit(ret)
}

func TestRedisLock(t *testing.T) {
	ctx := context.Background()
	redisCli := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	defer redisCli.Close()

	l1 := NewRedisLock(redisCli, "test-lock", time.Second)
	l2 := NewRedisLock(redisCli, "test-lock", time.Second)
	require.NoError(t, l1.Acquire(ctx))
	assert.ErrorIs(t, l2.Acquire(ctx), ErrNotAcquired)

	ok, err := l2.ExtendLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "only the owner extends")
	ok, err = l1.ExtendLease(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l2.Release(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "only the owner releases")
	ok, err = l1.Release(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l2.Acquire(ctx))
}

func TestRedisLock_Expire(t *testing.T) {
	ctx := context.Background()
	redisCli := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	defer redisCli.Close()

	l1 := NewRedisLock(redisCli, "test-expire", 200*time.Millisecond)
	l2 := NewRedisLock(redisCli, "test-expire", 200*time.Millisecond)
	require.NoError(t, l1.Acquire(ctx))
	time.Sleep(400 * time.Millisecond)
	require.NoError(t, l2.Acquire(ctx))
	ok, err := l1.ExtendLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
