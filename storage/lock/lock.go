// Package lock elects the one process allowed to sweep expired leases.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bitleak/eq/uuid"
)

var ErrNotAcquired = errors.New("lock is held by another owner")

type Lock interface {
	Name() string
	Acquire(ctx context.Context) error
	Expiry() time.Duration
	ExtendLease(ctx context.Context) (bool, error)
	Release(ctx context.Context) (bool, error)
}

var (
	// KEYS: lock key; ARGV: token, expiry in milliseconds
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	// KEYS: lock key; ARGV: token
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLock is a lease on one redis key. The key holds a token unique to the
// lock instance, so only the owner can extend or release it.
type RedisLock struct {
	name     string
	redisCli *redis.Client
	token    string
	expiry   time.Duration
}

func NewRedisLock(redisCli *redis.Client, name string, expiry time.Duration) *RedisLock {
	return &RedisLock{
		name:     name,
		redisCli: redisCli,
		token:    uuid.GenUniqueID(),
		expiry:   expiry,
	}
}

func (l *RedisLock) key() string {
	return "eq-reclaimer-" + l.name + ".lock"
}

func (l *RedisLock) Name() string {
	return l.name
}

func (l *RedisLock) Acquire(ctx context.Context) error {
	ok, err := l.redisCli.SetNX(ctx, l.key(), l.token, l.expiry).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	return nil
}

func (l *RedisLock) Expiry() time.Duration {
	return l.expiry
}

func (l *RedisLock) ExtendLease(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.redisCli, []string{l.key()}, l.token, l.expiry.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLock) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, l.redisCli, []string{l.key()}, l.token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
