package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRetryDelay     = 50 * time.Millisecond
	DefaultCollisionDelay = 50 * time.Millisecond
)

// Config is what a queue needs to know about the process, it is passed in
// explicitly and never read from globals.
type Config struct {
	// RetryDelay is the fixed delay between two attempts of a failed storage call
	RetryDelay time.Duration
	// MaxRetries bounds the attempts of a storage call, 0 retries until the context is done
	MaxRetries int
	// CollisionDelay is the pause after generating an id which is still live
	CollisionDelay time.Duration
	// MaxCollisions bounds the id generation attempts, 0 means unbounded
	MaxCollisions int
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.CollisionDelay <= 0 {
		c.CollisionDelay = DefaultCollisionDelay
	}
	return c
}

// errors that tell something about the job rather than about the storage
func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExists) ||
		errors.Is(err, ErrIDExhausted) ||
		errors.Is(err, ErrUnsupportedField) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retry runs fn until it succeeds, the retry bound is hit or ctx is done.
// Storage errors are logged and retried after a fixed delay.
func retry[T any](ctx context.Context, q *Queue, op string, fn func() (T, error)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(q.conf.RetryDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.storageRetries.WithLabelValues(q.name, op).Inc()
			q.logger.WithFields(logrus.Fields{
				"pool": q.name,
				"op":   op,
				"err":  err,
				"next": next,
			}).Error("Storage operation failed, will retry")
		}),
	}
	if q.conf.MaxRetries > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(q.conf.MaxRetries)))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
