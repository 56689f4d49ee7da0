// Package reclaimer periodically moves jobs whose lease expired back to waiting.
package reclaimer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/storage/lock"
)

// Sweeper is the part of engine.Queue the reclaimer drives
type Sweeper interface {
	Name() string
	RequeueExpired(ctx context.Context, timeout time.Duration) (int, error)
}

var _ Sweeper = (*engine.Queue)(nil)

// Reclaimer calls RequeueExpired every interval. With a lock only the process
// holding it sweeps, the others keep trying to acquire it every expiry/3.
type Reclaimer struct {
	queue    Sweeper
	timeout  time.Duration
	interval time.Duration
	lock     lock.Lock
	logger   *logrus.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	done     chan struct{}
}

// New creates a reclaimer, lk may be nil
func New(queue Sweeper, timeout, interval time.Duration, lk lock.Lock, logger *logrus.Logger) *Reclaimer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reclaimer{
		queue:    queue,
		timeout:  timeout,
		interval: interval,
		lock:     lk,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Loop blocks until Shutdown is called
func (r *Reclaimer) Loop() {
	defer close(r.done)
	if r.lock == nil {
		r.loop()
		return
	}
	r.loopWithLock()
}

func (r *Reclaimer) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.shutdown:
			return
		}
	}
}

func (r *Reclaimer) loopWithLock() {
	logger := r.logger.WithFields(logrus.Fields{"pool": r.queue.Name(), "lock": r.lock.Name()})
	isLeader := false
	if err := r.lock.Acquire(r.ctx); err == nil {
		isLeader = true
		logger.Info("Acquired the reclaimer lock, I'm leader now")
	} else {
		logger.WithError(err).Info("Lost the reclaimer lock")
	}
	defer func() {
		if !isLeader {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := r.lock.Release(ctx); err != nil {
			logger.WithError(err).Error("Failed to release the reclaimer lock")
		}
	}()

	sweepTicker := time.NewTicker(r.interval)
	defer sweepTicker.Stop()
	electTicker := time.NewTicker(r.lock.Expiry() / 3)
	defer electTicker.Stop()
	for {
		select {
		case <-sweepTicker.C:
			if isLeader {
				r.sweep()
			}
		case <-electTicker.C:
			if isLeader {
				ok, err := r.lock.ExtendLease(r.ctx)
				if !ok || err != nil {
					isLeader = false
					logger.WithError(err).Error("Failed to extend lease")
				}
			} else if err := r.lock.Acquire(r.ctx); err == nil {
				isLeader = true
				logger.Info("Acquired the reclaimer lock, I'm leader now")
			}
		case <-r.shutdown:
			if isLeader {
				logger.Info("The reclaimer was shutdown, will release the reclaimer lock")
			}
			return
		}
	}
}

func (r *Reclaimer) sweep() {
	count, err := r.queue.RequeueExpired(r.ctx, r.timeout)
	if err != nil && r.ctx.Err() == nil {
		r.logger.WithFields(logrus.Fields{
			"pool": r.queue.Name(),
			"err":  err,
		}).Error("Failed to requeue expired jobs")
		return
	}
	if count > 0 {
		r.logger.WithFields(logrus.Fields{
			"pool":  r.queue.Name(),
			"count": count,
		}).Debug("Reclaimed expired leases")
	}
}

// Shutdown stops the loop and waits for a running sweep to give up
func (r *Reclaimer) Shutdown() {
	close(r.shutdown)
	r.cancel()
	<-r.done
}
