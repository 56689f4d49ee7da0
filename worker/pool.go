// Package worker runs the dispatch loop: a fixed number of goroutines, each
// reserving a job, handling it and popping it when the handler succeeds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/uuid"
)

const DefaultIdleInterval = 10 * time.Millisecond

var ErrStarted = errors.New("worker pool was started")

// Queue is the part of engine.Queue the pool drives
type Queue interface {
	Name() string
	Reserve(ctx context.Context) (engine.Job, error)
	Pop(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) (bool, error)
}

var _ Queue = (*engine.Queue)(nil)

// Handler processes one job. A job whose handler fails stays leased, see
// Options.ReleaseOnError.
type Handler interface {
	Handle(ctx context.Context, job engine.Job) error
}

type HandlerFunc func(ctx context.Context, job engine.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job engine.Job) error {
	return f(ctx, job)
}

type Options struct {
	// Concurrency is the number of goroutines, 1 by default
	Concurrency int
	// IdleInterval is the pause after finding the queue empty or failing to reserve
	IdleInterval time.Duration
	// ReleaseOnError puts failed jobs back to waiting at once, otherwise they're
	// redelivered after the lease expires
	ReleaseOnError bool
	Logger         *logrus.Logger
}

type Pool struct {
	queue   Queue
	handler Handler
	opts    Options

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(queue Queue, handler Handler, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Pool{queue: queue, handler: handler, opts: opts}
}

// Start runs the workers until ctx is done or Shutdown is called
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrStarted
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		w := &worker{
			id:   uuid.GenUniqueID(),
			pool: p,
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
	p.opts.Logger.WithFields(logrus.Fields{
		"pool":        p.queue.Name(),
		"concurrency": p.opts.Concurrency,
	}).Info("Worker pool started")
	return nil
}

// Shutdown stops reserving new jobs and waits for the running handlers to return
func (p *Pool) Shutdown() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

type worker struct {
	id   string
	pool *Pool
}

func (w *worker) logger() *logrus.Entry {
	return w.pool.opts.Logger.WithFields(logrus.Fields{
		"pool":   w.pool.queue.Name(),
		"worker": w.id,
	})
}

func (w *worker) run(ctx context.Context) {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
		busy := w.once(ctx)
		if busy {
			idle.Reset(0)
		} else {
			idle.Reset(w.pool.opts.IdleInterval)
		}
	}
}

// once handles at most one job and reports whether there was one
func (w *worker) once(ctx context.Context) bool {
	job, err := w.pool.queue.Reserve(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger().WithError(err).Error("Failed to reserve job")
		}
		return false
	}
	if job == nil {
		return false
	}

	// the job is ours now, finish its bookkeeping even when shutting down
	bookkeeping := context.WithoutCancel(ctx)
	if err := w.handle(ctx, job); err != nil {
		w.logger().WithFields(logrus.Fields{
			"job_id": job.ID(),
			"err":    err,
		}).Warn("Failed to handle job")
		if w.pool.opts.ReleaseOnError {
			if _, err := w.pool.queue.Release(bookkeeping, job.ID()); err != nil {
				w.logger().WithError(err).Error("Failed to release job")
			}
		}
		return true
	}
	if _, err := w.pool.queue.Pop(bookkeeping, job.ID()); err != nil {
		w.logger().WithFields(logrus.Fields{
			"job_id": job.ID(),
			"err":    err,
		}).Error("Failed to pop handled job")
	}
	return true
}

func (w *worker) handle(ctx context.Context, job engine.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.pool.handler.Handle(ctx, job)
}
