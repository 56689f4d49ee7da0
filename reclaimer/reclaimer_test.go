package reclaimer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/storage/badger"
	"github.com/bitleak/eq/storage/storagetest"
)

type countingSweeper struct {
	calls   atomic.Int32
	timeout atomic.Duration
	err     error
}

func (s *countingSweeper) Name() string {
	return "test"
}

func (s *countingSweeper) RequeueExpired(ctx context.Context, timeout time.Duration) (int, error) {
	s.calls.Inc()
	s.timeout.Store(timeout)
	return 1, s.err
}

// memoryLock is held by at most one owner
type memoryLock struct {
	mu    *sync.Mutex
	owner *string
	name  string
}

func (l *memoryLock) Name() string {
	return l.name
}

func (l *memoryLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if *l.owner != "" && *l.owner != l.name {
		return errors.New("held")
	}
	*l.owner = l.name
	return nil
}

func (l *memoryLock) Expiry() time.Duration {
	return 30 * time.Millisecond
}

func (l *memoryLock) ExtendLease(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.owner == l.name, nil
}

func (l *memoryLock) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if *l.owner != l.name {
		return false, nil
	}
	*l.owner = ""
	return true, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestReclaimer_Loop(t *testing.T) {
	sweeper := &countingSweeper{}
	r := New(sweeper, time.Minute, 10*time.Millisecond, nil, quietLogger())
	go r.Loop()
	time.Sleep(100 * time.Millisecond)
	r.Shutdown()
	calls := sweeper.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(3))
	assert.Equal(t, time.Minute, sweeper.timeout.Load())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, sweeper.calls.Load(), "no sweep after shutdown")
}

func TestReclaimer_KeepsGoingOnError(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("storage is down")}
	r := New(sweeper, time.Minute, 10*time.Millisecond, nil, quietLogger())
	go r.Loop()
	time.Sleep(60 * time.Millisecond)
	r.Shutdown()
	assert.GreaterOrEqual(t, sweeper.calls.Load(), int32(2))
}

func TestReclaimer_OnlyLeaderSweeps(t *testing.T) {
	var (
		mu    sync.Mutex
		owner string
	)
	s1, s2 := &countingSweeper{}, &countingSweeper{}
	r1 := New(s1, time.Minute, 5*time.Millisecond, &memoryLock{mu: &mu, owner: &owner, name: "r1"}, quietLogger())
	go r1.Loop()
	time.Sleep(20 * time.Millisecond)
	r2 := New(s2, time.Minute, 5*time.Millisecond, &memoryLock{mu: &mu, owner: &owner, name: "r2"}, quietLogger())
	go r2.Loop()

	time.Sleep(60 * time.Millisecond)
	assert.Greater(t, s1.calls.Load(), int32(0))
	assert.Equal(t, int32(0), s2.calls.Load())

	// the lock is released on shutdown and the other reclaimer takes over
	r1.Shutdown()
	time.Sleep(80 * time.Millisecond)
	assert.Greater(t, s2.calls.Load(), int32(0))
	r2.Shutdown()
}

func TestReclaimer_RequeuesExpiredJobs(t *testing.T) {
	ctx := context.Background()
	s, err := badger.New("", nil)
	require.NoError(t, err)
	defer s.Close()
	q, clock := storagetest.NewQueue(s)

	_, err = q.Push(ctx, []byte("job"))
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	clock.Advance(2 * time.Minute)

	r := New(q, time.Minute, 5*time.Millisecond, nil, quietLogger())
	go r.Loop()
	require.Eventually(t, func() bool {
		n, err := q.Count(ctx, engine.CountWaiting)
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
	r.Shutdown()
}
