// Package storagetest checks that an engine.Storage keeps the contract the
// queue relies on, and runs the queue scenarios on top of it.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/bitleak/eq/engine"
)

// Factory returns an empty storage, it registers its own cleanup on t
type Factory func(t *testing.T) engine.Storage

// Clock is a manual clock for engine.WithClock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var epoch = time.Unix(1700000000, 0)

func testConfig() engine.Config {
	return engine.Config{
		RetryDelay:     time.Millisecond,
		MaxRetries:     3,
		CollisionDelay: time.Millisecond,
		MaxCollisions:  100,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// NewQueue builds a queue on the storage driven by a manual clock
func NewQueue(storage engine.Storage) (*engine.Queue, *Clock) {
	clock := NewClock(epoch)
	q := engine.NewQueue("test", storage, testConfig(),
		engine.WithLogger(quietLogger()),
		engine.WithClock(clock.Now),
	)
	return q, clock
}

// Run runs the storage contract and the queue scenarios
func Run(t *testing.T, newStorage Factory) {
	t.Run("Contract", func(t *testing.T) { RunContract(t, newStorage) })
	t.Run("Queue", func(t *testing.T) { RunQueue(t, newStorage) })
}

func RunContract(t *testing.T, newStorage Factory) {
	ctx := context.Background()

	t.Run("InsertRead", func(t *testing.T) {
		s := newStorage(t)
		job := engine.NewJob("16999999999990001", []byte("hello"), epoch)
		require.NoError(t, s.Insert(ctx, job))
		assert.ErrorIs(t, s.Insert(ctx, job), engine.ErrExists)

		payload, err := s.Read(ctx, engine.FieldPayload, job.ID())
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), payload)
		createdAt, err := s.Read(ctx, engine.FieldCreatedAt, job.ID())
		require.NoError(t, err)
		decoded, err := engine.DecodeTime(createdAt)
		require.NoError(t, err)
		assert.True(t, decoded.Equal(epoch))
		lease, err := s.Read(ctx, engine.FieldLease, job.ID())
		require.NoError(t, err)
		assert.Empty(t, lease)

		_, err = s.Read(ctx, engine.FieldPayload, "16999999999990002")
		assert.ErrorIs(t, err, engine.ErrNotFound)
	})

	t.Run("WriteLease", func(t *testing.T) {
		s := newStorage(t)
		id := "16999999999990003"
		require.NoError(t, s.Insert(ctx, engine.NewJob(id, []byte("x"), epoch)))
		require.NoError(t, s.Write(ctx, engine.FieldLease, id, engine.EncodeTime(epoch)))
		lease, err := s.Read(ctx, engine.FieldLease, id)
		require.NoError(t, err)
		assert.Equal(t, engine.EncodeTime(epoch), lease)

		require.NoError(t, s.Write(ctx, engine.FieldLease, id, engine.NotWorking))
		lease, err = s.Read(ctx, engine.FieldLease, id)
		require.NoError(t, err)
		assert.Empty(t, lease)
	})

	t.Run("DeleteAll", func(t *testing.T) {
		s := newStorage(t)
		id := "16999999999990004"
		require.NoError(t, s.Insert(ctx, engine.NewJob(id, []byte("x"), epoch)))
		require.NoError(t, s.DeleteAll(ctx, id))
		for _, field := range engine.Fields {
			_, err := s.Read(ctx, field, id)
			assert.ErrorIs(t, err, engine.ErrNotFound, "field %s", field)
		}
		require.NoError(t, s.DeleteAll(ctx, id))
		// the id may be reused after deletion
		require.NoError(t, s.Insert(ctx, engine.NewJob(id, []byte("y"), epoch)))
	})

	t.Run("Scan", func(t *testing.T) {
		s := newStorage(t)
		want := make([]string, 0)
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("1699999999999%04d", i)
			want = append(want, id)
			require.NoError(t, s.Insert(ctx, engine.NewJob(id, []byte(id), epoch)))
		}
		require.NoError(t, s.Write(ctx, engine.FieldLease, want[1], engine.EncodeTime(epoch)))

		got := make([]string, 0)
		working := make([]string, 0)
		require.NoError(t, s.Scan(ctx, engine.FieldLease, func(id string, value []byte) bool {
			got = append(got, id)
			if len(value) != 0 {
				working = append(working, id)
			}
			return true
		}))
		sort.Strings(got)
		assert.Equal(t, want, got)
		assert.Equal(t, []string{want[1]}, working)

		calls := 0
		require.NoError(t, s.Scan(ctx, engine.FieldPayload, func(id string, value []byte) bool {
			calls++
			assert.Equal(t, id, string(value))
			return false
		}))
		assert.Equal(t, 1, calls)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStorage(t)
		swapper, ok := s.(engine.Swapper)
		if !ok {
			t.Skipf("%s has no compare-and-swap", s.Name())
		}
		id := "16999999999990005"
		require.NoError(t, s.Insert(ctx, engine.NewJob(id, []byte("x"), epoch)))
		lease := engine.EncodeTime(epoch)

		swapped, err := swapper.CompareAndSwap(ctx, engine.FieldLease, id, lease, engine.NotWorking)
		require.NoError(t, err)
		assert.False(t, swapped)
		swapped, err = swapper.CompareAndSwap(ctx, engine.FieldLease, id, engine.NotWorking, lease)
		require.NoError(t, err)
		assert.True(t, swapped)
		swapped, err = swapper.CompareAndSwap(ctx, engine.FieldLease, id, engine.NotWorking, lease)
		require.NoError(t, err)
		assert.False(t, swapped)

		swapped, err = swapper.CompareAndSwap(ctx, engine.FieldLease, "16999999999990006", engine.NotWorking, lease)
		require.NoError(t, err)
		assert.False(t, swapped, "missing job never swaps")
	})

	t.Run("Remove", func(t *testing.T) {
		s := newStorage(t)
		remover, ok := s.(engine.Remover)
		if !ok {
			t.Skipf("%s has no remove", s.Name())
		}
		id := "16999999999990007"
		require.NoError(t, s.Insert(ctx, engine.NewJob(id, []byte("x"), epoch)))
		removed, err := remover.Remove(ctx, id)
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = remover.Remove(ctx, id)
		require.NoError(t, err)
		assert.False(t, removed)
		for _, field := range engine.Fields {
			_, err := s.Read(ctx, field, id)
			assert.ErrorIs(t, err, engine.ErrNotFound)
		}
	})

	t.Run("Reserve", func(t *testing.T) {
		s := newStorage(t)
		reserver, ok := s.(engine.Reserver)
		if !ok {
			t.Skipf("%s has no transactional reserve", s.Name())
		}
		_, err := reserver.Reserve(ctx, epoch)
		assert.ErrorIs(t, err, engine.ErrNotFound)

		require.NoError(t, s.Insert(ctx, engine.NewJob("16999999999990009", []byte("second"), epoch)))
		require.NoError(t, s.Insert(ctx, engine.NewJob("16999999999990008", []byte("first"), epoch)))

		job, err := reserver.Reserve(ctx, epoch.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, "16999999999990008", job.ID())
		assert.Equal(t, []byte("first"), job.Body())
		assert.True(t, job.CreatedAt().Equal(epoch))
		startedAt, working := job.LeaseStartedAt()
		assert.True(t, working)
		assert.True(t, startedAt.Equal(epoch.Add(time.Second)))

		job, err = reserver.Reserve(ctx, epoch)
		require.NoError(t, err)
		assert.Equal(t, "16999999999990009", job.ID())
		_, err = reserver.Reserve(ctx, epoch)
		assert.ErrorIs(t, err, engine.ErrNotFound)
	})

	t.Run("Count", func(t *testing.T) {
		s := newStorage(t)
		counter, ok := s.(engine.Counter)
		if !ok {
			t.Skipf("%s has no count", s.Name())
		}
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Insert(ctx, engine.NewJob(fmt.Sprintf("1699999999999%04d", i), []byte("x"), epoch)))
		}
		require.NoError(t, s.Write(ctx, engine.FieldLease, "16999999999990000", engine.EncodeTime(epoch)))
		for filter, want := range map[engine.CountFilter]int64{
			engine.CountAll:     3,
			engine.CountWaiting: 2,
			engine.CountWorking: 1,
		} {
			n, err := counter.Count(ctx, filter)
			require.NoError(t, err)
			assert.Equal(t, want, n, filter.String())
		}
	})
}

func count(t *testing.T, q *engine.Queue, filter engine.CountFilter) int64 {
	n, err := q.Count(context.Background(), filter)
	require.NoError(t, err)
	return n
}

func RunQueue(t *testing.T, newStorage Factory) {
	ctx := context.Background()

	t.Run("PushReservePop", func(t *testing.T) {
		q, _ := NewQueue(newStorage(t))
		id, err := q.Push(ctx, []byte("A"))
		require.NoError(t, err)
		assert.EqualValues(t, 1, count(t, q, engine.CountAll))
		assert.EqualValues(t, 1, count(t, q, engine.CountWaiting))

		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID())
		assert.Equal(t, []byte("A"), job.Body())
		assert.True(t, job.Working())
		assert.EqualValues(t, 1, count(t, q, engine.CountWorking))
		assert.EqualValues(t, 0, count(t, q, engine.CountWaiting))

		ok, err := q.Pop(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.EqualValues(t, 0, count(t, q, engine.CountAll))

		ok, err = q.Pop(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "second pop reports nothing was removed")
	})

	t.Run("RequeueExpired", func(t *testing.T) {
		q, clock := NewQueue(newStorage(t))
		timeout := 2 * time.Minute
		id, err := q.Push(ctx, []byte("B"))
		require.NoError(t, err)
		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID())

		clock.Advance(timeout / 2)
		n, err := q.RequeueExpired(ctx, timeout)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.EqualValues(t, 1, count(t, q, engine.CountWorking))

		clock.Advance(timeout / 2)
		n, err = q.RequeueExpired(ctx, timeout)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.EqualValues(t, 1, count(t, q, engine.CountWaiting))
		assert.EqualValues(t, 0, count(t, q, engine.CountWorking))

		job, err = q.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID(), "requeued job is delivered again")
	})

	t.Run("ReserveEmpty", func(t *testing.T) {
		q, _ := NewQueue(newStorage(t))
		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("PopMissing", func(t *testing.T) {
		q, _ := NewQueue(newStorage(t))
		ok, err := q.Pop(ctx, "nonexistent-id")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PushTwice", func(t *testing.T) {
		q, _ := NewQueue(newStorage(t))
		c, err := q.Push(ctx, []byte("C"))
		require.NoError(t, err)
		d, err := q.Push(ctx, []byte("D"))
		require.NoError(t, err)
		assert.NotEqual(t, c, d)
		assert.EqualValues(t, 2, count(t, q, engine.CountAll))
	})

	t.Run("ReleaseAndPeek", func(t *testing.T) {
		q, clock := NewQueue(newStorage(t))
		id, err := q.Push(ctx, []byte("E"))
		require.NoError(t, err)

		ok, err := q.Release(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "waiting job can't be released")

		clock.Advance(time.Second)
		_, err = q.Reserve(ctx)
		require.NoError(t, err)
		job, err := q.Peek(ctx, id)
		require.NoError(t, err)
		startedAt, working := job.LeaseStartedAt()
		assert.True(t, working)
		assert.True(t, startedAt.Equal(clock.Now()))
		assert.True(t, job.CreatedAt().Equal(epoch))

		ok, err = q.Release(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		job, err = q.Peek(ctx, id)
		require.NoError(t, err)
		assert.False(t, job.Working())

		_, err = q.Peek(ctx, "16999999999999999")
		assert.ErrorIs(t, err, engine.ErrNotFound)
		ok, err = q.Release(ctx, "16999999999999999")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetExclusivity", func(t *testing.T) {
		q, _ := NewQueue(newStorage(t))
		for i := 0; i < 6; i++ {
			_, err := q.Push(ctx, []byte(fmt.Sprintf("job-%d", i)))
			require.NoError(t, err)
		}
		for i := 0; i < 4; i++ {
			job, err := q.Reserve(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			if i%2 == 0 {
				_, err = q.Pop(ctx, job.ID())
				require.NoError(t, err)
			}
			all := count(t, q, engine.CountAll)
			assert.Equal(t, all, count(t, q, engine.CountWaiting)+count(t, q, engine.CountWorking))
		}
		assert.EqualValues(t, 4, count(t, q, engine.CountAll))
		assert.EqualValues(t, 2, count(t, q, engine.CountWorking))
	})

	t.Run("ConcurrentPush", func(t *testing.T) {
		q, _ := NewQueue(newStorage(t))
		const pushes = 200
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			failed atomic.Int64
		)
		ids := make(map[string]struct{}, pushes)
		for i := 0; i < pushes; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := q.Push(ctx, []byte(fmt.Sprintf("job-%d", i)))
				if err != nil {
					failed.Inc()
					return
				}
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		require.EqualValues(t, 0, failed.Load())
		assert.Len(t, ids, pushes)
		assert.EqualValues(t, pushes, count(t, q, engine.CountAll))
	})

	t.Run("ConcurrentReserve", func(t *testing.T) {
		s := newStorage(t)
		_, isReserver := s.(engine.Reserver)
		_, isSwapper := s.(engine.Swapper)
		if !isReserver && !isSwapper {
			t.Skipf("%s may dispatch a job twice under contention", s.Name())
		}
		q, _ := NewQueue(s)
		const jobs = 50
		for i := 0; i < jobs; i++ {
			_, err := q.Push(ctx, []byte("x"))
			require.NoError(t, err)
		}
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			reserved atomic.Int64
		)
		seen := make(map[string]int)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := q.Reserve(ctx)
					if err != nil || job == nil {
						return
					}
					reserved.Inc()
					mu.Lock()
					seen[job.ID()]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, jobs, reserved.Load())
		assert.Len(t, seen, jobs)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s reserved more than once", id)
		}
	})
}
