package engine

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/uuid"
)

// how many waiting candidates a CAS reservation collects per scan
const reserveBatchSize = 16

// Queue implements the lease protocol on top of a Storage:
//   - push a job as waiting
//   - reserve one waiting job, the job is working since then
//   - pop a job when it's done, or requeue it when its lease expired
//
// Queue keeps no state of its own, any number of queues in any number of
// processes may share the same storage.
type Queue struct {
	name    string
	storage Storage
	ids     *IDGenerator
	conf    Config
	now     func() time.Time
	logger  *logrus.Logger
}

type Option func(*Queue)

func WithLogger(logger *logrus.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithClock replaces time.Now, the lease start time and the expiry check use it
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func NewQueue(name string, storage Storage, conf Config, opts ...Option) *Queue {
	q := &Queue{
		name:    name,
		storage: storage,
		conf:    conf.withDefaults(),
		now:     time.Now,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ids = NewIDGenerator(name, storage, q.conf.CollisionDelay, q.conf.MaxCollisions, q.logger)
	q.ids.now = q.now
	return q
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Storage() Storage {
	return q.storage
}

func (q *Queue) Close() error {
	return q.storage.Close()
}

// Push stores the body as a new waiting job and returns its id
func (q *Queue) Push(ctx context.Context, body []byte) (jobID string, err error) {
	ctx, span := startSpan(ctx, q.name, "push")
	defer func() { endSpan(span, err) }()

	for attempt := 1; ; attempt++ {
		id, err := retry(ctx, q, "generate_id", func() (string, error) {
			return q.ids.Generate(ctx)
		})
		if err != nil {
			return "", err
		}
		job := NewJob(id, body, q.now())
		err = retryErr(ctx, q, "insert", func() error {
			return q.storage.Insert(ctx, job)
		})
		if errors.Is(err, ErrExists) && q.isOwnInsert(ctx, job) {
			// an earlier attempt was committed although it reported an error
			err = nil
		}
		if errors.Is(err, ErrExists) {
			// another producer took the id between the liveness check and the insert
			q.ids.collided(id, attempt)
			if q.conf.MaxCollisions > 0 && attempt >= q.conf.MaxCollisions {
				return "", ErrIDExhausted
			}
			if err := sleepContext(ctx, q.conf.CollisionDelay); err != nil {
				return "", err
			}
			continue
		}
		if err != nil {
			return "", err
		}
		metrics.pushJobs.WithLabelValues(q.name).Inc()
		q.logger.WithFields(logrus.Fields{
			"pool":   q.name,
			"job_id": id,
		}).Debug("Job pushed")
		return id, nil
	}
}

// isOwnInsert tells whether the live record at the job id is the job itself
func (q *Queue) isOwnInsert(ctx context.Context, job Job) bool {
	stored, err := q.load(ctx, job.ID())
	if err != nil {
		return false
	}
	return bytes.Equal(stored.Body(), job.Body()) && stored.CreatedAt().Equal(job.CreatedAt())
}

// Reserve leases one waiting job. A nil job and nil error are returned when
// no job is waiting.
//
// Storages implementing Reserver pick the oldest job inside a transaction.
// Storages implementing Swapper claim the first waiting job a scan finds with a
// compare-and-swap, so two reservations never get the same job. Other storages
// fall back to scan-then-write, where two concurrent reservations CAN both get
// the same job; use a transactional or CAS capable storage when that matters.
func (q *Queue) Reserve(ctx context.Context) (job Job, err error) {
	ctx, span := startSpan(ctx, q.name, "reserve")
	defer func() { endSpan(span, err) }()

	var path string
	switch s := q.storage.(type) {
	case Reserver:
		path = "txn"
		job, err = q.reserveInTx(ctx, s)
	case Swapper:
		path = "cas"
		job, err = q.reserveBySwap(ctx, s)
	default:
		path = "scan"
		job, err = q.reserveByScan(ctx)
	}
	if err != nil {
		return nil, err
	}
	if job == nil {
		metrics.reserveEmpty.WithLabelValues(q.name).Inc()
		return nil, nil
	}
	metrics.reserveJobs.WithLabelValues(q.name, path).Inc()
	metrics.jobElapsedMS.WithLabelValues(q.name).Observe(float64(job.ElapsedMS()))
	q.logger.WithFields(logrus.Fields{
		"pool":   q.name,
		"job_id": job.ID(),
		"path":   path,
	}).Debug("Job reserved")
	return job, nil
}

func (q *Queue) reserveInTx(ctx context.Context, s Reserver) (Job, error) {
	job, err := retry(ctx, q, "reserve", func() (Job, error) {
		return s.Reserve(ctx, q.now())
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (q *Queue) reserveBySwap(ctx context.Context, s Swapper) (Job, error) {
	// ids lost once are not tried again within this call, so lease keys
	// without a live record can't keep the scan going forever
	tried := make(map[string]struct{})
	for {
		candidates, err := retry(ctx, q, "scan", func() ([]string, error) {
			return q.waitingCandidates(ctx, reserveBatchSize, tried)
		})
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		for _, id := range candidates {
			tried[id] = struct{}{}
			startedAt := q.now()
			ok, err := retry(ctx, q, "swap", func() (bool, error) {
				return s.CompareAndSwap(ctx, FieldLease, id, NotWorking, EncodeTime(startedAt))
			})
			if err != nil {
				return nil, err
			}
			if !ok {
				// reserved or popped by someone else since the scan
				metrics.reserveLost.WithLabelValues(q.name).Inc()
				continue
			}
			job, err := q.load(ctx, id)
			if !errors.Is(err, ErrNotFound) {
				return job, err
			}
			if err := q.dropOrphan(ctx, id); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (q *Queue) reserveByScan(ctx context.Context) (Job, error) {
	for {
		candidates, err := retry(ctx, q, "scan", func() ([]string, error) {
			return q.waitingCandidates(ctx, 1, nil)
		})
		if err != nil || len(candidates) == 0 {
			return nil, err
		}
		id := candidates[0]
		startedAt := q.now()
		err = retryErr(ctx, q, "write", func() error {
			return q.storage.Write(ctx, FieldLease, id, EncodeTime(startedAt))
		})
		if err != nil {
			return nil, err
		}
		job, err := q.load(ctx, id)
		if !errors.Is(err, ErrNotFound) {
			return job, err
		}
		// popped between the scan and the write, the lease we wrote is all that's left
		if err := q.dropOrphan(ctx, id); err != nil {
			return nil, err
		}
	}
}

// waitingCandidates returns up to limit waiting ids which are not in skip
func (q *Queue) waitingCandidates(ctx context.Context, limit int, skip map[string]struct{}) ([]string, error) {
	ids := make([]string, 0, limit)
	err := q.storage.Scan(ctx, FieldLease, func(id string, value []byte) bool {
		if len(value) != 0 {
			return true
		}
		if _, ok := skip[id]; !ok {
			ids = append(ids, id)
		}
		return len(ids) < limit
	})
	return ids, err
}

// dropOrphan removes the fields left over by a write which raced with a Pop
func (q *Queue) dropOrphan(ctx context.Context, id string) error {
	q.logger.WithFields(logrus.Fields{
		"pool":   q.name,
		"job_id": id,
	}).Warn("Drop the lease of a popped job")
	return retryErr(ctx, q, "delete", func() error {
		return q.storage.DeleteAll(ctx, id)
	})
}

// Pop removes the job, it returns true only if the job existed right before.
// Popping the same id twice is harmless, the second call returns false.
func (q *Queue) Pop(ctx context.Context, id string) (ok bool, err error) {
	ctx, span := startSpan(ctx, q.name, "pop")
	defer func() { endSpan(span, err) }()

	if r, isRemover := q.storage.(Remover); isRemover {
		ok, err = retry(ctx, q, "remove", func() (bool, error) {
			return r.Remove(ctx, id)
		})
	} else {
		ok, err = q.deleteAndCheck(ctx, id)
	}
	if err != nil || !ok {
		return false, err
	}
	metrics.popJobs.WithLabelValues(q.name).Inc()
	if elapsedMS, err := uuid.ElapsedMilliSecondFromJobID(id); err == nil {
		metrics.jobAckMS.WithLabelValues(q.name).Observe(float64(elapsedMS))
	}
	return true, nil
}

// the storage can't tell what DeleteAll removed, so look before and after
func (q *Queue) deleteAndCheck(ctx context.Context, id string) (bool, error) {
	existed, err := retry(ctx, q, "exists", func() (bool, error) {
		return q.exists(ctx, id)
	})
	if err != nil {
		return false, err
	}
	err = retryErr(ctx, q, "delete", func() error {
		return q.storage.DeleteAll(ctx, id)
	})
	if err != nil {
		return false, err
	}
	stillExists, err := retry(ctx, q, "exists", func() (bool, error) {
		return q.exists(ctx, id)
	})
	if err != nil {
		return false, err
	}
	return existed && !stillExists, nil
}

func (q *Queue) exists(ctx context.Context, id string) (bool, error) {
	_, err := q.storage.Read(ctx, FieldPayload, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Release puts a working job back to waiting before its lease expires.
// It returns false if the job is gone or not working.
func (q *Queue) Release(ctx context.Context, id string) (ok bool, err error) {
	ctx, span := startSpan(ctx, q.name, "release")
	defer func() { endSpan(span, err) }()

	lease, err := retry(ctx, q, "read", func() ([]byte, error) {
		return q.storage.Read(ctx, FieldLease, id)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(lease) == 0 {
		return false, nil
	}
	ok, err = q.stopWorking(ctx, id, lease)
	if ok {
		metrics.releaseJobs.WithLabelValues(q.name).Inc()
	}
	return ok, err
}

func (q *Queue) stopWorking(ctx context.Context, id string, lease []byte) (bool, error) {
	if s, ok := q.storage.(Swapper); ok {
		return retry(ctx, q, "swap", func() (bool, error) {
			return s.CompareAndSwap(ctx, FieldLease, id, lease, NotWorking)
		})
	}
	err := retryErr(ctx, q, "write", func() error {
		return q.storage.Write(ctx, FieldLease, id, NotWorking)
	})
	if err != nil {
		return false, err
	}
	live, err := retry(ctx, q, "exists", func() (bool, error) {
		return q.exists(ctx, id)
	})
	if err != nil || live {
		return live, err
	}
	return false, q.dropOrphan(ctx, id)
}

// RequeueExpired moves every job working since timeout or longer back to
// waiting, and returns how many jobs were moved.
func (q *Queue) RequeueExpired(ctx context.Context, timeout time.Duration) (count int, err error) {
	ctx, span := startSpan(ctx, q.name, "requeue_expired")
	defer func() { endSpan(span, err) }()

	type lease struct {
		id    string
		value []byte
	}
	deadline := q.now().Add(-timeout)
	expired, err := retry(ctx, q, "scan", func() ([]lease, error) {
		var leases []lease
		err := q.storage.Scan(ctx, FieldLease, func(id string, value []byte) bool {
			if len(value) == 0 {
				return true
			}
			startedAt, err := DecodeTime(value)
			if err != nil {
				q.logger.WithFields(logrus.Fields{
					"pool":   q.name,
					"job_id": id,
					"err":    err,
				}).Warn("Skip job with malformed lease")
				return true
			}
			if !startedAt.After(deadline) {
				leases = append(leases, lease{id: id, value: value})
			}
			return true
		})
		return leases, err
	})
	if err != nil {
		return 0, err
	}
	for _, l := range expired {
		ok, err := q.stopWorking(ctx, l.id, l.value)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	if count > 0 {
		metrics.requeuedJobs.WithLabelValues(q.name).Add(float64(count))
		q.logger.WithFields(logrus.Fields{
			"pool":    q.name,
			"count":   count,
			"timeout": timeout,
		}).Info("Requeued timed out jobs")
	}
	return count, nil
}

// Count returns the number of live jobs matching the filter. It is never cached.
func (q *Queue) Count(ctx context.Context, filter CountFilter) (int64, error) {
	if c, ok := q.storage.(Counter); ok {
		return retry(ctx, q, "count", func() (int64, error) {
			return c.Count(ctx, filter)
		})
	}
	return retry(ctx, q, "count", func() (int64, error) {
		var n int64
		field := FieldLease
		if filter == CountAll {
			field = FieldPayload
		}
		err := q.storage.Scan(ctx, field, func(_ string, value []byte) bool {
			switch filter {
			case CountWaiting:
				if len(value) == 0 {
					n++
				}
			case CountWorking:
				if len(value) != 0 {
					n++
				}
			default:
				n++
			}
			return true
		})
		return n, err
	})
}

// Peek returns the job without changing it, ErrNotFound if it doesn't exist
func (q *Queue) Peek(ctx context.Context, id string) (Job, error) {
	return q.load(ctx, id)
}

func (q *Queue) load(ctx context.Context, id string) (Job, error) {
	return retry(ctx, q, "load", func() (Job, error) {
		body, err := q.storage.Read(ctx, FieldPayload, id)
		if err != nil {
			return nil, err
		}
		rawCreatedAt, err := q.storage.Read(ctx, FieldCreatedAt, id)
		if err != nil {
			return nil, err
		}
		rawLease, err := q.storage.Read(ctx, FieldLease, id)
		if err != nil {
			return nil, err
		}
		createdAt, err := DecodeTime(rawCreatedAt)
		if err != nil {
			return nil, err
		}
		leaseStartedAt, err := DecodeTime(rawLease)
		if err != nil {
			return nil, err
		}
		return NewLeasedJob(id, body, createdAt, leaseStartedAt), nil
	})
}

func retryErr(ctx context.Context, q *Queue, op string, fn func() error) error {
	_, err := retry(ctx, q, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
