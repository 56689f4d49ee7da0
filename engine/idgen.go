package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/uuid"
)

// IDGenerator hands out job ids which are not live in the storage.
//
// It is best-effort: two generators in different processes may pick the same
// candidate within the same millisecond. Queue.Push closes that window by
// inserting with ErrExists detection and generating again.
type IDGenerator struct {
	name          string
	storage       Storage
	delay         time.Duration
	maxCollisions int
	now           func() time.Time
	logger        *logrus.Logger
}

func NewIDGenerator(name string, storage Storage, delay time.Duration, maxCollisions int, logger *logrus.Logger) *IDGenerator {
	if delay <= 0 {
		delay = DefaultCollisionDelay
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IDGenerator{
		name:          name,
		storage:       storage,
		delay:         delay,
		maxCollisions: maxCollisions,
		now:           time.Now,
		logger:        logger,
	}
}

// Generate tries as hard as it can to find a free id. Storage errors are returned
// as they are, ctx cancellation and the collision bound stop the loop.
func (g *IDGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 1; ; attempt++ {
		id := uuid.GenJobID(g.now())
		_, err := g.storage.Read(ctx, FieldPayload, id)
		if errors.Is(err, ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
		g.collided(id, attempt)
		if g.maxCollisions > 0 && attempt >= g.maxCollisions {
			return "", ErrIDExhausted
		}
		if err := sleepContext(ctx, g.delay); err != nil {
			return "", err
		}
	}
}

func (g *IDGenerator) collided(id string, attempt int) {
	metrics.idCollisions.WithLabelValues(g.name).Inc()
	g.logger.WithFields(logrus.Fields{
		"pool":    g.name,
		"job_id":  id,
		"attempt": attempt,
	}).Warn("Job id is not free")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
