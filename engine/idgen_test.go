package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitleak/eq/uuid"
)

// occupiedStorage says the first `occupied` ids it's asked about are live
type occupiedStorage struct {
	Storage
	occupied int
	reads    int
}

func (s *occupiedStorage) Read(ctx context.Context, field Field, id string) ([]byte, error) {
	s.reads++
	if s.reads <= s.occupied {
		return []byte("someone else's job"), nil
	}
	return nil, ErrNotFound
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestIDGenerator_Generate(t *testing.T) {
	s := &occupiedStorage{occupied: 2}
	g := NewIDGenerator("test", s, time.Millisecond, 0, quietLogger())
	id, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.True(t, uuid.ValidJobID(id))
	assert.Equal(t, 3, s.reads)
}

func TestIDGenerator_MaxCollisions(t *testing.T) {
	s := &occupiedStorage{occupied: 10}
	g := NewIDGenerator("test", s, time.Millisecond, 3, quietLogger())
	_, err := g.Generate(context.Background())
	assert.ErrorIs(t, err, ErrIDExhausted)
	assert.Equal(t, 3, s.reads)
}

func TestIDGenerator_Cancel(t *testing.T) {
	s := &occupiedStorage{occupied: 1 << 30}
	g := NewIDGenerator("test", s, 10*time.Millisecond, 0, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIDGenerator_UsesClock(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewIDGenerator("test", &occupiedStorage{}, 0, 0, nil)
	g.now = func() time.Time { return now }
	id, err := g.Generate(context.Background())
	require.NoError(t, err)
	idTime, err := uuid.JobIDTime(id)
	require.NoError(t, err)
	assert.True(t, idTime.Equal(now))
}
