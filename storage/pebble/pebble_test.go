package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/storage/storagetest"
)

func newTestStorage(t *testing.T) engine.Storage {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, newTestStorage)
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("payload;"), upperBound([]byte("payload:")))
	assert.Equal(t, []byte{0x01}, upperBound([]byte{0x00, 0xff}))
	assert.Nil(t, upperBound([]byte{0xff, 0xff}))
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)
	q, _ := storagetest.NewQueue(s)
	id, err := q.Push(t.Context(), []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(dir, nil)
	require.NoError(t, err)
	defer s.Close()
	q, _ = storagetest.NewQueue(s)
	job, err := q.Peek(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), job.Body())
}
