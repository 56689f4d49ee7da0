// Package pebble stores jobs in an ordered key-value store, one key per field.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/engine"
)

// Storage is an engine.Storage and engine.Swapper on pebble.
//
// Pebble has no transactions, mutations are serialized by one mutex so that
// Insert, CompareAndSwap and Remove can check and set in one step. Pebble
// locks its directory, so only one process may open it.
type Storage struct {
	db     *pebble.DB
	mu     sync.Mutex
	logger *logrus.Logger
}

func New(path string, logger *logrus.Logger) (*Storage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := pebble.Open(path, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Storage{db: db, logger: logger}, nil
}

func (s *Storage) Name() string {
	return "pebble"
}

func (s *Storage) Insert(ctx context.Context, job engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.exists(job.ID())
	if err != nil {
		return err
	}
	if exists {
		return engine.ErrExists
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for field, value := range engine.JobValues(job) {
		if err := batch.Set(key(field, job.ID()), value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *Storage) Write(ctx context.Context, field engine.Field, id string, value []byte) error {
	if !engine.IsValidField(field) {
		return engine.ErrUnsupportedField
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set(key(field, id), value, pebble.Sync)
}

func (s *Storage) Read(ctx context.Context, field engine.Field, id string) ([]byte, error) {
	if !engine.IsValidField(field) {
		return nil, engine.ErrUnsupportedField
	}
	return s.get(key(field, id))
}

func (s *Storage) get(k []byte) ([]byte, error) {
	value, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, value...), nil
}

func (s *Storage) exists(id string) (bool, error) {
	_, err := s.get(key(engine.FieldPayload, id))
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Storage) DeleteAll(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteAll(id)
}

func (s *Storage) deleteAll(id string) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, field := range engine.Fields {
		if err := batch.Delete(key(field, id), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *Storage) Scan(ctx context.Context, field engine.Field, fn func(id string, value []byte) bool) error {
	if !engine.IsValidField(field) {
		return engine.ErrUnsupportedField
	}
	prefix := []byte(engine.FieldPrefix(field))
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := string(it.Key()[len(prefix):])
		if !fn(id, append([]byte{}, it.Value()...)) {
			break
		}
	}
	return it.Error()
}

func (s *Storage) CompareAndSwap(ctx context.Context, field engine.Field, id string, oldValue, newValue []byte) (bool, error) {
	if !engine.IsValidField(field) {
		return false, engine.ErrUnsupportedField
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.exists(id)
	if err != nil || !exists {
		return false, err
	}
	current, err := s.get(key(field, id))
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(current, oldValue) {
		return false, nil
	}
	return true, s.db.Set(key(field, id), newValue, pebble.Sync)
}

func (s *Storage) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.exists(id)
	if err != nil || !exists {
		return false, err
	}
	return true, s.deleteAll(id)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func key(field engine.Field, id string) []byte {
	return []byte(engine.FieldKey(field, id))
}

// upperBound returns the smallest key greater than every key with the prefix
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
