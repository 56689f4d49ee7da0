// Package badger stores jobs in badger, one key per field. Every mutation runs
// in an optimistic transaction.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/engine"
)

type Storage struct {
	db     *badger.DB
	logger *logrus.Logger
}

// New opens badger at path, an empty path keeps everything in memory
func New(path string, logger *logrus.Logger) (*Storage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts := badger.DefaultOptions(path).WithLogger(&badgerLogger{logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Storage{db: db, logger: logger}, nil
}

func (s *Storage) Name() string {
	return "badger"
}

func (s *Storage) Insert(ctx context.Context, job engine.Job) error {
	return s.db.Update(func(txn *badger.Txn) error {
		exists, err := exists(txn, job.ID())
		if err != nil {
			return err
		}
		if exists {
			return engine.ErrExists
		}
		for field, value := range engine.JobValues(job) {
			if err := txn.Set(key(field, job.ID()), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) Write(ctx context.Context, field engine.Field, id string, value []byte) error {
	if !engine.IsValidField(field) {
		return engine.ErrUnsupportedField
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(field, id), value)
	})
}

func (s *Storage) Read(ctx context.Context, field engine.Field, id string) (value []byte, err error) {
	if !engine.IsValidField(field) {
		return nil, engine.ErrUnsupportedField
	}
	err = s.db.View(func(txn *badger.Txn) error {
		value, err = get(txn, key(field, id))
		return err
	})
	return value, err
}

func (s *Storage) DeleteAll(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return deleteAll(txn, id)
	})
}

func (s *Storage) Scan(ctx context.Context, field engine.Field, fn func(id string, value []byte) bool) error {
	if !engine.IsValidField(field) {
		return engine.ErrUnsupportedField
	}
	prefix := []byte(engine.FieldPrefix(field))
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.Key()[len(prefix):]), value) {
				return nil
			}
		}
		return nil
	})
}

// CompareAndSwap reports a lost swap when another transaction changed the job
// between our read and commit
func (s *Storage) CompareAndSwap(ctx context.Context, field engine.Field, id string, oldValue, newValue []byte) (bool, error) {
	if !engine.IsValidField(field) {
		return false, engine.ErrUnsupportedField
	}
	swapped := false
	err := s.db.Update(func(txn *badger.Txn) error {
		exists, err := exists(txn, id)
		if err != nil || !exists {
			return err
		}
		current, err := get(txn, key(field, id))
		if errors.Is(err, engine.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, oldValue) {
			return nil
		}
		swapped = true
		return txn.Set(key(field, id), newValue)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Storage) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		exists, err := exists(txn, id)
		if err != nil || !exists {
			return err
		}
		removed = true
		return deleteAll(txn, id)
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func key(field engine.Field, id string) []byte {
	return []byte(engine.FieldKey(field, id))
}

func get(txn *badger.Txn, k []byte) ([]byte, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func exists(txn *badger.Txn, id string) (bool, error) {
	_, err := txn.Get(key(engine.FieldPayload, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func deleteAll(txn *badger.Txn, id string) error {
	for _, field := range engine.Fields {
		if err := txn.Delete(key(field, id)); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger sends badger's own logs to logrus, info is demoted to debug
type badgerLogger struct {
	*logrus.Logger
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.Logger.WithField("storage", "badger").Debugf(format, args...)
}
