package engine_test

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitleak/eq/engine"
)

var errFlaky = errors.New("connection reset by peer")

// memStorage keeps fields in a map the way key-value storages lay them out.
// It has no optional capabilities, the wrappers below add them.
type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte

	// failures makes the next N calls fail with errFlaky
	failures int
	calls    int
	inserts  int
	// insertExists makes the next N inserts fail with ErrExists
	insertExists int
	// commitThenFail makes the next N inserts store the job and still fail
	commitThenFail int
	// popOnWrite makes the next N writes run right after a concurrent pop of the same id
	popOnWrite int
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string][]byte)}
}

func (s *memStorage) Name() string {
	return "memory"
}

func (s *memStorage) fail() error {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errFlaky
	}
	return nil
}

func (s *memStorage) Insert(ctx context.Context, job engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.inserts++
	if s.insertExists > 0 {
		s.insertExists--
		return engine.ErrExists
	}
	if _, ok := s.data[engine.FieldKey(engine.FieldPayload, job.ID())]; ok {
		return engine.ErrExists
	}
	for field, value := range engine.JobValues(job) {
		s.data[engine.FieldKey(field, job.ID())] = value
	}
	if s.commitThenFail > 0 {
		s.commitThenFail--
		return errFlaky
	}
	return nil
}

func (s *memStorage) Write(ctx context.Context, field engine.Field, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if s.popOnWrite > 0 {
		s.popOnWrite--
		for _, f := range engine.Fields {
			delete(s.data, engine.FieldKey(f, id))
		}
	}
	s.data[engine.FieldKey(field, id)] = value
	return nil
}

func (s *memStorage) Read(ctx context.Context, field engine.Field, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	value, ok := s.data[engine.FieldKey(field, id)]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return value, nil
}

func (s *memStorage) DeleteAll(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	for _, field := range engine.Fields {
		delete(s.data, engine.FieldKey(field, id))
	}
	return nil
}

func (s *memStorage) Scan(ctx context.Context, field engine.Field, fn func(id string, value []byte) bool) error {
	s.mu.Lock()
	if err := s.fail(); err != nil {
		s.mu.Unlock()
		return err
	}
	prefix := engine.FieldPrefix(field)
	type entry struct {
		id    string
		value []byte
	}
	var entries []entry
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, entry{id: k[len(prefix):], value: v})
		}
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	for _, e := range entries {
		if !fn(e.id, e.value) {
			return nil
		}
	}
	return nil
}

func (s *memStorage) Close() error {
	return nil
}

func (s *memStorage) setFailures(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *memStorage) keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *memStorage) stats() (calls, inserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.inserts
}

// casStorage adds compare-and-swap
type casStorage struct {
	*memStorage
}

func (s casStorage) CompareAndSwap(ctx context.Context, field engine.Field, id string, oldValue, newValue []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	if _, ok := s.data[engine.FieldKey(engine.FieldPayload, id)]; !ok {
		return false, nil
	}
	current, ok := s.data[engine.FieldKey(field, id)]
	if !ok || !bytes.Equal(current, oldValue) {
		return false, nil
	}
	s.data[engine.FieldKey(field, id)] = newValue
	return true, nil
}

// txnStorage adds every optional capability
type txnStorage struct {
	casStorage
}

func (s txnStorage) Reserve(ctx context.Context, startedAt time.Time) (engine.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	prefix := engine.FieldPrefix(engine.FieldLease)
	var ids []string
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) && len(v) == 0 {
			ids = append(ids, k[len(prefix):])
		}
	}
	if len(ids) == 0 {
		return nil, engine.ErrNotFound
	}
	sort.Strings(ids)
	id := ids[0]
	s.data[engine.FieldKey(engine.FieldLease, id)] = engine.EncodeTime(startedAt)
	createdAt, _ := engine.DecodeTime(s.data[engine.FieldKey(engine.FieldCreatedAt, id)])
	return engine.NewLeasedJob(id, s.data[engine.FieldKey(engine.FieldPayload, id)], createdAt, startedAt), nil
}

func (s txnStorage) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	_, ok := s.data[engine.FieldKey(engine.FieldPayload, id)]
	for _, field := range engine.Fields {
		delete(s.data, engine.FieldKey(field, id))
	}
	return ok, nil
}

func (s txnStorage) Count(ctx context.Context, filter engine.CountFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	var n int64
	prefix := engine.FieldPrefix(engine.FieldLease)
	for k, v := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		switch {
		case filter == engine.CountAll,
			filter == engine.CountWaiting && len(v) == 0,
			filter == engine.CountWorking && len(v) != 0:
			n++
		}
	}
	return n, nil
}
