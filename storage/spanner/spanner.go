// Package spanner keeps jobs in a Cloud Spanner table with the same columns as
// the sqlstore table. Reservation, compare-and-swap and remove run in
// read-write transactions.
package spanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/bitleak/eq/config"
	"github.com/bitleak/eq/engine"
)

const DefaultTable = "eq_jobs"

var columns = map[engine.Field]string{
	engine.FieldPayload:   "payload",
	engine.FieldCreatedAt: "created_at",
	engine.FieldLease:     "started_working_at",
}

type Storage struct {
	cli    *spanner.Client
	table  string
	logger *logrus.Logger
}

func New(ctx context.Context, cfg *config.StorageConf, logger *logrus.Logger) (*Storage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if err := ensureTable(ctx, cfg, table); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	cli, err := createClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Storage{cli: cli, table: table, logger: logger}, nil
}

func (s *Storage) Name() string {
	return "spanner"
}

func (s *Storage) Insert(ctx context.Context, job engine.Job) error {
	leaseStartedAt, _ := job.LeaseStartedAt()
	_, err := s.cli.Apply(ctx, []*spanner.Mutation{
		spanner.Insert(s.table,
			[]string{"id", "created_at", "started_working_at", "payload"},
			[]interface{}{job.ID(), job.CreatedAt().UnixNano(), nullTime(leaseStartedAt), job.Body()},
		),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return engine.ErrExists
	}
	return err
}

// Write updates one column of an existing row, writing a missing job is a no-op
func (s *Storage) Write(ctx context.Context, field engine.Field, id string, value []byte) error {
	column, arg, err := columnArg(field, value)
	if err != nil {
		return err
	}
	_, err = s.cli.Apply(ctx, []*spanner.Mutation{
		spanner.Update(s.table, []string{"id", column}, []interface{}{id, arg}),
	})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil
	}
	return err
}

func (s *Storage) Read(ctx context.Context, field engine.Field, id string) ([]byte, error) {
	column, ok := columns[field]
	if !ok {
		return nil, engine.ErrUnsupportedField
	}
	row, err := s.cli.Single().ReadRow(ctx, s.table, spanner.Key{id}, []string{column})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeColumn(field, row, 0)
}

func (s *Storage) DeleteAll(ctx context.Context, id string) error {
	_, err := s.cli.Apply(ctx, []*spanner.Mutation{spanner.Delete(s.table, spanner.Key{id})})
	return err
}

// Scan reads the table in primary key order
func (s *Storage) Scan(ctx context.Context, field engine.Field, fn func(id string, value []byte) bool) error {
	column, ok := columns[field]
	if !ok {
		return engine.ErrUnsupportedField
	}
	iter := s.cli.Single().Read(ctx, s.table, spanner.AllKeys(), []string{"id", column})
	defer iter.Stop()
	for {
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		var id string
		if err := row.Column(0, &id); err != nil {
			return err
		}
		value, err := decodeColumn(field, row, 1)
		if err != nil {
			return err
		}
		if !fn(id, value) {
			return nil
		}
	}
}

func (s *Storage) Reserve(ctx context.Context, startedAt time.Time) (engine.Job, error) {
	var job engine.Job
	_, err := s.cli.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		job = nil
		iter := txn.Query(ctx, spanner.Statement{
			SQL: fmt.Sprintf("SELECT id, created_at, payload FROM %s "+
				"WHERE started_working_at IS NULL ORDER BY id LIMIT 1", s.table),
		})
		defer iter.Stop()
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		var (
			id        string
			createdAt int64
			payload   []byte
		)
		if err := row.Columns(&id, &createdAt, &payload); err != nil {
			return err
		}
		err = txn.BufferWrite([]*spanner.Mutation{
			spanner.Update(s.table, []string{"id", "started_working_at"}, []interface{}{id, startedAt.UnixNano()}),
		})
		if err != nil {
			return err
		}
		job = engine.NewLeasedJob(id, payload, time.Unix(0, createdAt), startedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, engine.ErrNotFound
	}
	return job, nil
}

// CompareAndSwap supports the lease column only
func (s *Storage) CompareAndSwap(ctx context.Context, field engine.Field, id string, oldValue, newValue []byte) (bool, error) {
	if field != engine.FieldLease {
		return false, engine.ErrUnsupportedField
	}
	column, newArg, err := columnArg(field, newValue)
	if err != nil {
		return false, err
	}
	swapped := false
	_, err = s.cli.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		swapped = false
		row, err := txn.ReadRow(ctx, s.table, spanner.Key{id}, []string{column})
		if spanner.ErrCode(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := decodeColumn(field, row, 0)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, oldValue) {
			return nil
		}
		swapped = true
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update(s.table, []string{"id", column}, []interface{}{id, newArg}),
		})
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Storage) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	_, err := s.cli.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		removed = false
		_, err := txn.ReadRow(ctx, s.table, spanner.Key{id}, []string{"id"})
		if spanner.ErrCode(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return txn.BufferWrite([]*spanner.Mutation{spanner.Delete(s.table, spanner.Key{id})})
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *Storage) Count(ctx context.Context, filter engine.CountFilter) (int64, error) {
	sql := "SELECT COUNT(*) FROM " + s.table
	switch filter {
	case engine.CountWaiting:
		sql += " WHERE started_working_at IS NULL"
	case engine.CountWorking:
		sql += " WHERE started_working_at IS NOT NULL"
	}
	iter := s.cli.Single().Query(ctx, spanner.Statement{SQL: sql})
	defer iter.Stop()
	row, err := iter.Next()
	if err != nil {
		return 0, err
	}
	var n int64
	err = row.Column(0, &n)
	return n, err
}

// Truncate deletes every job, it's meant for tests
func (s *Storage) Truncate(ctx context.Context) error {
	_, err := s.cli.Apply(ctx, []*spanner.Mutation{spanner.Delete(s.table, spanner.AllKeys())})
	return err
}

func (s *Storage) Close() error {
	s.cli.Close()
	return nil
}

func nullTime(t time.Time) spanner.NullInt64 {
	if t.IsZero() {
		return spanner.NullInt64{}
	}
	return spanner.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func columnArg(field engine.Field, value []byte) (string, interface{}, error) {
	column, ok := columns[field]
	if !ok {
		return "", nil, engine.ErrUnsupportedField
	}
	if field == engine.FieldPayload {
		return column, value, nil
	}
	t, err := engine.DecodeTime(value)
	if err != nil {
		return "", nil, err
	}
	return column, nullTime(t), nil
}

func decodeColumn(field engine.Field, row *spanner.Row, i int) ([]byte, error) {
	if field == engine.FieldPayload {
		var payload []byte
		err := row.Column(i, &payload)
		return payload, err
	}
	var ns spanner.NullInt64
	if err := row.Column(i, &ns); err != nil {
		return nil, err
	}
	if !ns.Valid {
		return engine.NotWorking, nil
	}
	return engine.EncodeTime(time.Unix(0, ns.Int64)), nil
}
