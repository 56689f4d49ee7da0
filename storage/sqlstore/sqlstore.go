// Package sqlstore keeps jobs in one relational table, a row per job:
//
//	id | created_at | started_working_at | payload
//
// Timestamps are unix nanoseconds, a NULL started_working_at means waiting.
// The sqlite dialect goes through modernc.org/sqlite, postgres through lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/bitleak/eq/engine"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	DefaultTable = "jobs"
)

var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var columns = map[engine.Field]string{
	engine.FieldPayload:   "payload",
	engine.FieldCreatedAt: "created_at",
	engine.FieldLease:     "started_working_at",
}

// Storage implements every optional capability of engine.Storage: reservation
// in a transaction, compare-and-swap of the lease, remove and count.
type Storage struct {
	db      *sql.DB
	dialect string
	table   string
	logger  *logrus.Logger
}

// Open connects to the database and creates the table if it doesn't exist.
// For sqlite dsn is the database file path.
func Open(dialect, dsn, table string, logger *logrus.Logger) (*Storage, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// sqlite allows one writer, a single connection keeps transactions from
			// failing with SQLITE_BUSY
			db.SetMaxOpenConns(1)
		}
	case DialectPostgres:
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("invalid sql dialect: %s", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s, err := NewWithDB(db, dialect, table, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an opened database and creates the table if it doesn't exist
func NewWithDB(db *sql.DB, dialect, table string, logger *logrus.Logger) (*Storage, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNameRegex.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("invalid sql dialect: %s", dialect)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Storage{db: db, dialect: dialect, table: table, logger: logger}
	if err := s.createTable(context.Background()); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *Storage) createTable(ctx context.Context) error {
	idType, payloadType := "TEXT", "BLOB"
	if s.dialect == DialectPostgres {
		idType, payloadType = "VARCHAR(32)", "BYTEA"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id %s PRIMARY KEY,
	created_at BIGINT NOT NULL,
	started_working_at BIGINT NULL,
	payload %s NULL
)`, s.table, idType, payloadType),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_started_working_at ON %s (started_working_at)", s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind turns ? placeholders into $1, $2... for postgres
func (s *Storage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

// query fills in the table name and rebinds the placeholders
func (s *Storage) query(q string) string {
	return s.rebind(strings.ReplaceAll(q, "{table}", s.table))
}

func (s *Storage) Name() string {
	return s.dialect
}

func (s *Storage) Insert(ctx context.Context, job engine.Job) error {
	leaseStartedAt, _ := job.LeaseStartedAt()
	res, err := s.db.ExecContext(ctx,
		s.query("INSERT INTO {table} (id, created_at, started_working_at, payload) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING"),
		job.ID(), job.CreatedAt().UnixNano(), nullTime(leaseStartedAt), job.Body(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrExists
	}
	return nil
}

// Write updates one column of an existing row, writing a missing job is a no-op
func (s *Storage) Write(ctx context.Context, field engine.Field, id string, value []byte) error {
	column, arg, err := columnArg(field, value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.query("UPDATE {table} SET " + column + " = ? WHERE id = ?"), arg, id)
	return err
}

func (s *Storage) Read(ctx context.Context, field engine.Field, id string) ([]byte, error) {
	column, ok := columns[field]
	if !ok {
		return nil, engine.ErrUnsupportedField
	}
	row := s.db.QueryRowContext(ctx, s.query("SELECT " + column + " FROM {table} WHERE id = ?"), id)
	value, err := scanValue(field, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	return value, err
}

func (s *Storage) DeleteAll(ctx context.Context, id string) error {
	_, err := s.Remove(ctx, id)
	return err
}

func (s *Storage) Remove(ctx context.Context, id string) (bool, error) {
	return s.affected(ctx, "DELETE FROM {table} WHERE id = ?", id)
}

// Scan walks the rows in ascending id order
func (s *Storage) Scan(ctx context.Context, field engine.Field, fn func(id string, value []byte) bool) error {
	column, ok := columns[field]
	if !ok {
		return engine.ErrUnsupportedField
	}
	rows, err := s.db.QueryContext(ctx, s.query("SELECT id, " + column + " FROM {table} ORDER BY id"))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		value, err := scanValue(field, func(dest ...interface{}) error {
			return rows.Scan(append([]interface{}{&id}, dest...)...)
		})
		if err != nil {
			return err
		}
		if !fn(id, value) {
			return nil
		}
	}
	return rows.Err()
}

// Reserve marks the waiting job with the smallest id as working inside one
// transaction. Postgres skips rows locked by concurrent reservations.
func (s *Storage) Reserve(ctx context.Context, startedAt time.Time) (engine.Job, error) {
	selectQuery := "SELECT id, created_at, payload FROM {table} WHERE started_working_at IS NULL ORDER BY id LIMIT 1"
	if s.dialect == DialectPostgres {
		selectQuery += " FOR UPDATE SKIP LOCKED"
	}
	for {
		job, err := s.reserveOnce(ctx, s.query(selectQuery), startedAt)
		if err != nil || job != nil {
			return job, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// reserveOnce returns a nil job without error when the selected row was taken
// before our update
func (s *Storage) reserveOnce(ctx context.Context, selectQuery string, startedAt time.Time) (job engine.Job, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil || job == nil {
			tx.Rollback()
		}
	}()

	var (
		id        string
		createdAt int64
		payload   []byte
	)
	err = tx.QueryRowContext(ctx, selectQuery).Scan(&id, &createdAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		s.query("UPDATE {table} SET started_working_at = ? WHERE id = ? AND started_working_at IS NULL"),
		startedAt.UnixNano(), id,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return engine.NewLeasedJob(id, payload, time.Unix(0, createdAt), startedAt), nil
}

// CompareAndSwap supports the lease column only
func (s *Storage) CompareAndSwap(ctx context.Context, field engine.Field, id string, oldValue, newValue []byte) (bool, error) {
	if field != engine.FieldLease {
		return false, engine.ErrUnsupportedField
	}
	_, newArg, err := columnArg(field, newValue)
	if err != nil {
		return false, err
	}
	if len(oldValue) == 0 {
		return s.affected(ctx,
			"UPDATE {table} SET started_working_at = ? WHERE id = ? AND started_working_at IS NULL",
			newArg, id)
	}
	_, oldArg, err := columnArg(field, oldValue)
	if err != nil {
		return false, err
	}
	return s.affected(ctx,
		"UPDATE {table} SET started_working_at = ? WHERE id = ? AND started_working_at = ?",
		newArg, id, oldArg)
}

func (s *Storage) affected(ctx context.Context, q string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.query(q), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Storage) Count(ctx context.Context, filter engine.CountFilter) (int64, error) {
	q := "SELECT COUNT(*) FROM {table}"
	switch filter {
	case engine.CountWaiting:
		q += " WHERE started_working_at IS NULL"
	case engine.CountWorking:
		q += " WHERE started_working_at IS NOT NULL"
	}
	var n int64
	err := s.db.QueryRowContext(ctx, s.query(q)).Scan(&n)
	return n, err
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// columnArg maps an encoded field value to the column and its sql argument
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

// scanValue reads one column and encodes it the way key-value storages keep it
func scanValue(field engine.Field, scan func(dest ...interface{}) error) ([]byte, error) {
	if field == engine.FieldPayload {
		var payload []byte
		if err := scan(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
	var ns sql.NullInt64
	if err := scan(&ns); err != nil {
		return nil, err
	}
	if !ns.Valid {
		return engine.NotWorking, nil
	}
	return engine.EncodeTime(time.Unix(0, ns.Int64)), nil
}
