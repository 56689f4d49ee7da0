package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Field is one of the columns a job is persisted with.
type Field string

const (
	FieldPayload   Field = "payload"
	FieldCreatedAt Field = "created_at"
	FieldLease     Field = "started_working_at"
)

// Fields lists every field of a job, in the order they are written.
var Fields = []Field{FieldPayload, FieldCreatedAt, FieldLease}

// NotWorking is the lease value of a waiting job.
var NotWorking = []byte{}

// Storage is the persistence substrate of a queue. Every call is atomic on its own,
// the queue holds no state besides what the storage keeps.
type Storage interface {
	Name() string
	// Insert writes every field of a new job in one step, ErrExists is returned
	// when a job with the same id is live.
	Insert(ctx context.Context, job Job) error
	Write(ctx context.Context, field Field, id string, value []byte) error
	// Read returns ErrNotFound when the field is absent.
	Read(ctx context.Context, field Field, id string) ([]byte, error)
	// DeleteAll removes all fields of the job, all-or-nothing.
	DeleteAll(ctx context.Context, id string) error
	// Scan calls fn for each stored value of the field until fn returns false.
	// fn must not call back into the storage.
	Scan(ctx context.Context, field Field, fn func(id string, value []byte) bool) error
	Close() error
}

// Reserver is implemented by transactional storages: the oldest waiting job is
// selected and marked as working inside one transaction. ErrNotFound is returned
// when no job is waiting.
type Reserver interface {
	Reserve(ctx context.Context, startedAt time.Time) (Job, error)
}

// Swapper sets the field to newValue only if the job is live and the field holds oldValue.
type Swapper interface {
	CompareAndSwap(ctx context.Context, field Field, id string, oldValue, newValue []byte) (bool, error)
}

// Remover deletes all fields of the job and reports whether the job existed.
type Remover interface {
	Remove(ctx context.Context, id string) (bool, error)
}

// Counter counts live jobs on the storage side.
type Counter interface {
	Count(ctx context.Context, filter CountFilter) (int64, error)
}

type CountFilter int

const (
	CountAll CountFilter = iota
	CountWaiting
	CountWorking
)

func (f CountFilter) String() string {
	switch f {
	case CountWaiting:
		return "waiting"
	case CountWorking:
		return "working"
	default:
		return "all"
	}
}

// ParseCountFilter maps "", "all", "waiting" and "working" to a filter.
func ParseCountFilter(s string) (CountFilter, error) {
	switch s {
	case "", "all":
		return CountAll, nil
	case "waiting":
		return CountWaiting, nil
	case "working":
		return CountWorking, nil
	default:
		return CountAll, fmt.Errorf("invalid count filter: %s", s)
	}
}

// EncodeTime serializes a timestamp as decimal unix nanoseconds.
func EncodeTime(t time.Time) []byte {
	return strconv.AppendInt(nil, t.UnixNano(), 10)
}

// DecodeTime is the reverse of EncodeTime, an empty value decodes to the zero time.
func DecodeTime(b []byte) (time.Time, error) {
	if len(b) == 0 {
		return time.Time{}, nil
	}
	ns, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode time: %w", err)
	}
	return time.Unix(0, ns), nil
}

// EncodeLease is EncodeTime for the lease field, the zero time means not working.
func EncodeLease(t time.Time) []byte {
	if t.IsZero() {
		return NotWorking
	}
	return EncodeTime(t)
}

// JobValues returns the encoded value of every field of the job.
func JobValues(job Job) map[Field][]byte {
	leaseStartedAt, _ := job.LeaseStartedAt()
	return map[Field][]byte{
		FieldPayload:   job.Body(),
		FieldCreatedAt: EncodeTime(job.CreatedAt()),
		FieldLease:     EncodeLease(leaseStartedAt),
	}
}

// FieldKey is the key of one field of a job in key-value storages: `<field>:<id>`
func FieldKey(field Field, id string) string {
	return string(field) + ":" + id
}

// FieldPrefix is the common key prefix of every value of the field
func FieldPrefix(field Field) string {
	return string(field) + ":"
}

// IsValidField reports whether the field is one of Fields
func IsValidField(field Field) bool {
	switch field {
	case FieldPayload, FieldCreatedAt, FieldLease:
		return true
	default:
		return false
	}
}
