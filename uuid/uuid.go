package uuid

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

const (
	jobIDRandomDigits = 4
	jobIDRandomRange  = 10000
	// 13 digits of milliseconds last until the year 2286
	jobIDTimeDigits = 13
)

// Use pool to avoid concurrent access for rand.Source
var entropyPool = sync.Pool{
	New: func() interface{} {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	},
}

// Generate Unique ID
// Currently using ULID, this maybe conflict with other process with very low possibility
func GenUniqueID() string {
	entropy := entropyPool.Get().(*rand.Rand)
	defer entropyPool.Put(entropy)
	id := ulid.MustNew(ulid.Now(), entropy)
	return id.String()
}

// GenJobID returns a job id candidate: the milliseconds since epoch followed by
// four random digits. Ids of the same width sort by creation time.
//
// +-------------------------------+-----------+
// |  unix milliseconds (13 digit) |  4 digit  |
// +-------------------------------+-----------+
//
// The candidate is NOT guaranteed to be free, callers check it against the store.
func GenJobID(now time.Time) string {
	entropy := entropyPool.Get().(*rand.Rand)
	n := entropy.Intn(jobIDRandomRange)
	entropyPool.Put(entropy)
	return fmt.Sprintf("%d%04d", now.UnixNano()/int64(time.Millisecond), n)
}

// JobIDTime extracts the creation time (in millisecond precision) from the job id
func JobIDTime(id string) (time.Time, error) {
	if len(id) <= jobIDRandomDigits {
		return time.Time{}, errors.New("job id too short")
	}
	ms, err := strconv.ParseInt(id[:len(id)-jobIDRandomDigits], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid job id: %w", err)
	}
	return time.Unix(0, ms*int64(time.Millisecond)), nil
}

// ValidJobID reports whether the id has the GenJobID shape
func ValidJobID(id string) bool {
	if len(id) != jobIDTimeDigits+jobIDRandomDigits {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func ElapsedMilliSecondFromJobID(id string) (int64, error) {
	t, err := JobIDTime(id)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(t)
	if elapsed < 0 {
		return 0, errors.New("id has a future timestamp")
	}
	return elapsed.Milliseconds(), nil
}
