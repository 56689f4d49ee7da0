package engine

import (
	"encoding/json"
	"time"
)

// Job is one record of the queue. A job without a lease start time is waiting,
// otherwise it is being worked on since LeaseStartedAt.
type Job interface {
	ID() string
	Body() []byte
	CreatedAt() time.Time
	LeaseStartedAt() (time.Time, bool)
	Working() bool
	ElapsedMS() int64

	MarshalText() (text []byte, err error)
}

type jobImpl struct {
	id             string
	body           []byte
	createdAt      time.Time
	leaseStartedAt time.Time
}

// NewJob creates a waiting job
func NewJob(id string, body []byte, createdAt time.Time) Job {
	return &jobImpl{
		id:        id,
		body:      body,
		createdAt: createdAt,
	}
}

// NewLeasedJob creates a job which was reserved at leaseStartedAt, a zero
// leaseStartedAt makes it a waiting job.
func NewLeasedJob(id string, body []byte, createdAt, leaseStartedAt time.Time) Job {
	return &jobImpl{
		id:             id,
		body:           body,
		createdAt:      createdAt,
		leaseStartedAt: leaseStartedAt,
	}
}

func (j *jobImpl) ID() string {
	return j.id
}

func (j *jobImpl) Body() []byte {
	return j.body
}

func (j *jobImpl) CreatedAt() time.Time {
	return j.createdAt
}

func (j *jobImpl) LeaseStartedAt() (time.Time, bool) {
	return j.leaseStartedAt, !j.leaseStartedAt.IsZero()
}

func (j *jobImpl) Working() bool {
	return !j.leaseStartedAt.IsZero()
}

func (j *jobImpl) ElapsedMS() int64 {
	if j.createdAt.IsZero() {
		return 0
	}
	return time.Since(j.createdAt).Milliseconds()
}

func (j *jobImpl) MarshalText() (text []byte, err error) {
	var job struct {
		ID             string     `json:"job_id"`
		Data           []byte     `json:"data"`
		CreatedAt      time.Time  `json:"created_at"`
		LeaseStartedAt *time.Time `json:"lease_started_at,omitempty"`
		ElapsedMS      int64      `json:"elapsed_ms"`
	}
	job.ID = j.id
	job.Data = j.body
	job.CreatedAt = j.createdAt
	if !j.leaseStartedAt.IsZero() {
		t := j.leaseStartedAt
		job.LeaseStartedAt = &t
	}
	job.ElapsedMS = j.ElapsedMS()
	return json.Marshal(job)
}
