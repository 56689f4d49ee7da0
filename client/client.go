package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

type Job struct {
	ID             string     `json:"job_id"`
	Data           []byte     `json:"data"`
	CreatedAt      time.Time  `json:"created_at"`
	LeaseStartedAt *time.Time `json:"lease_started_at"`
	ElapsedMS      int64      `json:"elapsed_ms"`
}

// Working reports whether the job was leased when it was fetched
func (j *Job) Working() bool {
	return j.LeaseStartedAt != nil
}

type EqClient struct {
	scheme   string
	endpoint string
	Pool     string
	Host     string
	Port     int

	retry   int // retry on network errors and 5xx responses
	backOff int // millisecond
	httpCli *http.Client
}

const maxReadTimeout = 60 // second

func NewEqClient(host string, port int, pool string) *EqClient {
	cli := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        128,
			MaxIdleConnsPerHost: 32,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: time.Minute,
			}).DialContext,
		},
		Timeout: maxReadTimeout * time.Second,
	}
	return NewEqWithClient(cli, host, port, pool)
}

// NewEqWithClient allow using user defined http client to setup the eq client
func NewEqWithClient(cli *http.Client, host string, port int, pool string) *EqClient {
	scheme := "http"
	if u, err := url.Parse(host); err == nil && u.Scheme != "" {
		scheme = u.Scheme
		host = u.Host
	}
	return &EqClient{
		Pool: pool,
		Host: host,
		Port: port,

		scheme:   scheme,
		endpoint: fmt.Sprintf("%s:%d", host, port),
		httpCli:  cli,
	}
}

func (c *EqClient) ConfigRetry(retryCount int, backOffMillisecond int) {
	c.retry = retryCount
	c.backOff = backOffMillisecond
}

// Push a new waiting job to the pool, the job id is returned
func (c *EqClient) Push(data []byte) (jobID string, e error) {
	return c.push(context.Background(), data)
}

func (c *EqClient) PushWithContext(ctx context.Context, data []byte) (jobID string, e error) {
	return c.push(ctx, data)
}

// Reserve leases the oldest waiting job, nil is returned if no job is waiting.
// The job must be popped when it's done, or released to be retried, otherwise
// it goes back to waiting after the lease timeout of the server.
func (c *EqClient) Reserve() (job *Job, e error) {
	return c.reserve(context.Background())
}

func (c *EqClient) ReserveWithContext(ctx context.Context) (job *Job, e error) {
	return c.reserve(ctx)
}

// Peek returns the job without leasing it, nil is returned if not found
func (c *EqClient) Peek(jobID string) (job *Job, e error) {
	return c.peek(context.Background(), jobID)
}

func (c *EqClient) PeekWithContext(ctx context.Context, jobID string) (job *Job, e error) {
	return c.peek(ctx, jobID)
}

// Release puts a working job back to waiting. False is returned if the job
// was gone or not working.
func (c *EqClient) Release(jobID string) (bool, error) {
	return c.release(context.Background(), jobID)
}

func (c *EqClient) ReleaseWithContext(ctx context.Context, jobID string) (bool, error) {
	return c.release(ctx, jobID)
}

// Pop removes the finished job. False is returned if the job was gone.
func (c *EqClient) Pop(jobID string) (bool, error) {
	return c.pop(context.Background(), jobID)
}

func (c *EqClient) PopWithContext(ctx context.Context, jobID string) (bool, error) {
	return c.pop(ctx, jobID)
}

// Size counts the jobs in the given state: all, waiting or working.
// An empty state means all.
func (c *EqClient) Size(state string) (int64, error) {
	return c.size(context.Background(), state)
}

func (c *EqClient) SizeWithContext(ctx context.Context, state string) (int64, error) {
	return c.size(ctx, state)
}
