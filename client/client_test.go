package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestEqClient_Push(t *testing.T) {
	cli := NewEqClient(Host, Port, "")
	jobID, err := cli.Push([]byte("hello"))
	require.NoError(t, err)
	assert.Len(t, jobID, 17)

	job, err := cli.Peek(jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "hello", string(job.Data))
	assert.False(t, job.Working())
}

func TestEqClient_ReserveReleasePop(t *testing.T) {
	cli := NewEqClient(Host, Port, "client-reserve")
	job, err := cli.Reserve()
	require.NoError(t, err)
	assert.Nil(t, job, "nothing is waiting yet")

	jobID, err := cli.Push([]byte("work"))
	require.NoError(t, err)

	job, err = cli.ReserveWithContext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.True(t, job.Working())

	ok, err := cli.Release(jobID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = cli.Release(jobID)
	require.NoError(t, err)
	assert.False(t, ok, "a waiting job can't be released")

	job, err = cli.Reserve()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)

	ok, err = cli.Pop(jobID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = cli.Pop(jobID)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err = cli.Peek(jobID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestEqClient_Size(t *testing.T) {
	cli := NewEqClient(Host, Port, "client-size")
	for i := 0; i < 3; i++ {
		_, err := cli.Push([]byte("job"))
		require.NoError(t, err)
	}
	_, err := cli.Reserve()
	require.NoError(t, err)

	size, err := cli.Size("")
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
	size, err = cli.Size("waiting")
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)
	size, err = cli.SizeWithContext(context.Background(), "working")
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	_, err = cli.Size("bogus")
	require.Error(t, err)
	assert.Equal(t, ResponseErr, err.(*APIError).Type)
}

func TestEqClient_PoolNotFound(t *testing.T) {
	cli := NewEqClient(Host, Port, "no-such-pool")
	job, err := cli.Reserve()
	assert.Nil(t, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool not found")

	_, err = cli.Pop("17000000000000000")
	require.Error(t, err)
}

func TestEqClient_RetryOn5xx(t *testing.T) {
	attempts := atomic.NewInt32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "req-1")
		if attempts.Inc() < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"internal error"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"msg":"pushed","job_id":"17000000000000001"}`))
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	cli := NewEqClient(addr.IP.String(), addr.Port, "")
	_, err := cli.Push([]byte("x"))
	require.Error(t, err, "no retry configured")
	apiErr := err.(*APIError)
	assert.Equal(t, ResponseErr, apiErr.Type)
	assert.Equal(t, "req-1", apiErr.RequestID)
	assert.Equal(t, "[500]internal error", apiErr.Reason)

	attempts.Store(0)
	cli.ConfigRetry(3, 1)
	jobID, err := cli.Push([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "17000000000000001", jobID)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestEqClient_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	cli := NewEqClient(addr.IP.String(), addr.Port, "")
	cli.ConfigRetry(1000, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cli.PushWithContext(ctx, []byte("x"))
	require.Error(t, err)
	assert.IsType(t, &APIError{}, err)
}

func TestNewEqWithClient_Scheme(t *testing.T) {
	cli := NewEqWithClient(http.DefaultClient, "https://eq.example.com", 443, "p")
	assert.Equal(t, "https", cli.scheme)
	assert.Equal(t, "eq.example.com", cli.Host)
	assert.Equal(t, "eq.example.com:443", cli.endpoint)
}
