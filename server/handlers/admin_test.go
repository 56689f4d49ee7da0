package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/magiconair/properties/assert"

	"github.com/bitleak/eq/server/handlers"
	"github.com/bitleak/eq/server/middleware"
)

func TestListPools(t *testing.T) {
	req, err := http.NewRequest("GET", "http://localhost/pools", nil)
	if err != nil {
		t.Fatalf("Failed to create request")
	}
	c, e, resp := ginTest(req)
	e.GET("/pools", handlers.ListPools)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusOK)

	var pools []string
	if err := json.Unmarshal(resp.Body.Bytes(), &pools); err != nil {
		t.Fatalf("Failed to decode response: %s", err)
	}
	found := map[string]bool{}
	for _, pool := range pools {
		found[pool] = true
	}
	assert.Equal(t, found["default"], true)
	assert.Equal(t, found["sql"], true)
}

func TestVersion(t *testing.T) {
	req, err := http.NewRequest("GET", "http://localhost/version", nil)
	if err != nil {
		t.Fatalf("Failed to create request")
	}
	c, e, resp := ginTest(req)
	e.GET("/version", handlers.Version)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusOK)
}

func TestEngineMetaInfo(t *testing.T) {
	q := newPool(t, "info")
	if _, err := q.Push(context.Background(), []byte("a")); err != nil {
		t.Fatalf("Failed to push: %s", err)
	}

	req, err := http.NewRequest("GET", "http://localhost/info?pool=info", nil)
	if err != nil {
		t.Fatalf("Failed to create request")
	}
	c, e, resp := ginTest(req)
	e.GET("/info", handlers.EngineMetaInfo)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusOK)

	var info map[string]struct {
		Storage      string
		Capabilities []string
		Waiting      int64
		Working      int64
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &info); err != nil {
		t.Fatalf("Failed to decode response: %s", err)
	}
	assert.Equal(t, info["info"].Storage, "badger")
	assert.Equal(t, info["info"].Capabilities, []string{"compare_and_swap", "remove"})
	assert.Equal(t, info["info"].Waiting, int64(1))
	assert.Equal(t, info["info"].Working, int64(0))

	req, _ = http.NewRequest("GET", "http://localhost/info?pool=no-such-pool", nil)
	c, e, resp = ginTest(req)
	e.GET("/info", handlers.EngineMetaInfo)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusNotFound)
}

func TestRequeue(t *testing.T) {
	q := newPool(t, "requeue")
	jobID, err := q.Push(context.Background(), []byte("stuck"))
	if err != nil {
		t.Fatalf("Failed to push: %s", err)
	}
	if _, err := q.Reserve(context.Background()); err != nil {
		t.Fatalf("Failed to reserve: %s", err)
	}

	// the lease is far from the default timeout
	req, _ := http.NewRequest("POST", "http://localhost/requeue/requeue", nil)
	c, e, resp := ginTest(req)
	e.POST("/requeue/:pool", handlers.Requeue)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusOK)
	var data struct {
		Requeued int
	}
	json.Unmarshal(resp.Body.Bytes(), &data)
	assert.Equal(t, data.Requeued, 0)

	req, _ = http.NewRequest("POST", "http://localhost/requeue/requeue?timeout=0", nil)
	c, e, resp = ginTest(req)
	e.POST("/requeue/:pool", handlers.Requeue)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusOK)
	json.Unmarshal(resp.Body.Bytes(), &data)
	assert.Equal(t, data.Requeued, 1)

	job, err := q.Peek(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Failed to peek: %s", err)
	}
	assert.Equal(t, job.Working(), false)

	req, _ = http.NewRequest("POST", "http://localhost/requeue/requeue?timeout=-1", nil)
	c, e, resp = ginTest(req)
	e.POST("/requeue/:pool", handlers.Requeue)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusBadRequest)

	req, _ = http.NewRequest("POST", "http://localhost/requeue/no-such-pool", nil)
	c, e, resp = ginTest(req)
	e.POST("/requeue/:pool", handlers.Requeue)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusNotFound)
}

func TestAccessLogStatus(t *testing.T) {
	defer middleware.DisableAccessLog()

	req, _ := http.NewRequest("POST", "http://localhost/accesslog?status=enable", nil)
	c, e, resp := ginTest(req)
	e.POST("/accesslog", handlers.UpdateAccessLogStatus)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusOK)
	assert.Equal(t, middleware.IsAccessLogEnabled(), true)

	req, _ = http.NewRequest("POST", "http://localhost/accesslog?status=whatever", nil)
	c, e, resp = ginTest(req)
	e.POST("/accesslog", handlers.UpdateAccessLogStatus)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusBadRequest)

	req, _ = http.NewRequest("GET", "http://localhost/accesslog", nil)
	c, e, resp = ginTest(req)
	e.GET("/accesslog", handlers.GetAccessLogStatus)
	e.HandleContext(c)
	assert.Equal(t, resp.Code, http.StatusOK)
	assert.Equal(t, resp.Body.String(), `{"status":"enabled"}`)
}
