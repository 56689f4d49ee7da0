package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(logger *logrus.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(RequestIDMiddleware, AccessLogMiddleware(logger))
	e.GET("/api/jobs/:job_id", func(c *gin.Context) {
		c.Set("pool", "default")
		c.Status(http.StatusNoContent)
	})
	return e
}

func TestRequestIDMiddleware(t *testing.T) {
	e := newTestEngine(logrus.New())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil)
	e.ServeHTTP(w, req)
	assert.Len(t, w.Header().Get("X-Request-ID"), 26)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	e.ServeHTTP(w, req)
	assert.Equal(t, "upstream-id", w.Header().Get("X-Request-ID"))
}

func TestAccessLogMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	e := newTestEngine(logger)

	DisableAccessLog()
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil))
	assert.Zero(t, buf.Len())

	EnableAccessLog()
	defer DisableAccessLog()
	require.True(t, IsAccessLogEnabled())
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/jobs/42?x=1", nil))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "default", entry["pool"])
	assert.Equal(t, "/api/jobs/42", entry["path"])
	assert.Equal(t, "x=1", entry["query"])
	assert.Equal(t, "42", entry["job_id"])
	assert.EqualValues(t, http.StatusNoContent, entry["code"])
	assert.Equal(t, "info", entry["level"])
}
