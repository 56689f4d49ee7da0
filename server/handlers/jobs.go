package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/engine"
)

const maxBodySize = 1 << 20 // 1 MB

func jobResponse(msg string, job engine.Job) gin.H {
	resp := gin.H{
		"msg":        msg,
		"job_id":     job.ID(),
		"data":       job.Body(),
		"created_at": job.CreatedAt(),
		"elapsed_ms": job.ElapsedMS(),
	}
	if startedAt, ok := job.LeaseStartedAt(); ok {
		resp["lease_started_at"] = startedAt
	}
	return resp
}

// PUT /api/jobs
func Push(c *gin.Context) {
	logger := GetHTTPLogger(c)
	q := c.MustGet("queue").(*engine.Queue)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > maxBodySize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	jobID, err := q.Push(c.Request.Context(), body)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"err":  err,
			"pool": q.Name(),
		}).Error("Failed to push")
		if errors.Is(err, engine.ErrIDExhausted) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	logger.WithFields(logrus.Fields{
		"pool":   q.Name(),
		"job_id": jobID,
	}).Debug("Job pushed")
	c.JSON(http.StatusCreated, gin.H{"msg": "pushed", "job_id": jobID})
}

// GET /api/jobs
func Reserve(c *gin.Context) {
	logger := GetHTTPLogger(c)
	q := c.MustGet("queue").(*engine.Queue)

	job, err := q.Reserve(c.Request.Context())
	if err != nil {
		logger.WithFields(logrus.Fields{
			"err":  err,
			"pool": q.Name(),
		}).Error("Failed to reserve")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"msg": "no job available"})
		return
	}
	logger.WithFields(logrus.Fields{
		"pool":   q.Name(),
		"job_id": job.ID(),
	}).Debug("Job reserved")
	c.JSON(http.StatusOK, jobResponse("new job", job))
}

// GET /api/jobs/:job_id
func Peek(c *gin.Context) {
	logger := GetHTTPLogger(c)
	q := c.MustGet("queue").(*engine.Queue)
	jobID := c.Param("job_id")

	job, err := q.Peek(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, jobResponse("job", job))
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		logger.WithFields(logrus.Fields{
			"err":    err,
			"pool":   q.Name(),
			"job_id": jobID,
		}).Error("Failed to peek")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// PUT /api/jobs/:job_id/release
func Release(c *gin.Context) {
	logger := GetHTTPLogger(c)
	q := c.MustGet("queue").(*engine.Queue)
	jobID := c.Param("job_id")

	ok, err := q.Release(c.Request.Context(), jobID)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"err":    err,
			"pool":   q.Name(),
			"job_id": jobID,
		}).Error("Failed to release")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found or not working"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "released", "job_id": jobID})
}

// DELETE /api/jobs/:job_id
func Pop(c *gin.Context) {
	logger := GetHTTPLogger(c)
	q := c.MustGet("queue").(*engine.Queue)
	jobID := c.Param("job_id")

	ok, err := q.Pop(c.Request.Context(), jobID)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"err":    err,
			"pool":   q.Name(),
			"job_id": jobID,
		}).Error("Failed to pop")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/size?state=
// @query:
//   - state: all (default), waiting or working
func Size(c *gin.Context) {
	logger := GetHTTPLogger(c)
	q := c.MustGet("queue").(*engine.Queue)

	filter, err := engine.ParseCountFilter(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	size, err := q.Count(c.Request.Context(), filter)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"err":   err,
			"pool":  q.Name(),
			"state": filter.String(),
		}).Error("Failed to get the queue size")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": q.Name(), "state": filter.String(), "size": size})
}
