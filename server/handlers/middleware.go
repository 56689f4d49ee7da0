package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bitleak/eq/config"
	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/uuid"
)

// The pool is taken from the X-Pool header first, then from the pool query,
// the default pool is used if neither was given.
func getPool(c *gin.Context) string {
	pool := c.GetHeader("X-Pool")
	if pool == "" {
		pool = c.Query("pool")
	}
	if pool == "" {
		pool = config.DefaultPoolName
	}
	return pool
}

func SetupQueue(c *gin.Context) {
	pool := getPool(c)
	c.Set("pool", pool)
	q := engine.GetQueue(pool)
	if q == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}
	c.Set("queue", q)
}

func ValidateJobID(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		return
	}
	if !uuid.ValidJobID(jobID) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
}
