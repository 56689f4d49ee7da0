package handlers

import (
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/server/middleware"
	"github.com/bitleak/eq/version"
)

// GET /metrics
func PrometheusMetrics(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

// GET /pools
func ListPools(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, engine.GetPools())
}

// GET /version
func Version(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, gin.H{
		"version":      version.Version,
		"build_commit": version.BuildCommit,
		"build_date":   version.BuildDate,
	})
}

func PProf(c *gin.Context) {
	switch c.Param("profile") {
	case "/profile":
		pprof.Profile(c.Writer, c.Request)
	case "/trace":
		pprof.Trace(c.Writer, c.Request)
	default:
		pprof.Index(c.Writer, c.Request)
	}
}

type poolInfo struct {
	Storage      string   `json:"storage"`
	Capabilities []string `json:"capabilities"`
	Waiting      int64    `json:"waiting"`
	Working      int64    `json:"working"`
}

func capabilities(s engine.Storage) []string {
	caps := make([]string, 0, 4)
	if _, ok := s.(engine.Reserver); ok {
		caps = append(caps, "reserve")
	}
	if _, ok := s.(engine.Swapper); ok {
		caps = append(caps, "compare_and_swap")
	}
	if _, ok := s.(engine.Remover); ok {
		caps = append(caps, "remove")
	}
	if _, ok := s.(engine.Counter); ok {
		caps = append(caps, "count")
	}
	return caps
}

// GET /info?pool=
// Show the storage and the job counts of every pool, or only the given one
func EngineMetaInfo(c *gin.Context) {
	logger := GetHTTPLogger(c)
	pools := engine.GetPools()
	if pool := c.Query("pool"); pool != "" {
		if !engine.ExistsPool(pool) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
			return
		}
		pools = []string{pool}
	}

	info := make(map[string]poolInfo, len(pools))
	for _, pool := range pools {
		q := engine.GetQueue(pool)
		if q == nil {
			continue
		}
		waiting, err := q.Count(c.Request.Context(), engine.CountWaiting)
		if err == nil {
			var working int64
			working, err = q.Count(c.Request.Context(), engine.CountWorking)
			info[pool] = poolInfo{
				Storage:      q.Storage().Name(),
				Capabilities: capabilities(q.Storage()),
				Waiting:      waiting,
				Working:      working,
			}
		}
		if err != nil {
			logger.WithFields(logrus.Fields{
				"err":  err,
				"pool": pool,
			}).Error("Failed to dump the pool info")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}
	c.IndentedJSON(http.StatusOK, info)
}

// POST /requeue/:pool?timeout=
// Requeue the jobs working for timeout seconds or longer right now,
// instead of waiting for the next reclaim round
func Requeue(c *gin.Context) {
	logger := GetHTTPLogger(c)
	pool := c.Param("pool")
	q := engine.GetQueue(pool)
	if q == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}
	timeout := DefaultLeaseTimeout
	if timeoutStr := c.Query("timeout"); timeoutStr != "" {
		seconds, err := strconv.ParseUint(timeoutStr, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}

	count, err := q.RequeueExpired(c.Request.Context(), timeout)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"err":     err,
			"pool":    pool,
			"timeout": timeout,
		}).Error("Failed to requeue expired jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": pool, "requeued": count})
}

// GetAccessLogStatus return whether the accesslog was enabled or not
// GET /accesslog
func GetAccessLogStatus(c *gin.Context) {
	if middleware.IsAccessLogEnabled() {
		c.JSON(http.StatusOK, gin.H{"status": "enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// UpdateAccessLogStatus update the accesslog status
// POST /accesslog
func UpdateAccessLogStatus(c *gin.Context) {
	switch c.Query("status") {
	case "enable":
		middleware.EnableAccessLog()
		c.JSON(http.StatusOK, gin.H{"status": "enabled"})
	case "disable":
		middleware.DisableAccessLog()
		c.JSON(http.StatusOK, gin.H{"status": "disabled"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
	}
}
