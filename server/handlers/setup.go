package handlers

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/config"
)

var setupOnce sync.Once
var _logger *logrus.Logger

var (
	DefaultLeaseTimeout = 2 * time.Minute
)

func Setup(l *logrus.Logger) {
	setupOnce.Do(func() {
		_logger = l
		setupMetrics()
	})
}

func GetHTTPLogger(c *gin.Context) *logrus.Entry {
	reqID := c.GetString("req_id")
	if reqID == "" {
		return logrus.NewEntry(_logger)
	}
	return _logger.WithField("req_id", reqID)
}

func SetupParamDefaults(conf *config.Config) {
	DefaultLeaseTimeout = conf.LeaseTimeout()
}
