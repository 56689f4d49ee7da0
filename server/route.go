package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/server/handlers"
)

func SetupRoutes(e *gin.Engine, logger *logrus.Logger) {
	handlers.Setup(logger)

	group := e.Group("/api")
	group.Use(handlers.SetupQueue, handlers.ValidateJobID)
	group.PUT("/jobs", handlers.CollectMetrics("push"), handlers.Push)
	group.GET("/jobs", handlers.CollectMetrics("reserve"), handlers.Reserve)
	group.GET("/jobs/:job_id", handlers.CollectMetrics("peek"), handlers.Peek)
	group.PUT("/jobs/:job_id/release", handlers.CollectMetrics("release"), handlers.Release)
	group.DELETE("/jobs/:job_id", handlers.CollectMetrics("pop"), handlers.Pop)
	group.GET("/size", handlers.CollectMetrics("size"), handlers.Size)

	e.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "api not found"})
	})
}

func SetupAdminRoutes(e *gin.Engine) {
	e.GET("/info", handlers.EngineMetaInfo)
	e.GET("/version", handlers.Version)
	e.GET("/metrics", handlers.PrometheusMetrics)
	e.GET("/pools", handlers.ListPools)
	e.POST("/requeue/:pool", handlers.Requeue)
	e.GET("/accesslog", handlers.GetAccessLogStatus)
	e.POST("/accesslog", handlers.UpdateAccessLogStatus)
	e.Any("/debug/pprof/*profile", handlers.PProf)
}
