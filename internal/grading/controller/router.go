package controller

import (
	commonmw "codegrade/internal/common/http/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the internal grading API, health and metrics.
func NewRouter(grading *GradingController, health *HealthController, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.AccessLogMiddleware("/healthz", "/metrics"))

	api := router.Group("/internal/v1")
	api.POST("/grading-jobs", grading.CreateJob)
	api.GET("/submissions/:id/progress", grading.GetProgress)

	router.GET("/healthz", health.Healthz)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}
