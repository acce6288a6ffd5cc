package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evidence_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_verifications_total",
		Help: "Verification queries by scope and verdict.",
	}, []string{"scope", "status"})

	paidVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_paid_verifications_total",
		Help: "Verifications admitted by an accepted x402 payment, by tier.",
	}, []string{"tier"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_http_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter, by route.",
	}, []string{"path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
