// Package metrics provides Prometheus instrumentation for warden.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CeremoniesTotal counts credential ceremony completions by outcome.
	CeremoniesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "ceremonies_total",
			Help:      "Credential ceremonies by type and outcome.",
		},
		[]string{"ceremony", "outcome"},
	)

	// SessionsTotal counts session lifecycle events.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "sessions_total",
			Help:      "Session lifecycle events (issued, revoked, rejected).",
		},
		[]string{"event"},
	)

	// RiskAssessmentsTotal counts transaction assessments by level and decision.
	RiskAssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "risk_assessments_total",
			Help:      "Transaction risk assessments by level and block decision.",
		},
		[]string{"level", "blocked"},
	)

	// PhishingFallbacksTotal counts lookups that degraded to heuristics only.
	PhishingFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "phishing_fallbacks_total",
			Help:      "Phishing lookups answered by heuristics only, by source and reason.",
		},
		[]string{"source", "reason"},
	)

	// ProfileWriteRetriesTotal counts optimistic profile write conflicts.
	ProfileWriteRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "profile_write_conflicts_total",
			Help:      "Behavior profile writes that lost an optimistic version check.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CeremoniesTotal,
		SessionsTotal,
		RiskAssessmentsTotal,
		PhishingFallbacksTotal,
		ProfileWriteRetriesTotal,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// ObserveAssessment records a risk verdict.
func ObserveAssessment(level string, blocked bool) {
	RiskAssessmentsTotal.WithLabelValues(level, strconv.FormatBool(blocked)).Inc()
}
