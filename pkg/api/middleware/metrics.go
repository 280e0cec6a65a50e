package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts history API requests by route and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "History API requests by method, route and status class",
		},
		[]string{"method", "route", "class"},
	)

	// HTTPRequestDuration tracks history API latency per route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stagehand",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "History API latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// HTTPDeniedTotal counts requests refused by auth, role checks or the rate limiter.
	HTTPDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "api",
			Name:      "denied_total",
			Help:      "History API requests refused with 401, 403 or 429",
		},
		[]string{"route", "status"},
	)

	// LogBytesServed counts archived run log bytes sent to clients.
	LogBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "api",
			Name:      "run_log_bytes_served_total",
			Help:      "Bytes of archived run logs returned by the history API",
		},
	)
)

// logRoute is the route whose response bodies count as served run logs.
const logRoute = "/api/v1/runs/:id/log"

// MetricsConfig lists paths that are not recorded, such as scrapes and probes.
type MetricsConfig struct {
	SkipPaths []string
}

// DefaultMetricsConfig skips the scrape endpoint and the health probe.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{SkipPaths: []string{"/metrics", "/health"}}
}

// MetricsMiddleware records request counts, latency and refusals per route.
func MetricsMiddleware(cfg MetricsConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		// FullPath is only known after routing; unmatched paths share one label.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())

		switch status {
		case 401, 403, 429:
			HTTPDeniedTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		case 200:
			if route == logRoute && c.Writer.Size() > 0 {
				LogBytesServed.Add(float64(c.Writer.Size()))
			}
		}
	}
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
