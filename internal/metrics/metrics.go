// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and attendance outcomes.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors registered by New.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Latency         *prometheus.HistogramVec
	Marks           *prometheus.CounterVec
	MarkRejections  *prometheus.CounterVec
	SessionsCreated prometheus.Counter
	SessionsEnded   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geoattend",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geoattend",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geoattend",
			Name:      "attendance_marks_total",
			Help:      "Stored attendance records by status.",
		}, []string{"status"}),
		MarkRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geoattend",
			Name:      "attendance_rejections_total",
			Help:      "Attendance submissions that were not stored, by reason.",
		}, []string{"reason"}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geoattend",
			Name:      "sessions_created_total",
			Help:      "Sessions opened.",
		}),
		SessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geoattend",
			Name:      "sessions_ended_total",
			Help:      "Sessions ended by their owner.",
		}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.Marks, m.MarkRejections, m.SessionsCreated, m.SessionsEnded)
	return m
}

// GinMiddleware records request counts and latency per matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.Latency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
