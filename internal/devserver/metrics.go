package devserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics is registered per Server so tests can run several side by side.
type metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	reportsStored   prometheus.Gauge
	reportsReplaced prometheus.Counter
	uploadBytes     prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecotrack",
			Subsystem: "devserver",
			Name:      "requests_total",
			Help:      "HTTP requests served, labeled by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ecotrack",
			Subsystem: "devserver",
			Name:      "request_duration_seconds",
			Help:      "Time to serve an HTTP request.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"route"}),
		reportsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecotrack",
			Subsystem: "devserver",
			Name:      "reports_stored",
			Help:      "Reports currently held in memory.",
		}),
		reportsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecotrack",
			Subsystem: "devserver",
			Name:      "reports_replaced_total",
			Help:      "Saves that replaced an existing report with the same id.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecotrack",
			Subsystem: "devserver",
			Name:      "upload_bytes_total",
			Help:      "Bytes received through photo uploads.",
		}),
	}
	m.registry.MustRegister(m.requests, m.duration, m.reportsStored, m.reportsReplaced, m.uploadBytes)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// middleware labels by route template rather than raw path to keep ids out
// of label values.
func (m *metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
