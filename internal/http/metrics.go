package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics holds all HTTP-related metrics.
type HTTPMetrics struct {
	requestsTotal  *prometheus.CounterVec
	requestDur     *prometheus.HistogramVec
	responseSize   *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// NewHTTPMetrics registers the HTTP collectors with reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	labels := []string{"method", "endpoint", "status"}
	return &HTTPMetrics{
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exambuddy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests labeled by method, route and status code.",
		}, labels),
		requestDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exambuddy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds. /chat includes retrieval and generation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, labels),
		responseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exambuddy",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size in bytes.",
			Buckets:   []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		}, labels),
		activeRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "exambuddy",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			values := []string{
				c.Request().Method,
				normalizePath(c.Path()),
				strconv.Itoa(c.Response().Status),
			}
			m.requestsTotal.WithLabelValues(values...).Inc()
			m.requestDur.WithLabelValues(values...).Observe(time.Since(start).Seconds())
			m.responseSize.WithLabelValues(values...).Observe(float64(c.Response().Size))
			return nil
		}
	}
}

// normalizePath returns the route template, which echo already reports
// with placeholders (/jobs/:id), so labels stay bounded. Unmatched
// requests share one label.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
