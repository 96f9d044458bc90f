package server

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exposed on /metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics creates and registers the HTTP metrics. Registration is global,
// so the instruments are singletons.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bithedge",
					Subsystem: "http",
					Name:      "requests_total",
					Help:      "Total HTTP requests by method, path, and status",
				},
				[]string{"method", "path", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "bithedge",
					Subsystem: "http",
					Name:      "request_duration_seconds",
					Help:      "HTTP request latency",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})
	return metrics
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
