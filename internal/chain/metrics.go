package chain

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for chain traffic.
type Metrics struct {
	Broadcasts      *prometheus.CounterVec
	Confirmations   *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// TrafficMetrics returns the chain traffic metrics. Registration is global,
// so the instruments are singletons.
func TrafficMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			Broadcasts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bithedge",
					Subsystem: "chain",
					Name:      "broadcasts_total",
					Help:      "Transactions broadcast, by kind",
				},
				[]string{"kind"},
			),
			Confirmations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bithedge",
					Subsystem: "chain",
					Name:      "confirmations_total",
					Help:      "Terminal transaction outcomes, by kind and status",
				},
				[]string{"kind", "status"},
			),
			EventsProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bithedge",
					Subsystem: "chain",
					Name:      "events_processed_total",
					Help:      "Contract events processed, by topic",
				},
				[]string{"topic"},
			),
		}
	})
	return metrics
}
