package oracle

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the price pipeline.
type Metrics struct {
	TicksIngested *prometheus.CounterVec
	Aggregations  prometheus.Counter
	Submissions   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// PipelineMetrics returns the oracle pipeline metrics. Registration is
// global, so the instruments are singletons.
func PipelineMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			TicksIngested: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bithedge",
					Subsystem: "oracle",
					Name:      "ticks_ingested_total",
					Help:      "Price ticks stored, by source",
				},
				[]string{"source"},
			),
			Aggregations: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "bithedge",
					Subsystem: "oracle",
					Name:      "aggregations_total",
					Help:      "Aggregated prices computed",
				},
			),
			Submissions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "bithedge",
					Subsystem: "oracle",
					Name:      "submissions_total",
					Help:      "On-chain price submissions, by reason",
				},
				[]string{"reason"},
			),
		}
	})
	return metrics
}
