package collab

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for collaboration instances.
type Metrics struct {
	Instances          prometheus.Gauge
	Evictions          prometheus.Counter
	StepsApplied       prometheus.Counter
	Conflicts          prometheus.Counter
	HistoryUnavailable prometheus.Counter
	Waiters            prometheus.Gauge
}

// NewMetrics returns the process-wide collaboration metrics, registering
// them on first use.
//
// Metrics:
//   - collab_instances - live instances in the registry
//   - collab_evictions_total - instances evicted for capacity
//   - collab_steps_applied_total - steps committed
//   - collab_conflicts_total - batches rejected as stale
//   - collab_history_unavailable_total - replays outside the history window
//   - collab_waiters - pending long-poll waiters
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Instances: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collab_instances",
				Help: "Number of live collaboration instances",
			}),
			Evictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collab_evictions_total",
				Help: "Total number of instances evicted for capacity",
			}),
			StepsApplied: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collab_steps_applied_total",
				Help: "Total number of steps committed",
			}),
			Conflicts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collab_conflicts_total",
				Help: "Total number of step batches rejected for a stale version",
			}),
			HistoryUnavailable: promauto.NewCounter(prometheus.CounterOpts{
				Name: "collab_history_unavailable_total",
				Help: "Total number of event requests older than the retained history",
			}),
			Waiters: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "collab_waiters",
				Help: "Number of pending long-poll waiters",
			}),
		}
	})
	return globalMetrics
}
