package store

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for snapshot persistence.
type Metrics struct {
	// Saves counts snapshot writes by result ("ok" or "error").
	Saves *prometheus.CounterVec
}

// NewMetrics returns the process-wide persistence metrics, registering them
// on first use.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Saves: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "collab_snapshot_saves_total",
					Help: "Total number of snapshot writes by result",
				},
				[]string{"result"},
			),
		}
	})
	return globalMetrics
}
