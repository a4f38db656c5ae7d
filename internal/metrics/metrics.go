// Package metrics holds the Prometheus instruments for backend calls and
// folder operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all instruments.
type Metrics struct {
	BackendRequests *prometheus.CounterVec   // ironfolders_backend_requests_total{backend,op,outcome}
	BackendDuration *prometheus.HistogramVec // ironfolders_backend_request_duration_seconds{backend,op}
	TreeItems       *prometheus.CounterVec   // ironfolders_tree_items_total{op,status}
	TreeBatches     prometheus.Counter       // ironfolders_tree_batches_total
	ArchiveBytes    prometheus.Counter       // ironfolders_archive_bytes_total
	SharesIssued    *prometheus.CounterVec   // ironfolders_shares_issued_total{scope}
}

// Init registers the instruments once; later calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		metricsInstance = &Metrics{
			BackendRequests: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ironfolders_backend_requests_total",
				Help: "Object store requests by backend, operation and outcome",
			}, []string{"backend", "op", "outcome"}),

			BackendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ironfolders_backend_request_duration_seconds",
				Help:    "Object store request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"backend", "op"}),

			TreeItems: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ironfolders_tree_items_total",
				Help: "Items processed by folder operations",
			}, []string{"op", "status"}),

			TreeBatches: f.NewCounter(prometheus.CounterOpts{
				Name: "ironfolders_tree_batches_total",
				Help: "Batches issued by folder operations",
			}),

			ArchiveBytes: f.NewCounter(prometheus.CounterOpts{
				Name: "ironfolders_archive_bytes_total",
				Help: "Bytes written into download archives",
			}),

			SharesIssued: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ironfolders_shares_issued_total",
				Help: "Capability URLs issued by scope",
			}, []string{"scope"}),
		}
	})
	return metricsInstance
}

// Get returns the registered instruments, initialising them on the default
// registerer if nobody has yet.
func Get() *Metrics {
	return Init(nil)
}

// ObserveBackend records one backend call.
func (m *Metrics) ObserveBackend(backend, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BackendRequests.WithLabelValues(backend, op, outcome).Inc()
	m.BackendDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
