// Package metrics exports store operation counters and latencies to Prometheus.
package metrics

import (
	"time"

	e "github.com/gartstein/avenue/internal/lab/errors"
	"github.com/gartstein/avenue/internal/lab/models"
	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewRecorder creates the store collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qclab",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by operation, entity kind and outcome.",
		}, []string{"operation", "kind", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qclab",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "kind"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.durations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records one operation; the outcome label is the error class of err.
func (r *Recorder) Observe(operation string, kind models.Kind, err error, elapsed time.Duration) {
	r.operations.WithLabelValues(operation, string(kind), e.Class(err)).Inc()
	r.durations.WithLabelValues(operation, string(kind)).Observe(elapsed.Seconds())
}
