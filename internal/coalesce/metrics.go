package coalesce

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coalesce_batch_size",
			Help:    "Number of items folded into each dispatched batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"aggregate"},
	)

	batchWindowElapsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coalesce_batch_window_elapsed_seconds",
			Help:    "Time between the first item of a batch arriving and the batch flushing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"aggregate"},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalesce_batches_total",
			Help: "Total number of batches dispatched",
		},
		[]string{"aggregate", "outcome"}, // outcome: ok | error | shape_violation | panic
	)

	inFlightPermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coalesce_in_flight_batches",
			Help: "Batches currently holding a concurrency permit",
		},
		[]string{"aggregate"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coalesce_queue_depth",
			Help: "Submissions buffered in an aggregate's bounded queue",
		},
		[]string{"aggregate"},
	)
)

// Metrics records observations for one aggregate's batches. A nil *Metrics
// is safe to call methods on (all become no-ops), matching the teacher's
// enabled-flag wrapper pattern for optional instrumentation.
type Metrics struct {
	name    string
	enabled bool
}

// NewMetrics returns a Metrics instrumenting batches labeled with name. If
// enabled is false every recorded observation is skipped.
func NewMetrics(name string, enabled bool) *Metrics {
	return &Metrics{name: name, enabled: enabled}
}

func (m *Metrics) ok() bool { return m != nil && m.enabled }

func (m *Metrics) observeBatch(size int, elapsed time.Duration, outcome string) {
	if !m.ok() {
		return
	}
	batchSize.WithLabelValues(m.name).Observe(float64(size))
	batchWindowElapsed.WithLabelValues(m.name).Observe(elapsed.Seconds())
	batchesTotal.WithLabelValues(m.name, outcome).Inc()
}

func (m *Metrics) setInFlight(n int) {
	if !m.ok() {
		return
	}
	inFlightPermits.WithLabelValues(m.name).Set(float64(n))
}

func (m *Metrics) setQueueDepth(n int) {
	if !m.ok() {
		return
	}
	queueDepth.WithLabelValues(m.name).Set(float64(n))
}
