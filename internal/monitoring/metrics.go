package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// These metrics cover the ambient, service-level concerns around the
// coalescing engine rather than inside it: the demo HTTP surface, the
// Vertex AI token coalescer's refresh outcomes, and the spend-log writer's
// dead letter queue. Per-aggregate batch shape (size, window, in-flight
// permits) is instrumented by internal/coalesce itself, next to the engine
// that produces it, not duplicated here.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwise_requests_total",
			Help: "Total number of requests served by the demo HTTP surface",
		},
		[]string{"credential", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchwise_requests_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"credential", "endpoint"},
	)

	CredentialErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwise_credential_errors_total",
			Help: "Total number of request errors for each credential",
		},
		[]string{"credential"},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwise_token_refresh_total",
			Help: "Total Vertex AI token refresh attempts per credential and outcome",
		},
		[]string{"credential", "outcome"}, // outcome: hit | refreshed | created | failed
	)

	TokenExpirySeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batchwise_token_expiry_seconds",
			Help: "Seconds until the cached token for a credential expires",
		},
		[]string{"credential"},
	)

	SpendLogDLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchwise_spend_log_dlq_depth",
			Help: "Batches currently held in the spend log writer's dead letter queue",
		},
	)

	SpendLogDLQOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchwise_spend_log_dlq_outcomes_total",
			Help: "Spend log batches leaving the dead letter queue, by outcome",
		},
		[]string{"outcome"}, // outcome: recovered | dropped
	)

	SpendLogRowsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchwise_spend_log_rows_written_total",
			Help: "Total number of spend log rows committed",
		},
	)
)

// Metrics is an enabled-flag wrapper: every method becomes a no-op when
// constructed with enabled set to false, so call sites never need their
// own feature check.
type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

// isEnabled is nil-receiver safe so a *Metrics left unset (no monitoring
// wired in) behaves like one constructed with enabled=false.
func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

// RecordRequest records one served request's outcome and latency.
func (m *Metrics) RecordRequest(credential, endpoint string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	status := strconv.Itoa(statusCode)
	RequestsTotal.WithLabelValues(credential, endpoint, status).Inc()
	RequestDuration.WithLabelValues(credential, endpoint).Observe(duration.Seconds())

	if statusCode >= 400 {
		CredentialErrorsTotal.WithLabelValues(credential).Inc()
	}
}

// RecordTokenRefresh records the outcome of one VertexTokenManager.GetToken
// call: a fast-path cache hit, a successful refresh or creation, or a
// failure.
func (m *Metrics) RecordTokenRefresh(credential, outcome string) {
	if !m.isEnabled() {
		return
	}
	TokenRefreshTotal.WithLabelValues(credential, outcome).Inc()
}

// UpdateTokenExpiry records how many seconds remain before a credential's
// cached token expires, relative to now.
func (m *Metrics) UpdateTokenExpiry(credential string, expiresAt time.Time) {
	if !m.isEnabled() {
		return
	}
	TokenExpirySeconds.WithLabelValues(credential).Set(time.Until(expiresAt).Seconds())
}

// UpdateSpendLogDLQDepth reports the spend log writer's current dead
// letter queue depth.
func (m *Metrics) UpdateSpendLogDLQDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	SpendLogDLQDepth.Set(float64(depth))
}

// RecordSpendLogDLQOutcome records a dead-lettered batch finally being
// recovered or dropped.
func (m *Metrics) RecordSpendLogDLQOutcome(outcome string) {
	if !m.isEnabled() {
		return
	}
	SpendLogDLQOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSpendLogRowsWritten records rows successfully committed by a
// spend log batch flush.
func (m *Metrics) RecordSpendLogRowsWritten(n int) {
	if !m.isEnabled() {
		return
	}
	SpendLogRowsWritten.Add(float64(n))
}
