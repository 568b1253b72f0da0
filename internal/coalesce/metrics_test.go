package coalesce

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsANoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeBatch(10, time.Millisecond, "ok")
		m.setInFlight(1)
		m.setQueueDepth(1)
	})
}

func TestMetrics_DisabledRecordsNothing(t *testing.T) {
	m := NewMetrics("disabled-aggregate", false)
	before := testutil.ToFloat64(batchesTotal.WithLabelValues("disabled-aggregate", "ok"))
	m.observeBatch(1, time.Millisecond, "ok")
	after := testutil.ToFloat64(batchesTotal.WithLabelValues("disabled-aggregate", "ok"))
	assert.Equal(t, before, after)
}

func TestMetrics_EnabledRecordsObservations(t *testing.T) {
	m := NewMetrics("enabled-aggregate", true)
	before := testutil.ToFloat64(batchesTotal.WithLabelValues("enabled-aggregate", "ok"))
	m.observeBatch(1, time.Millisecond, "ok")
	after := testutil.ToFloat64(batchesTotal.WithLabelValues("enabled-aggregate", "ok"))
	assert.Equal(t, before+1, after)
}
