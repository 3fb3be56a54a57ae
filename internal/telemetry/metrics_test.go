package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordJob("pdf", "completed", 1.5)
		m.RecordCaption("pdf")
		m.RecordUnitFailure("video")
		m.RecordSearch("parallel", 0.2)
		m.RecordCircuitBreakerState("external_kb", "open")
		m.RecordRequest("GET", "/health", "200", 0.001)
	})
}

func TestInitMetricsWithGlobalProvider(t *testing.T) {
	m, err := InitMetrics()
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordJob("video", "failed", 3)
		m.RecordSearch("fallback-internal", 0.05)
	})
}
