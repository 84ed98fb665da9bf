package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sitewright/sitewright/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.RunCreated()
		m.RunFinished("succeeded")
		m.Tick(true, 3)
		m.StaleRunFailed()
		m.Published()
		m.ObserveGeneration(time.Second, true)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()

	m.RunCreated()
	m.RunCreated()
	m.RunFinished("failed")
	m.Tick(false, 0)
	m.Tick(true, 2)
	m.Published()
	m.ObserveGeneration(1500*time.Millisecond, true)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "sitewright_runs_created_total 2")
	assert.Contains(t, string(body), `sitewright_run_outcomes_total{status="failed"} 1`)
	assert.Contains(t, string(body), `sitewright_ticks_total{result="skipped"} 1`)
	assert.Contains(t, string(body), "sitewright_tick_runs_processed_total 2")
	assert.Contains(t, string(body), "sitewright_publishes_total 1")
}
