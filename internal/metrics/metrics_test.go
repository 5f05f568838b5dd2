package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.StageRun("horizon_api_datasets", "ran")
	m.StageRecord("horizon_api_datasets", "done", 150*time.Millisecond)
	m.StageRecord("horizon_api_datasets", "done", 50*time.Millisecond)
	m.RecoveryAction("lineage", "reset_to_pending")
	m.SetCronHealthy("extracting_creator", false)
	m.AddWarehouseBytes(2048)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRuns.WithLabelValues("horizon_api_datasets", "ran")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StageRecords.WithLabelValues("horizon_api_datasets", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryActions.WithLabelValues("lineage", "reset_to_pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CronHealthy.WithLabelValues("extracting_creator")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.WarehouseBytes))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StageRun("s", "ran")
		m.StageRecord("s", "done", time.Second)
		m.RecoveryAction("lineage", "marked_failed")
		m.SetCronHealthy("s", true)
		m.AddWarehouseBytes(1)
		m.SearchRequest("fresh")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SearchRequest("created")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `lineage_search_requests_total{result="created"} 1`)
}
