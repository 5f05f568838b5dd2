package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar-lineage/internal/circuitbreaker"
)

func TestStatusHandler(t *testing.T) {
	s := NewScheduler(nil, false)
	require.NoError(t, s.Register(Job{Name: "a", Interval: time.Second, Run: func(context.Context) error { return nil }}))

	breakers := circuitbreaker.NewManager()
	breakers.GetOrCreate("horizon", nil)

	rec := httptest.NewRecorder()
	StatusHandler(s, breakers).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, "a", report.Jobs[0].Name)
	require.Contains(t, report.Breakers, "horizon")
	assert.Equal(t, circuitbreaker.StateClosed, report.Breakers["horizon"].State)
}

func TestStatusHandler_NoBreakers(t *testing.T) {
	s := NewScheduler(nil, false)

	rec := httptest.NewRecorder()
	StatusHandler(s, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	var report StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Empty(t, report.Jobs)
	assert.Empty(t, report.Breakers)
}
