package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar-lineage/internal/metrics"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

func newTestMonitor(t *testing.T) (*Monitor, *time.Time, *metrics.Metrics) {
	t.Helper()
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	m := metrics.New()
	mon := NewMonitor(storage.NewMemoryStore(100000), 0, m)
	mon.now = func() time.Time { return now }
	return mon, &now, m
}

func TestCheckCronHealth_NoHistoryIsHealthy(t *testing.T) {
	mon, _, _ := newTestMonitor(t)
	assert.True(t, mon.CheckCronHealth(testContext(t), types.StageExtractingCreator))
}

func TestMarkUnhealthy_BlocksStage(t *testing.T) {
	mon, _, m := newTestMonitor(t)
	ctx := testContext(t)

	require.NoError(t, mon.MarkUnhealthy(ctx, types.StageExtractingCreator, types.HealthReasonRateLimited))
	assert.False(t, mon.CheckCronHealth(ctx, types.StageExtractingCreator))
	assert.True(t, mon.CheckCronHealth(ctx, types.StageHorizonAPIDatasets), "other stages are unaffected")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CronHealthy.WithLabelValues(types.StageExtractingCreator)))

	require.NoError(t, mon.MarkHealthy(ctx, types.StageExtractingCreator, "operator"))
	assert.True(t, mon.CheckCronHealth(ctx, types.StageExtractingCreator))
}

func TestMarkUnhealthy_DoesNotExtendBuffer(t *testing.T) {
	mon, now, _ := newTestMonitor(t)
	ctx := testContext(t)
	first := *now

	require.NoError(t, mon.MarkUnhealthy(ctx, types.StageHorizonAPIDatasets, types.HealthReasonTimeout))
	*now = now.Add(time.Hour)
	require.NoError(t, mon.MarkUnhealthy(ctx, types.StageHorizonAPIDatasets, types.HealthReasonRateLimited))

	report, err := mon.Report(ctx)
	require.NoError(t, err)
	h := report[1]
	assert.Equal(t, types.StageHorizonAPIDatasets, h.StageName)
	assert.Equal(t, "UNHEALTHY_TIMEOUT", h.Status.String())
	require.NotNil(t, h.Since)
	assert.Equal(t, first, *h.Since)
}

func TestSweep_ResetsAfterBuffer(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		wantReset bool
	}{
		{"two hours old is reset", 2 * time.Hour, true},
		{"one hour old stays blocked", time.Hour, false},
		{"exactly the buffer is reset", DefaultBuffer, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon, now, _ := newTestMonitor(t)
			ctx := testContext(t)

			require.NoError(t, mon.MarkUnhealthy(ctx, types.StageExtractingCreator, types.HealthReasonRateLimited))
			*now = now.Add(tt.age)

			reset, err := mon.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReset, mon.CheckCronHealth(ctx, types.StageExtractingCreator))
			if tt.wantReset {
				assert.Equal(t, []string{types.StageExtractingCreator}, reset)
				report, err := mon.Report(ctx)
				require.NoError(t, err)
				assert.Equal(t, ReasonBufferReset, report[6].Reason)
			} else {
				assert.Empty(t, reset)
			}
		})
	}
}

func TestSweep_IgnoresHealthyStages(t *testing.T) {
	mon, now, _ := newTestMonitor(t)
	ctx := testContext(t)

	require.NoError(t, mon.MarkHealthy(ctx, types.StageUpdatingFromDirectory, "deploy"))
	*now = now.Add(24 * time.Hour)

	reset, err := mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, reset)
}

func TestReport_ListsEveryStage(t *testing.T) {
	mon, _, _ := newTestMonitor(t)

	report, err := mon.Report(testContext(t))
	require.NoError(t, err)
	require.Len(t, report, types.StageCount)
	for i, h := range report {
		assert.Equal(t, types.Stages()[i].Name, h.StageName)
		assert.True(t, h.Status.IsHealthy())
		assert.Nil(t, h.Since)
	}
}
