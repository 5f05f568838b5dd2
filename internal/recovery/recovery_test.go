package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/metrics"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/tracker"
	"github.com/stellar-lineage/internal/types"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *storage.MemoryStore
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	svc     *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(1000)
	store.SetClock(func() time.Time { return epoch })
	tr := tracker.New(store)
	m := metrics.New()
	svc := NewService(store, tr, lineage.NewMirror(store, lineage.NewBuilder(store, 0)), m, opts)
	return &fixture{store: store, tracker: tr, metrics: m, svc: svc}
}

func (f *fixture) at(d time.Duration) {
	f.svc.now = func() time.Time { return epoch.Add(d) }
}

func (f *fixture) lineage(t *testing.T, account string, status types.LineageStatus, retries int) *models.LineageEntry {
	t.Helper()
	e := &models.LineageEntry{
		AccountAddress: account,
		Network:        types.NetworkPublic,
		Status:         status,
		RetryCount:     retries,
	}
	require.NoError(t, f.store.CreateLineage(context.Background(), e))
	return e
}

func (f *fixture) get(t *testing.T, account string) *models.LineageEntry {
	t.Helper()
	e, err := f.store.GetLineage(testContext(t), account, types.NetworkPublic)
	require.NoError(t, err)
	return e
}

func TestSweep_ResetsStuckInProgress(t *testing.T) {
	f := newFixture(t, Options{})
	f.lineage(t, "A", types.StatusInProgressUpdatingFromRawData, 0)
	f.at(10 * time.Minute)

	sum, err := f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Detected)
	assert.Equal(t, 1, sum.Reset)
	require.Len(t, sum.Details, 1)
	assert.Equal(t, ActionReset, sum.Details[0].Action)
	assert.Equal(t, KindLineage, sum.Details[0].Kind)
	assert.Equal(t, 1, sum.Details[0].RetryCount)

	e := f.get(t, "A")
	assert.Equal(t, types.StatusDoneHorizonAPIDatasets, e.Status, "reset to the stage input")
	assert.Equal(t, 1, e.RetryCount)
	assert.Contains(t, e.LastError, "recovery: reset from IN_PROGRESS_UPDATING_FROM_RAW_DATA")

	recs, err := f.tracker.List(testContext(t), "A", types.NetworkPublic)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.ExecutionReset, recs[0].Status)
	assert.Equal(t, 3, recs[0].StageNumber)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RecoveryActions.WithLabelValues("lineage", "reset_to_pending")))
}

func TestSweep_MarksFailedAfterMaxRetries(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 3})
	e := f.lineage(t, "A", types.StatusInProgressHorizonAPIDatasets, 3)
	last := "horizon timeout"
	_, err := f.store.UpdateLineage(testContext(t), e.ID, "", models.LineageUpdate{LastError: &last})
	require.NoError(t, err)
	f.at(time.Hour)

	sum, err := f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	got := f.get(t, "A")
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount, "retry count unchanged")
	assert.Contains(t, got.LastError, "horizon timeout | recovery: stuck in")

	// failed rows are never selected again
	f.at(48 * time.Hour)
	sum, err = f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)
	assert.Zero(t, sum.Detected)
}

func TestSweep_SkipsFreshAndSettledEntries(t *testing.T) {
	f := newFixture(t, Options{})
	f.lineage(t, "fresh", types.StatusInProgressHorizonAPIDatasets, 0)
	f.lineage(t, "done", types.StatusDoneMakeParentLineage, 0)
	f.lineage(t, "invalid", types.InvalidStatus(types.InvalidReasonHorizonAddress), 0)
	f.lineage(t, "failed", types.StatusFailed, 5)
	f.lineage(t, "between", types.StatusDoneUpdatingFromRawData, 0)
	f.at(4 * time.Minute)

	sum, err := f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)
	assert.Zero(t, sum.Detected)

	f.at(24 * time.Hour)
	sum, err = f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Detected)
	assert.Equal(t, "fresh", sum.Details[0].Account)
}

func TestSweep_PerStatusThreshold(t *testing.T) {
	f := newFixture(t, Options{
		DefaultThreshold: time.Minute,
		Thresholds: map[types.LineageStatus]time.Duration{
			types.StatusInProgressExtractingCreator: time.Hour,
		},
	})
	f.lineage(t, "A", types.StatusInProgressExtractingCreator, 0)
	f.lineage(t, "B", types.StatusInProgressUpdatingFlags, 0)
	f.at(30 * time.Minute)

	sum, err := f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)
	require.Len(t, sum.Details, 1)
	assert.Equal(t, "B", sum.Details[0].Account)
	assert.Equal(t, "1h0m0s", f.svc.opts.Threshold(types.StatusInProgressExtractingCreator).String())
}

func TestSweep_DryRunWritesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.lineage(t, "A", types.StatusInProgressHorizonAPIDatasets, 0)
	f.at(time.Hour)

	sum, err := f.svc.Sweep(testContext(t), true)
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 1, sum.Reset)
	assert.Equal(t, types.StatusInProgressHorizonAPIDatasets, f.get(t, "A").Status)
	assert.Zero(t, testutil.ToFloat64(f.metrics.RecoveryActions.WithLabelValues("lineage", "reset_to_pending")))
}

func TestSweep_RecoversSearchEntriesOwnedByStageOne(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.CreateSearchEntry(testContext(t), &models.SearchCacheEntry{
		AccountAddress: "A", Network: types.NetworkPublic, Status: types.StatusInProgressMakeParentLineage,
	}))
	require.NoError(t, f.store.CreateSearchEntry(testContext(t), &models.SearchCacheEntry{
		AccountAddress: "B", Network: types.NetworkPublic, Status: types.StatusInProgressHorizonAPIDatasets,
	}))
	f.at(time.Hour)

	sum, err := f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Detected)
	assert.Equal(t, KindSearch, sum.Details[0].Kind)

	se, err := f.store.GetSearchEntry(testContext(t), "A", types.NetworkPublic)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingMakeParentLineage, se.Status)
	assert.Equal(t, 1, se.RetryCount)
}

func TestSweep_MirrorsResetToSearchEntry(t *testing.T) {
	f := newFixture(t, Options{})
	f.lineage(t, "A", types.StatusInProgressUpdatingFromDirectory, 0)
	require.NoError(t, f.store.CreateSearchEntry(testContext(t), &models.SearchCacheEntry{
		AccountAddress: "A", Network: types.NetworkPublic, Status: types.StatusInProgressUpdatingFromDirectory,
	}))
	f.at(time.Hour)

	_, err := f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)

	se, err := f.store.GetSearchEntry(testContext(t), "A", types.NetworkPublic)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDoneUpdatingFlags, se.Status)
}

func TestRequeue(t *testing.T) {
	f := newFixture(t, Options{})
	f.lineage(t, "A", types.StatusFailed, 3)
	require.NoError(t, f.store.CreateSearchEntry(testContext(t), &models.SearchCacheEntry{
		AccountAddress: "A", Network: types.NetworkPublic, Status: types.StatusFailed,
	}))

	res, err := f.svc.Requeue(testContext(t), "A", types.NetworkPublic)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, res.Previous)
	assert.Equal(t, types.StatusPendingHorizonAPIDatasets, res.Status)

	e := f.get(t, "A")
	assert.Equal(t, types.StatusPendingHorizonAPIDatasets, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.Equal(t, "requeued from FAILED", e.LastError)

	se, err := f.store.GetSearchEntry(testContext(t), "A", types.NetworkPublic)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingHorizonAPIDatasets, se.Status)
}

func TestRequeue_RefusesInFlightEntries(t *testing.T) {
	f := newFixture(t, Options{})
	f.lineage(t, "A", types.StatusInProgressHorizonAPIDatasets, 0)

	_, err := f.svc.Requeue(testContext(t), "A", types.NetworkPublic)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryConflict, apperrors.Categorize(err).Category)
}

func TestRequeue_SearchEntryWithoutLineage(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.CreateSearchEntry(testContext(t), &models.SearchCacheEntry{
		AccountAddress: "A", Network: types.NetworkPublic, Status: types.InvalidStatus(types.InvalidReasonHorizonAddress),
	}))

	res, err := f.svc.Requeue(testContext(t), "A", types.NetworkPublic)
	require.NoError(t, err)
	assert.Equal(t, KindSearch, res.Kind)
	assert.Equal(t, types.StatusPendingMakeParentLineage, res.Status)

	_, err = f.svc.Requeue(testContext(t), "missing", types.NetworkPublic)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)
}

func TestSweep_ResetsStuckPendingInPlace(t *testing.T) {
	f := newFixture(t, Options{})
	f.lineage(t, "A", types.StatusPendingHorizonAPIDatasets, 1)
	f.at(10 * time.Minute)

	sum, err := f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)
	require.Len(t, sum.Details, 1)
	assert.Equal(t, ActionReset, sum.Details[0].Action)
	assert.Equal(t, 1, sum.Reset)

	e := f.get(t, "A")
	assert.Equal(t, types.StatusPendingHorizonAPIDatasets, e.Status)
	assert.Equal(t, 2, e.RetryCount)
}

// flakyStore fails writes for selected accounts
type flakyStore struct {
	*storage.MemoryStore
	failLineage string
	failSearch  string
}

func (s *flakyStore) UpdateLineage(ctx context.Context, id string, ifStatus types.LineageStatus, u models.LineageUpdate) (*models.LineageEntry, error) {
	e, err := s.MemoryStore.GetLineageByID(ctx, id)
	if err == nil && e.AccountAddress == s.failLineage {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemoryStore.UpdateLineage(ctx, id, ifStatus, u)
}

func (s *flakyStore) UpdateSearchEntry(ctx context.Context, id string, ifStatus types.LineageStatus, u models.SearchCacheUpdate) (*models.SearchCacheEntry, error) {
	e, err := s.MemoryStore.GetSearchEntry(ctx, s.failSearch, types.NetworkPublic)
	if err == nil && e.ID == id {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemoryStore.UpdateSearchEntry(ctx, id, ifStatus, u)
}

func TestSweep_EntryErrorIsCountedAndSweepContinues(t *testing.T) {
	f := newFixture(t, Options{})
	store := &flakyStore{MemoryStore: f.store, failLineage: "B", failSearch: "S"}
	f.svc = NewService(store, f.tracker, lineage.NewMirror(store, lineage.NewBuilder(store, 0)), f.metrics, Options{})

	f.lineage(t, "A", types.StatusInProgressHorizonAPIDatasets, 0)
	f.lineage(t, "B", types.StatusInProgressHorizonAPIDatasets, 0)
	f.lineage(t, "C", types.StatusInProgressHorizonAPIDatasets, 0)
	require.NoError(t, f.store.CreateSearchEntry(testContext(t), &models.SearchCacheEntry{
		AccountAddress: "S",
		Network:        types.NetworkPublic,
		Status:         types.StatusInProgressMakeParentLineage,
	}))
	f.at(10 * time.Minute)

	sum, err := f.svc.Sweep(testContext(t), false)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Detected)
	assert.Equal(t, 2, sum.Errors)
	assert.Equal(t, 2, sum.Reset)

	byAccount := map[string]Detail{}
	for _, d := range sum.Details {
		byAccount[d.Account] = d
	}
	assert.Contains(t, byAccount["B"].Error, "connection reset by peer")
	assert.Contains(t, byAccount["S"].Error, "connection reset by peer")
	assert.Empty(t, byAccount["A"].Error)

	assert.Equal(t, types.StatusPendingHorizonAPIDatasets, f.get(t, "A").Status)
	assert.Equal(t, types.StatusInProgressHorizonAPIDatasets, f.get(t, "B").Status)
	assert.Equal(t, types.StatusPendingHorizonAPIDatasets, f.get(t, "C").Status)
}
