package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/types"
)

func newTestMemoryStore(t *testing.T) (*MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(testHVA)
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func TestMemoryStore_LineageCRUD(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(t)

	e := &models.LineageEntry{
		AccountAddress: testAccount,
		Network:        types.NetworkPublic,
		Status:         types.StatusPendingHorizonAPIDatasets,
	}
	require.NoError(t, s.CreateLineage(ctx, e))
	assert.NotEmpty(t, e.ID)

	err := s.CreateLineage(ctx, &models.LineageEntry{AccountAddress: testAccount, Network: types.NetworkPublic})
	assert.ErrorIs(t, err, ErrConflict)

	// same address on the other network is a different key
	require.NoError(t, s.CreateLineage(ctx, &models.LineageEntry{AccountAddress: testAccount, Network: types.NetworkTestnet}))

	got, err := s.GetLineage(ctx, testAccount, types.NetworkPublic)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	got.Status = types.StatusFailed
	again, err := s.GetLineageByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingHorizonAPIDatasets, again.Status, "reads return copies")

	_, err = s.GetLineage(ctx, testCreator, types.NetworkPublic)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ClaimLineage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(t)

	e := &models.LineageEntry{AccountAddress: testAccount, Network: types.NetworkPublic, Status: types.StatusPendingHorizonAPIDatasets}
	require.NoError(t, s.CreateLineage(ctx, e))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimLineage(ctx, e.ID, types.StatusPendingHorizonAPIDatasets, types.StatusInProgressHorizonAPIDatasets)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStore_UpdateLineage_IfStatus(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(t)

	e := &models.LineageEntry{AccountAddress: testAccount, Network: types.NetworkPublic, Status: types.StatusFailed}
	require.NoError(t, s.CreateLineage(ctx, e))

	status := types.StatusDoneHorizonAPIDatasets
	_, err := s.UpdateLineage(ctx, e.ID, types.StatusInProgressHorizonAPIDatasets, models.LineageUpdate{Status: &status})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.UpdateLineage(ctx, "missing", "", models.LineageUpdate{Status: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListLineageByStatus_OldestFirst(t *testing.T) {
	ctx := context.Background()
	s, now := newTestMemoryStore(t)

	accounts := []string{testAccount, testCreator, "GCEZWKCA5VLDNRLN3RPRJMRZOX3Z6G5CHCGSNFHEYVXM3XOJMDS674JZ"}
	for _, acct := range accounts {
		require.NoError(t, s.CreateLineage(ctx, &models.LineageEntry{
			AccountAddress: acct,
			Network:        types.NetworkPublic,
			Status:         types.StatusDoneHorizonAPIDatasets,
		}))
		*now = now.Add(time.Minute)
	}

	out, err := s.ListLineageByStatus(ctx, []types.LineageStatus{types.StatusDoneHorizonAPIDatasets}, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, accounts[0], out[0].AccountAddress)
	assert.Equal(t, accounts[1], out[1].AccountAddress)

	all, err := s.ListLineageByStatus(ctx, []types.LineageStatus{types.StatusDoneHorizonAPIDatasets}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryStore_ListLineageByCreator(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(t)

	creator := testCreator
	require.NoError(t, s.CreateLineage(ctx, &models.LineageEntry{AccountAddress: testAccount, Network: types.NetworkPublic, CreatorAddress: &creator}))
	require.NoError(t, s.CreateLineage(ctx, &models.LineageEntry{AccountAddress: testCreator, Network: types.NetworkPublic}))

	children, err := s.ListLineageByCreator(ctx, testCreator, types.NetworkPublic)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, testAccount, children[0].AccountAddress)
}

func TestMemoryStore_AppendLineageChild_ConcurrentSiblings(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(t)

	parent := &models.LineageEntry{AccountAddress: testCreator, Network: types.NetworkPublic, Depth: 1}
	require.NoError(t, s.CreateLineage(ctx, parent))

	const siblings = 30
	var wg sync.WaitGroup
	for i := 0; i < siblings; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			added, err := s.AppendLineageChild(ctx, parent.ID, fmt.Sprintf("G%055d", i))
			assert.NoError(t, err)
			assert.True(t, added)
		}(i)
	}
	wg.Wait()

	got, err := s.GetLineageByID(ctx, parent.ID)
	require.NoError(t, err)
	var children []string
	require.NoError(t, json.Unmarshal(got.ChildrenRaw, &children))
	assert.Len(t, children, siblings)

	added, err := s.AppendLineageChild(ctx, parent.ID, children[0])
	require.NoError(t, err)
	assert.False(t, added)

	_, err = s.AppendLineageChild(ctx, "missing", testAccount)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_StageExecutions(t *testing.T) {
	ctx := context.Background()
	s, now := newTestMemoryStore(t)

	created, err := s.InitStageExecutions(ctx, testAccount, types.NetworkPublic)
	require.NoError(t, err)
	assert.Equal(t, types.StageCount, created)

	created, err = s.InitStageExecutions(ctx, testAccount, types.NetworkPublic)
	require.NoError(t, err)
	assert.Zero(t, created, "initialization is idempotent")

	*now = now.Add(time.Second)
	rec, err := s.GetLatestStageExecution(ctx, testAccount, types.NetworkPublic, 2)
	require.NoError(t, err)
	rec.Status = types.ExecutionDone
	rec.DurationMs = 42
	require.NoError(t, s.UpdateStageExecution(ctx, rec))

	*now = now.Add(time.Second)
	require.NoError(t, s.CreateStageExecution(ctx, &models.StageExecutionRecord{
		AccountAddress: testAccount,
		Network:        types.NetworkPublic,
		StageNumber:    2,
		StageName:      types.StageHorizonAPIDatasets,
		Status:         types.ExecutionReset,
	}))

	list, err := s.ListStageExecutions(ctx, testAccount, types.NetworkPublic)
	require.NoError(t, err)
	require.Len(t, list, types.StageCount+1)
	assert.Equal(t, types.ExecutionReset, list[0].Status, "newest first")
	assert.Equal(t, 2, list[1].StageNumber, "then most recently updated")

	latest, err := s.GetLatestStageExecution(ctx, testAccount, types.NetworkPublic, 2)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionReset, latest.Status)
}

func TestMemoryStore_CronHealth(t *testing.T) {
	ctx := context.Background()
	s, now := newTestMemoryStore(t)

	_, err := s.LatestCronHealth(ctx, types.StageHorizonAPIDatasets)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AppendCronHealth(ctx, &models.CronHealthRecord{StageName: types.StageHorizonAPIDatasets, Status: types.Unhealthy(types.HealthReasonTimeout)}))
	*now = now.Add(time.Minute)
	require.NoError(t, s.AppendCronHealth(ctx, &models.CronHealthRecord{StageName: types.StageHorizonAPIDatasets, Status: types.Healthy()}))
	require.NoError(t, s.AppendCronHealth(ctx, &models.CronHealthRecord{StageName: types.StageUpdatingFromDirectory, Status: types.Unhealthy(types.HealthReasonRateLimited)}))

	latest, err := s.LatestCronHealth(ctx, types.StageHorizonAPIDatasets)
	require.NoError(t, err)
	assert.True(t, latest.Status.IsHealthy())

	all, err := s.ListLatestCronHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, types.StageHorizonAPIDatasets, all[0].StageName)
	assert.False(t, all[1].Status.IsHealthy())
}

func TestMemoryStore_HighValueInvariant(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("HVA tag and flag follow balance on every write", prop.ForAll(
		func(initial, updated float64, extraTags []string) bool {
			ctx := context.Background()
			s := NewMemoryStore(testHVA)

			e := &models.LineageEntry{
				AccountAddress: testAccount,
				Network:        types.NetworkPublic,
				Balance:        initial,
				Tags:           append(extraTags, types.TagHighValue),
			}
			if err := s.CreateLineage(ctx, e); err != nil {
				return false
			}
			got, err := s.GetLineageByID(ctx, e.ID)
			if err != nil || !highValueConsistent(got) {
				return false
			}

			after, err := s.UpdateLineage(ctx, e.ID, "", models.LineageUpdate{Balance: &updated})
			if err != nil {
				return false
			}
			return highValueConsistent(after)
		},
		gen.Float64Range(0, 3*testHVA),
		gen.Float64Range(0, 3*testHVA),
		gen.SliceOf(gen.OneConstOf("exchange", "anchor", "", types.TagHighValue)),
	))

	properties.TestingRun(t)
}

func highValueConsistent(e *models.LineageEntry) bool {
	hasTag := false
	for _, tag := range e.Tags {
		if tag == types.TagHighValue {
			if hasTag {
				return false
			}
			hasTag = true
		}
	}
	return e.IsHighValue == (e.Balance >= testHVA) && hasTag == e.IsHighValue
}
