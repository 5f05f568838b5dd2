package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/tracker"
	"github.com/stellar-lineage/internal/types"
)

type lineageFixture struct {
	store *storage.MemoryStore
	mr    *miniredis.Miniredis
	svc   *LineageService
}

func newLineageFixture(t *testing.T) *lineageFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := storage.NewMemoryStore(1000)
	cache := storage.NewCacheService(storage.NewRedisCacheFromClient(client), time.Minute)
	svc := NewLineageService(store, lineage.NewBuilder(store, 0), tracker.New(store), cache)
	return &lineageFixture{store: store, mr: mr, svc: svc}
}

func (f *lineageFixture) add(t *testing.T, account, creator string, depth int, status types.LineageStatus) {
	t.Helper()
	e := &models.LineageEntry{
		AccountAddress: account,
		Network:        types.NetworkPublic,
		Depth:          depth,
		Status:         status,
	}
	if creator != "" {
		e.CreatorAddress = &creator
	}
	require.NoError(t, f.store.CreateLineage(context.Background(), e))
}

func TestLineageService_TreeIsCachedWhenComplete(t *testing.T) {
	f := newLineageFixture(t)
	a, b := testAddress(1), testAddress(2)
	f.add(t, a, b, 0, types.StatusDoneMakeParentLineage)
	f.add(t, b, "", 1, types.StatusDoneMakeGrandparentLineage)

	res, err := f.svc.GetTree(testContext(t), a, types.NetworkPublic)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.True(t, res.Tree.Complete)
	require.Len(t, res.Tree.Ancestors, 1)
	assert.True(t, f.mr.Exists(storage.TreeKey(a, types.NetworkPublic)))

	res, err = f.svc.GetTree(testContext(t), a, types.NetworkPublic)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, b, res.Tree.Ancestors[0].AccountAddress)
}

func TestLineageService_PartialTreeIsNotCached(t *testing.T) {
	f := newLineageFixture(t)
	a, b := testAddress(1), testAddress(2)
	f.add(t, a, b, 0, types.StatusDoneMakeParentLineage)
	f.add(t, b, "", 1, types.StatusInProgressHorizonAPIDatasets)

	res, err := f.svc.GetTree(testContext(t), a, types.NetworkPublic)
	require.NoError(t, err)
	assert.False(t, res.Tree.Complete)
	assert.False(t, f.mr.Exists(storage.TreeKey(a, types.NetworkPublic)))
}

func TestLineageService_NotFoundAndInvalid(t *testing.T) {
	f := newLineageFixture(t)

	_, err := f.svc.GetTree(testContext(t), testAddress(9), types.NetworkPublic)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)

	_, err = f.svc.GetLineage(testContext(t), testAddress(9), types.NetworkPublic)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)

	_, err = f.svc.GetLineage(testContext(t), "not-an-address", types.NetworkPublic)
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryValidation, apperrors.Categorize(err).Category)
}

func TestLineageService_CacheOutageFallsBackToStore(t *testing.T) {
	f := newLineageFixture(t)
	a := testAddress(1)
	f.add(t, a, "", 0, types.StatusDoneMakeParentLineage)
	f.mr.SetError("cache down")

	res, err := f.svc.GetTree(testContext(t), a, types.NetworkPublic)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, a, res.Tree.Account)
}

func TestLineageService_GetStages(t *testing.T) {
	f := newLineageFixture(t)
	a := testAddress(1)

	recs, err := f.svc.GetStages(testContext(t), a, types.NetworkPublic)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = tracker.New(f.store).Initialize(testContext(t), a, types.NetworkPublic)
	require.NoError(t, err)
	recs, err = f.svc.GetStages(testContext(t), a, types.NetworkPublic)
	require.NoError(t, err)
	assert.Len(t, recs, types.StageCount)
}

