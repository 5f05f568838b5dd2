package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/stellar-lineage/internal/adapter"
	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/tracker"
	"github.com/stellar-lineage/internal/types"
)

// TreeCache is the subset of storage.CacheService the lineage service uses
type TreeCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// TreeResult wraps a tree with where it came from
type TreeResult struct {
	Tree   *models.LineageTree `json:"tree"`
	Cached bool                `json:"cached"`
}

// LineageService serves read-only lineage views
type LineageService struct {
	store     storage.LineageStore
	builder   *lineage.Builder
	tracker   *tracker.Tracker
	cache     TreeCache
	validator *adapter.AddressValidator
	group     singleflight.Group
}

// NewLineageService creates a new lineage service. cache may be nil.
func NewLineageService(store storage.LineageStore, builder *lineage.Builder, tr *tracker.Tracker, cache TreeCache) *LineageService {
	return &LineageService{
		store:     store,
		builder:   builder,
		tracker:   tr,
		cache:     cache,
		validator: adapter.NewAddressValidator(),
	}
}

// GetLineage returns the lineage entry of an account
func (s *LineageService) GetLineage(ctx context.Context, account string, network types.Network) (*models.LineageEntry, error) {
	if err := s.validator.ValidateStrict(account); err != nil {
		return nil, err
	}
	e, err := s.store.GetLineage(ctx, account, network)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("lineage", account)
		}
		return nil, apperrors.NewDatabaseError("get lineage", err)
	}
	return e, nil
}

// GetTree returns the ancestor chain and direct descendants of an account.
// Only complete trees are cached; partial ones change as the pipeline runs.
func (s *LineageService) GetTree(ctx context.Context, account string, network types.Network) (*TreeResult, error) {
	if err := s.validator.ValidateStrict(account); err != nil {
		return nil, err
	}
	key := storage.TreeKey(account, network)
	logger := logging.FromContext(ctx).WithField("cacheKey", key)

	if s.cache != nil {
		var tree models.LineageTree
		hit, err := s.cache.Get(ctx, key, &tree)
		if err != nil {
			logger.WithError(err).Warn("Tree cache read failed")
		}
		if hit {
			return &TreeResult{Tree: &tree, Cached: true}, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.builder.Tree(ctx, account, network)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("lineage", account)
		}
		return nil, fmt.Errorf("failed to build lineage tree: %w", err)
	}
	tree := v.(*models.LineageTree)

	if s.cache != nil && tree.Complete {
		if err := s.cache.Set(ctx, key, tree); err != nil {
			logger.WithError(err).Warn("Tree cache write failed")
		}
	}
	return &TreeResult{Tree: tree}, nil
}

// GetStages returns the stage execution records of an account, newest first
func (s *LineageService) GetStages(ctx context.Context, account string, network types.Network) ([]*models.StageExecutionRecord, error) {
	if err := s.validator.ValidateStrict(account); err != nil {
		return nil, err
	}
	recs, err := s.tracker.List(ctx, account, network)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list stage executions", err)
	}
	if recs == nil {
		recs = []*models.StageExecutionRecord{}
	}
	return recs, nil
}
