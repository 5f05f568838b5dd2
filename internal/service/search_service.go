package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stellar-lineage/internal/adapter"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/metrics"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

// DefaultFreshness is how long a finished lineage is served without a
// re-inquiry
const DefaultFreshness = 12 * time.Hour

// Search outcomes, also used as metric labels
const (
	SearchCreated    = "created"
	SearchFresh      = "fresh"
	SearchReInquiry  = "re_inquiry"
	SearchInProgress = "in_progress"
	SearchTerminal   = "terminal"
)

// SearchResult is returned for every accepted search. Lineage holds the
// cached tree snapshot when one exists, possibly stale.
type SearchResult struct {
	Account       string              `json:"account"`
	Network       types.Network       `json:"network"`
	Status        types.LineageStatus `json:"status"`
	Outcome       string              `json:"outcome"`
	Stale         bool                `json:"stale"`
	Lineage       json.RawMessage     `json:"lineage,omitempty"`
	LastFetchedAt *time.Time          `json:"lastFetchedAt,omitempty"`
	LastError     string              `json:"lastError,omitempty"`
}

// SearchService accepts account searches and keeps the search cache
type SearchService struct {
	store     storage.SearchCacheStore
	validator *adapter.AddressValidator
	freshness time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewSearchService creates a new search service
func NewSearchService(store storage.SearchCacheStore, validator *adapter.AddressValidator, freshness time.Duration, m *metrics.Metrics) *SearchService {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if validator == nil {
		validator = adapter.NewAddressValidator()
	}
	return &SearchService{
		store:     store,
		validator: validator,
		freshness: freshness,
		metrics:   m,
		now:       time.Now,
	}
}

// Search records a search for address. New accounts are queued for the
// pipeline; a finished lineage older than the freshness window is flagged
// for re-inquiry and its stale snapshot is still returned.
func (s *SearchService) Search(ctx context.Context, address string, network types.Network) (*SearchResult, error) {
	if err := s.validator.ValidateStrict(address); err != nil {
		s.metrics.SearchRequest("rejected")
		return nil, err
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"account": address,
		"network": network,
	})

	se, err := s.store.GetSearchEntry(ctx, address, network)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load search entry: %w", err)
	}
	if se == nil {
		se = &models.SearchCacheEntry{
			AccountAddress: address,
			Network:        network,
			Status:         types.StatusPendingMakeParentLineage,
		}
		err := s.store.CreateSearchEntry(ctx, se)
		switch {
		case err == nil:
			logger.Info("New account search queued")
			return s.result(se, SearchCreated), nil
		case errors.Is(err, storage.ErrConflict):
			if se, err = s.store.GetSearchEntry(ctx, address, network); err != nil {
				return nil, fmt.Errorf("failed to load search entry after conflict: %w", err)
			}
		default:
			return nil, fmt.Errorf("failed to create search entry: %w", err)
		}
	}

	switch {
	case se.Status == types.StatusDoneMakeParentLineage:
		if s.isFresh(se) {
			return s.result(se, SearchFresh), nil
		}
		reInquiry := types.StatusReInquiry
		updated, err := s.store.UpdateSearchEntry(ctx, se.ID, se.Status, models.SearchCacheUpdate{Status: &reInquiry})
		if err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				return nil, fmt.Errorf("failed to flag re-inquiry: %w", err)
			}
			// someone else moved it first; serve what we read
			return s.result(se, SearchInProgress), nil
		}
		logger.Info("Stale lineage flagged for re-inquiry")
		return s.result(updated, SearchReInquiry), nil
	case se.Status.IsTerminal():
		return s.result(se, SearchTerminal), nil
	default:
		return s.result(se, SearchInProgress), nil
	}
}

func (s *SearchService) isFresh(se *models.SearchCacheEntry) bool {
	return se.LastFetchedAt != nil && s.now().Sub(*se.LastFetchedAt) < s.freshness
}

func (s *SearchService) result(se *models.SearchCacheEntry, outcome string) *SearchResult {
	s.metrics.SearchRequest(outcome)
	return &SearchResult{
		Account:       se.AccountAddress,
		Network:       se.Network,
		Status:        se.Status,
		Outcome:       outcome,
		Stale:         len(se.CachedPayload) > 0 && !s.isFresh(se),
		Lineage:       se.CachedPayload,
		LastFetchedAt: se.LastFetchedAt,
		LastError:     se.LastError,
	}
}
