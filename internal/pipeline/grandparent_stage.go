package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/tracker"
	"github.com/stellar-lineage/internal/types"
)

// Notes recorded in last_error when stage 8 stops widening
const (
	cycleNote    = "creator cycle detected"
	maxDepthNote = "max lineage depth reached"
)

// grandparentStage enqueues the creator of an entry as the next lineage
// entry and settles the entry
type grandparentStage struct {
	store    storage.Store
	tracker  *tracker.Tracker
	builder  *lineage.Builder
	maxDepth int
}

func (s *grandparentStage) prepare(context.Context, []*models.LineageEntry) enrichFunc {
	return s.enrich
}

func (s *grandparentStage) enrich(ctx context.Context, e *models.LineageEntry) (models.LineageUpdate, error) {
	final := types.FinalStatusForDepth(e.Depth)
	u := models.LineageUpdate{Status: &final}
	logger := logging.FromContext(ctx)

	if e.HasCreator() {
		note, err := s.widen(ctx, e)
		if err != nil {
			return models.LineageUpdate{}, err
		}
		if note != "" {
			u.LastError = &note
			logger.WithField("creator", e.Creator()).Info(note)
		}
		if err := s.linkChild(ctx, e); err != nil {
			return models.LineageUpdate{}, err
		}
	}
	return u, nil
}

// widen creates the creator entry unless it exists, closes a cycle or sits
// past the depth bound. The returned note explains a refusal.
func (s *grandparentStage) widen(ctx context.Context, e *models.LineageEntry) (string, error) {
	creator := e.Creator()

	path, err := s.builder.AncestorPath(ctx, e.RootAccount, e.AccountAddress, e.Network)
	if err != nil {
		return "", err
	}
	if slices.Contains(path, creator) || creator == e.AccountAddress {
		return cycleNote, nil
	}
	if e.Depth >= s.maxDepth {
		return maxDepthNote, nil
	}

	parent := &models.LineageEntry{
		AccountAddress: creator,
		Network:        e.Network,
		RootAccount:    e.RootAccount,
		Depth:          e.Depth + 1,
		Status:         types.StatusPendingHorizonAPIDatasets,
		Tags:           []string{},
	}
	if err := s.store.CreateLineage(ctx, parent); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return "", nil
		}
		return "", fmt.Errorf("failed to enqueue creator %s: %w", creator, err)
	}
	if _, err := s.tracker.Initialize(ctx, creator, e.Network); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to initialize creator stage executions")
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"creator": creator,
		"depth":   parent.Depth,
	}).Info("Creator enqueued")
	return "", nil
}

// linkChild records e in the children list of its creator entry
func (s *grandparentStage) linkChild(ctx context.Context, e *models.LineageEntry) error {
	parent, err := s.store.GetLineage(ctx, e.Creator(), e.Network)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load creator entry: %w", err)
	}

	if _, err := s.store.AppendLineageChild(ctx, parent.ID, e.AccountAddress); err != nil {
		return fmt.Errorf("failed to link child to creator: %w", err)
	}
	return nil
}
