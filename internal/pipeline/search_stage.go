package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellar-lineage/internal/adapter"
	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

// searchStage is stage 1: it turns searched accounts into root lineage
// entries
type searchStage struct {
	stage     types.Stage
	batchSize int
	cfg       Config
	deps      Deps
	validator *adapter.AddressValidator
	mirror    *lineage.Mirror
}

func (s *searchStage) Stage() types.Stage {
	return s.stage
}

// Run processes one batch of search entries
func (s *searchStage) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).WithField("stage", s.stage.Name)
	ctx = logging.WithLogger(ctx, logger)
	result := &RunResult{Stage: s.stage.Name}

	if !s.deps.Monitor.CheckCronHealth(ctx, s.stage.Name) {
		logger.Info("Stage is unhealthy, skipping run")
		s.deps.Metrics.StageRun(s.stage.Name, "skipped_unhealthy")
		result.Skipped = true
		return result, nil
	}

	entries, err := s.deps.Store.ListSearchEntriesByStatus(ctx, s.stage.Inputs, s.batchSize)
	if err != nil {
		s.deps.Metrics.StageRun(s.stage.Name, "error")
		return result, fmt.Errorf("failed to select search entries: %w", err)
	}
	result.Selected = len(entries)

	type claim struct {
		entry *models.SearchCacheEntry
		from  types.LineageStatus
	}
	claimed := make([]claim, 0, len(entries))
	for _, se := range entries {
		ok, err := s.deps.Store.ClaimSearchEntry(ctx, se.ID, se.Status, s.stage.InProgress)
		if err != nil {
			s.deps.Metrics.StageRun(s.stage.Name, "error")
			return result, fmt.Errorf("failed to claim search entry %s: %w", se.AccountAddress, err)
		}
		if !ok {
			result.LostClaims++
			s.deps.Metrics.StageRecord(s.stage.Name, outcomeLost, 0)
			continue
		}
		from := se.Status
		se.Status = s.stage.InProgress
		claimed = append(claimed, claim{entry: se, from: from})
	}
	result.Claimed = len(claimed)

	var (
		mu         sync.Mutex
		unexpected []error
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range claimed {
		c := c
		g.Go(func() error {
			outcome, err := s.process(ctx, c.entry, c.from == types.StatusReInquiry)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeDone:
				result.Done++
			case outcomeInvalid:
				result.Invalid++
			case outcomeTransient:
				result.Transient++
			case outcomeLost:
				result.LostClaims++
			default:
				result.Failed++
				unexpected = append(unexpected, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	s.deps.Metrics.StageRun(s.stage.Name, "ran")
	if result.Claimed > 0 {
		logger.WithFields(map[string]interface{}{
			"claimed":  result.Claimed,
			"done":     result.Done,
			"invalid":  result.Invalid,
			"failed":   result.Failed,
			"duration": result.Duration.String(),
		}).Info("Stage run completed")
	}
	return result, errors.Join(unexpected...)
}

func (s *searchStage) process(ctx context.Context, se *models.SearchCacheEntry, reInquiry bool) (outcome string, err error) {
	start := time.Now()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"account":   se.AccountAddress,
		"network":   se.Network,
		"reInquiry": reInquiry,
	})
	ctx = logging.WithLogger(ctx, logger)
	tags := map[string]string{
		"stage":   s.stage.Name,
		"account": se.AccountAddress,
		"network": string(se.Network),
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			s.deps.Sink.CapturePanic(ctx, rec, tags)
			logger.WithField("stack", string(debug.Stack())).Error("Recovered from panic in stage")
			outcome = outcomeFailed
			err = fmt.Errorf("%s %s: panic: %v", s.stage.Name, se.AccountAddress, rec)
		}
		s.deps.Metrics.StageRecord(s.stage.Name, outcome, time.Since(start))
	}()

	if err := s.validator.ValidateStrict(se.AccountAddress); err != nil {
		status := types.InvalidStatus(types.InvalidReasonHorizonAddress)
		msg := err.Error()
		if _, uerr := s.deps.Store.UpdateSearchEntry(ctx, se.ID, s.stage.InProgress, models.SearchCacheUpdate{
			Status:    &status,
			LastError: &msg,
		}); uerr != nil {
			return s.searchFailure(ctx, se, uerr, tags)
		}
		return outcomeInvalid, nil
	}

	e, err := s.resolveLineage(ctx, se, reInquiry)
	if err != nil {
		return s.searchFailure(ctx, se, err, tags)
	}

	if _, err := s.deps.Tracker.Initialize(ctx, se.AccountAddress, se.Network); err != nil {
		logger.WithError(err).Warn("Failed to initialize stage executions")
	}
	if err := s.deps.Tracker.Complete(ctx, se.AccountAddress, se.Network, s.stage, types.ExecutionDone, time.Since(start), nil); err != nil {
		logger.WithError(err).Warn("Failed to record stage completion")
	}

	if err := s.mirror.SyncFrom(ctx, se, e); err != nil {
		return s.searchFailure(ctx, se, err, tags)
	}
	return outcomeDone, nil
}

// resolveLineage returns the root lineage entry of a searched account,
// creating it when absent. A re-inquiry requeues a settled entry.
func (s *searchStage) resolveLineage(ctx context.Context, se *models.SearchCacheEntry, reInquiry bool) (*models.LineageEntry, error) {
	e, err := s.deps.Store.GetLineage(ctx, se.AccountAddress, se.Network)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load lineage: %w", err)
	}

	if e == nil {
		e = &models.LineageEntry{
			AccountAddress: se.AccountAddress,
			Network:        se.Network,
			RootAccount:    se.AccountAddress,
			Depth:          0,
			Status:         types.StatusPendingHorizonAPIDatasets,
			Tags:           []string{},
		}
		err := s.deps.Store.CreateLineage(ctx, e)
		if err == nil {
			logging.FromContext(ctx).Info("Root lineage entry created")
			return e, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("failed to create lineage: %w", err)
		}
		if e, err = s.deps.Store.GetLineage(ctx, se.AccountAddress, se.Network); err != nil {
			return nil, fmt.Errorf("failed to load lineage after conflict: %w", err)
		}
	}

	if reInquiry && e.Status.IsSettled() {
		pending := types.StatusPendingHorizonAPIDatasets
		zero := 0
		note := "re-inquiry of " + string(e.Status)
		requeued, err := s.deps.Store.UpdateLineage(ctx, e.ID, e.Status, models.LineageUpdate{
			Status:     &pending,
			RetryCount: &zero,
			LastError:  &note,
		})
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return s.deps.Store.GetLineage(ctx, se.AccountAddress, se.Network)
			}
			return nil, fmt.Errorf("failed to requeue lineage: %w", err)
		}
		logging.FromContext(ctx).WithField("previous", e.Status).Info("Lineage entry requeued by re-inquiry")
		return requeued, nil
	}
	return e, nil
}

// searchFailure leaves the search entry claimed for recovery
func (s *searchStage) searchFailure(ctx context.Context, se *models.SearchCacheEntry, cause error, tags map[string]string) (string, error) {
	outcome := outcomeTransient
	if !apperrors.IsTransient(cause) && !errors.Is(cause, storage.ErrConflict) {
		outcome = outcomeFailed
		s.deps.Sink.Capture(ctx, cause, tags)
	} else {
		logging.FromContext(ctx).WithError(cause).Warn("Transient failure, leaving search entry for recovery")
	}

	msg := cause.Error()
	if _, err := s.deps.Store.UpdateSearchEntry(ctx, se.ID, s.stage.InProgress, models.SearchCacheUpdate{LastError: &msg}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return outcomeLost, nil
		}
		logging.FromContext(ctx).WithField("storeError", err.Error()).Error("Failed to record last error")
	}
	if trackErr := s.deps.Tracker.Complete(ctx, se.AccountAddress, se.Network, s.stage, types.ExecutionFailed, 0, cause); trackErr != nil {
		logging.FromContext(ctx).WithError(trackErr).Warn("Failed to record stage completion")
	}
	if outcome == outcomeFailed {
		return outcome, fmt.Errorf("%s %s: %w", s.stage.Name, se.AccountAddress, cause)
	}
	return outcome, nil
}
