package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

// Record outcomes
const (
	outcomeDone      = "done"
	outcomeInvalid   = "invalid"
	outcomeTransient = "transient"
	outcomeFailed    = "failed"
	outcomeLost      = "lost_claim"
)

// enrichFunc computes a stage's update for one claimed entry. The runner
// sets the DONE status unless the update carries its own.
type enrichFunc func(ctx context.Context, e *models.LineageEntry) (models.LineageUpdate, error)

// stageHandler is the per-stage part of a lineage processor. prepare runs
// once per claimed batch.
type stageHandler interface {
	prepare(ctx context.Context, entries []*models.LineageEntry) enrichFunc
}

// lineageRunner drives stages 2 to 8
type lineageRunner struct {
	stage     types.Stage
	batchSize int
	cfg       Config
	deps      Deps
	mirror    *lineage.Mirror
	handler   stageHandler
}

func (r *lineageRunner) Stage() types.Stage {
	return r.stage
}

// Run processes one batch
func (r *lineageRunner) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).WithField("stage", r.stage.Name)
	ctx = logging.WithLogger(ctx, logger)
	result := &RunResult{Stage: r.stage.Name}

	if !r.deps.Monitor.CheckCronHealth(ctx, r.stage.Name) {
		logger.Info("Stage is unhealthy, skipping run")
		r.deps.Metrics.StageRun(r.stage.Name, "skipped_unhealthy")
		result.Skipped = true
		return result, nil
	}

	entries, err := r.deps.Store.ListLineageByStatus(ctx, r.stage.Inputs, r.batchSize)
	if err != nil {
		r.deps.Metrics.StageRun(r.stage.Name, "error")
		return result, fmt.Errorf("failed to select %s input: %w", r.stage.Name, err)
	}
	result.Selected = len(entries)

	claimed := make([]*models.LineageEntry, 0, len(entries))
	for _, e := range entries {
		ok, err := r.deps.Store.ClaimLineage(ctx, e.ID, e.Status, r.stage.InProgress)
		if err != nil {
			r.deps.Metrics.StageRun(r.stage.Name, "error")
			return result, fmt.Errorf("failed to claim %s: %w", e.AccountAddress, err)
		}
		if !ok {
			result.LostClaims++
			r.deps.Metrics.StageRecord(r.stage.Name, outcomeLost, 0)
			continue
		}
		e.Status = r.stage.InProgress
		claimed = append(claimed, e)
	}
	result.Claimed = len(claimed)
	if len(claimed) == 0 {
		r.deps.Metrics.StageRun(r.stage.Name, "ran")
		result.Duration = time.Since(start)
		return result, nil
	}

	enrich := r.handler.prepare(ctx, claimed)

	var (
		mu         sync.Mutex
		unexpected []error
	)
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, e := range claimed {
		e := e
		g.Go(func() error {
			outcome, err := r.process(ctx, e, enrich)
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
			// siblings keep running whatever this record did
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	r.deps.Metrics.StageRun(r.stage.Name, "ran")
	logger.WithFields(map[string]interface{}{
		"claimed":   result.Claimed,
		"done":      result.Done,
		"invalid":   result.Invalid,
		"transient": result.Transient,
		"failed":    result.Failed,
		"duration":  result.Duration.String(),
	}).Info("Stage run completed")

	return result, errors.Join(unexpected...)
}

// process enriches one claimed entry and writes the outcome
func (r *lineageRunner) process(ctx context.Context, e *models.LineageEntry, enrich enrichFunc) (string, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"account": e.AccountAddress,
		"network": e.Network,
	})
	ctx = logging.WithLogger(ctx, logger)

	if _, err := r.deps.Tracker.Start(ctx, e.AccountAddress, e.Network, r.stage); err != nil {
		logger.WithError(err).Warn("Failed to record stage start")
	}

	u, err := r.enrichSafely(ctx, e, enrich)
	elapsed := time.Since(start)

	var outcome string
	switch {
	case err == nil:
		outcome = r.writeDone(ctx, e, u)
	case apperrors.IsInvalid(err):
		outcome = r.writeInvalid(ctx, e, err)
	case apperrors.IsTransient(err):
		outcome = r.writeError(ctx, e, err, outcomeTransient)
	default:
		outcome = r.writeError(ctx, e, err, outcomeFailed)
	}

	r.deps.Metrics.StageRecord(r.stage.Name, outcome, elapsed)
	if trackErr := r.deps.Tracker.Complete(ctx, e.AccountAddress, e.Network, r.stage, executionStatus(outcome), elapsed, err); trackErr != nil {
		logger.WithError(trackErr).Warn("Failed to record stage completion")
	}

	if outcome == outcomeFailed {
		return outcome, fmt.Errorf("%s %s: %w", r.stage.Name, e.AccountAddress, err)
	}
	return outcome, nil
}

func (r *lineageRunner) enrichSafely(ctx context.Context, e *models.LineageEntry, enrich enrichFunc) (u models.LineageUpdate, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Sink.CapturePanic(ctx, rec, r.tags(e))
			logging.FromContext(ctx).WithField("stack", string(debug.Stack())).Error("Recovered from panic in stage")
			err = apperrors.NewInternalError(fmt.Sprintf("panic: %v", rec), nil)
		}
	}()

	u, err = enrich(ctx, e)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !apperrors.IsInvalid(err) {
		err = apperrors.NewProviderTimeoutError(r.stage.Name, err)
	}
	return u, err
}

func (r *lineageRunner) writeDone(ctx context.Context, e *models.LineageEntry, u models.LineageUpdate) string {
	if u.Status == nil {
		done := r.stage.Done
		u.Status = &done
	}
	if !types.CanTransition(r.stage.InProgress, *u.Status) {
		cause := apperrors.NewInternalError(fmt.Sprintf("illegal transition %s -> %s", r.stage.InProgress, *u.Status), nil)
		return r.writeError(ctx, e, cause, outcomeFailed)
	}
	zero := 0
	u.RetryCount = &zero

	updated, err := r.deps.Store.UpdateLineage(ctx, e.ID, r.stage.InProgress, u)
	if err != nil {
		return r.writeFailure(ctx, e, err)
	}
	r.afterCommit(ctx, updated)
	return outcomeDone
}

func (r *lineageRunner) writeInvalid(ctx context.Context, e *models.LineageEntry, cause error) string {
	status := types.InvalidStatus(apperrors.InvalidReason(cause))
	msg := cause.Error()
	updated, err := r.deps.Store.UpdateLineage(ctx, e.ID, r.stage.InProgress, models.LineageUpdate{
		Status:    &status,
		LastError: &msg,
	})
	if err != nil {
		return r.writeFailure(ctx, e, err)
	}
	logging.FromContext(ctx).WithField("status", status).Info("Entry marked invalid")
	r.afterCommit(ctx, updated)
	return outcomeInvalid
}

// writeError keeps the claimed status so recovery can retry the entry
func (r *lineageRunner) writeError(ctx context.Context, e *models.LineageEntry, cause error, outcome string) string {
	logger := logging.FromContext(ctx).WithError(cause)
	if reason := apperrors.HealthReason(cause); reason != "" {
		if err := r.deps.Monitor.MarkUnhealthy(ctx, r.stage.Name, reason); err != nil {
			logger.WithField("healthError", err.Error()).Warn("Failed to mark stage unhealthy")
		}
	}
	if outcome == outcomeFailed {
		r.deps.Sink.Capture(ctx, cause, r.tags(e))
	} else {
		logger.Warn("Transient failure, leaving entry for recovery")
	}

	msg := cause.Error()
	if _, err := r.deps.Store.UpdateLineage(ctx, e.ID, r.stage.InProgress, models.LineageUpdate{LastError: &msg}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return outcomeLost
		}
		logger.WithField("storeError", err.Error()).Error("Failed to record last error")
	}
	return outcome
}

func (r *lineageRunner) writeFailure(ctx context.Context, e *models.LineageEntry, err error) string {
	if errors.Is(err, storage.ErrConflict) {
		logging.FromContext(ctx).Info("Entry left the claimed status, dropping result")
		return outcomeLost
	}
	return r.writeError(ctx, e, apperrors.NewDatabaseError("update lineage", err), outcomeTransient)
}

func (r *lineageRunner) afterCommit(ctx context.Context, e *models.LineageEntry) {
	if err := r.mirror.Sync(ctx, e); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to mirror lineage status to search entry")
	}
	if e.Status.IsFinalDone() {
		if err := r.mirror.RefreshChain(ctx, e); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to refresh descendant snapshots")
		}
	}
}

func (r *lineageRunner) tags(e *models.LineageEntry) map[string]string {
	return map[string]string{
		"stage":   r.stage.Name,
		"account": e.AccountAddress,
		"network": string(e.Network),
	}
}

func executionStatus(outcome string) types.ExecutionStatus {
	switch outcome {
	case outcomeDone:
		return types.ExecutionDone
	case outcomeInvalid:
		return types.ExecutionInvalid
	default:
		return types.ExecutionFailed
	}
}
