// Package recovery resets lineage and search entries that have been left in
// a pending or in-progress status for too long, and fails entries that keep
// getting stuck.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellar-lineage/internal/config"
	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/metrics"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/tracker"
	"github.com/stellar-lineage/internal/types"
)

// Defaults used when the configuration leaves a value unset
const (
	DefaultThreshold  = 5 * time.Minute
	DefaultMaxRetries = 3
)

// Action is what a sweep did, or would do, to one entry
type Action string

const (
	ActionReset   Action = "reset_to_pending"
	ActionFailed  Action = "marked_failed"
	ActionSkipped Action = "skipped_moved"
)

// Kind names the entity a detail refers to
type Kind string

const (
	KindLineage Kind = "lineage"
	KindSearch  Kind = "search"
)

// Options tunes a sweep
type Options struct {
	DefaultThreshold time.Duration
	Thresholds       map[types.LineageStatus]time.Duration
	MaxRetries       int
}

// OptionsFrom converts the loaded recovery configuration
func OptionsFrom(cfg config.RecoveryConfig) Options {
	return Options{
		DefaultThreshold: cfg.DefaultThreshold,
		Thresholds:       cfg.Thresholds,
		MaxRetries:       cfg.MaxRetries,
	}
}

// Threshold returns the stuck threshold of status
func (o Options) Threshold(status types.LineageStatus) time.Duration {
	if d, ok := o.Thresholds[status]; ok && d > 0 {
		return d
	}
	if o.DefaultThreshold > 0 {
		return o.DefaultThreshold
	}
	return DefaultThreshold
}

func (o Options) maxRetries() int {
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return DefaultMaxRetries
}

// Detail describes one stuck entry
type Detail struct {
	Kind       Kind                `json:"kind"`
	Account    string              `json:"account"`
	Network    types.Network       `json:"network"`
	Status     types.LineageStatus `json:"status"`
	Age        string              `json:"age"`
	Threshold  string              `json:"threshold"`
	RetryCount int                 `json:"retryCount"`
	Action     Action              `json:"action"`
	Error      string              `json:"error,omitempty"`
}

// Summary is the result of one sweep. In a dry run the counters report what
// would have happened.
type Summary struct {
	DryRun   bool     `json:"dryRun"`
	Detected int      `json:"detected"`
	Reset    int      `json:"reset"`
	Failed   int      `json:"failed"`
	Errors   int      `json:"errors"`
	Details  []Detail `json:"details"`
}

// Service sweeps stuck entries
type Service struct {
	store   storage.Store
	tracker *tracker.Tracker
	mirror  *lineage.Mirror
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

// NewService creates a new recovery service
func NewService(store storage.Store, tr *tracker.Tracker, mirror *lineage.Mirror, m *metrics.Metrics, opts Options) *Service {
	return &Service{
		store:   store,
		tracker: tr,
		mirror:  mirror,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// plan is the decision for one stuck entry
type plan struct {
	detail Detail
	status types.LineageStatus
	retry  int
	note   string
}

func (s *Service) decide(kind Kind, account string, network types.Network, status types.LineageStatus, updatedAt time.Time, retryCount int, lastError string) (plan, bool) {
	age := s.now().Sub(updatedAt)
	threshold := s.opts.Threshold(status)
	if age < threshold {
		return plan{}, false
	}

	p := plan{detail: Detail{
		Kind:       kind,
		Account:    account,
		Network:    network,
		Status:     status,
		Age:        age.Round(time.Second).String(),
		Threshold:  threshold.String(),
		RetryCount: retryCount,
	}}

	target, ok := types.ResetTarget(status)
	if ok && retryCount < s.opts.maxRetries() {
		p.detail.Action = ActionReset
		p.status = target
		p.retry = retryCount + 1
		p.note = fmt.Sprintf("recovery: reset from %s after %s (attempt %d/%d)", status, p.detail.Age, p.retry, s.opts.maxRetries())
		return p, true
	}

	p.detail.Action = ActionFailed
	p.status = types.StatusFailed
	p.retry = retryCount
	p.note = fmt.Sprintf("recovery: stuck in %s after %d retries", status, retryCount)
	if lastError != "" {
		p.note = lastError + " | " + p.note
	}
	return p, true
}

// Sweep inspects every stuck-eligible lineage and search entry. Errors on a
// single entry are counted and the sweep continues; only a failed listing
// aborts it.
func (s *Service) Sweep(ctx context.Context, dryRun bool) (*Summary, error) {
	logger := logging.FromContext(ctx).WithField("component", "recovery")
	ctx = logging.WithLogger(ctx, logger)
	summary := &Summary{DryRun: dryRun, Details: []Detail{}}

	entries, err := s.store.ListLineageByStatus(ctx, types.StuckEligibleStatuses(), 0)
	if err != nil {
		return summary, fmt.Errorf("failed to list stuck lineage entries: %w", err)
	}
	for _, e := range entries {
		p, stuck := s.decide(KindLineage, e.AccountAddress, e.Network, e.Status, e.UpdatedAt, e.RetryCount, e.LastError)
		if !stuck {
			continue
		}
		if !dryRun {
			s.applyLineage(ctx, e, &p)
		}
		summary.record(p.detail)
	}

	// mirrored search statuses are recovered through their lineage row
	searches, err := s.store.ListSearchEntriesByStatus(ctx, []types.LineageStatus{
		types.StatusPendingMakeParentLineage,
		types.StatusInProgressMakeParentLineage,
	}, 0)
	if err != nil {
		return summary, fmt.Errorf("failed to list stuck search entries: %w", err)
	}
	for _, se := range searches {
		p, stuck := s.decide(KindSearch, se.AccountAddress, se.Network, se.Status, se.UpdatedAt, se.RetryCount, se.LastError)
		if !stuck {
			continue
		}
		if !dryRun {
			s.applySearch(ctx, se, &p)
		}
		summary.record(p.detail)
	}

	logger.WithFields(map[string]interface{}{
		"dryRun":   dryRun,
		"detected": summary.Detected,
		"reset":    summary.Reset,
		"failed":   summary.Failed,
		"errors":   summary.Errors,
	}).Info("Recovery sweep completed")
	return summary, nil
}

func (sum *Summary) record(d Detail) {
	sum.Details = append(sum.Details, d)
	if d.Action == ActionSkipped {
		return
	}
	sum.Detected++
	if d.Error != "" {
		sum.Errors++
		return
	}
	switch d.Action {
	case ActionReset:
		sum.Reset++
	case ActionFailed:
		sum.Failed++
	}
}

func (s *Service) applyLineage(ctx context.Context, e *models.LineageEntry, p *plan) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"account": e.AccountAddress,
		"network": e.Network,
		"status":  e.Status,
		"action":  p.detail.Action,
	})

	updated, err := s.store.UpdateLineage(ctx, e.ID, e.Status, models.LineageUpdate{
		Status:     &p.status,
		RetryCount: &p.retry,
		LastError:  &p.note,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			p.detail.Action = ActionSkipped
			return
		}
		p.detail.Error = err.Error()
		logger.WithError(err).Error("Failed to recover lineage entry")
		return
	}
	p.detail.RetryCount = updated.RetryCount
	s.metrics.RecoveryAction(string(KindLineage), string(p.detail.Action))
	logger.Warn("Recovered stuck lineage entry")

	if stage, ok := stageOf(e.Status); ok {
		status := types.ExecutionReset
		if p.detail.Action == ActionFailed {
			status = types.ExecutionFailed
		}
		if err := s.tracker.Complete(ctx, e.AccountAddress, e.Network, stage, status, 0, errors.New(p.note)); err != nil {
			logger.WithError(err).Warn("Failed to record recovery execution")
		}
	}
	if err := s.mirror.Sync(ctx, updated); err != nil {
		logger.WithError(err).Warn("Failed to mirror recovered status")
	}
}

func (s *Service) applySearch(ctx context.Context, se *models.SearchCacheEntry, p *plan) {
	_, err := s.store.UpdateSearchEntry(ctx, se.ID, se.Status, models.SearchCacheUpdate{
		Status:     &p.status,
		RetryCount: &p.retry,
		LastError:  &p.note,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			p.detail.Action = ActionSkipped
			return
		}
		p.detail.Error = err.Error()
		logging.FromContext(ctx).WithError(err).WithField("account", se.AccountAddress).Error("Failed to recover search entry")
		return
	}
	p.detail.RetryCount = p.retry
	s.metrics.RecoveryAction(string(KindSearch), string(p.detail.Action))
}

// RequeueResult reports an operator requeue
type RequeueResult struct {
	Kind     Kind                `json:"kind"`
	Account  string              `json:"account"`
	Network  types.Network       `json:"network"`
	Previous types.LineageStatus `json:"previous"`
	Status   types.LineageStatus `json:"status"`
}

// Requeue sends a settled entry back through the pipeline. The lineage row
// restarts at stage 2; a search entry without a lineage row restarts at
// stage 1. Entries still moving through the pipeline are refused.
func (s *Service) Requeue(ctx context.Context, account string, network types.Network) (*RequeueResult, error) {
	e, err := s.store.GetLineage(ctx, account, network)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load lineage: %w", err)
	}
	if e == nil {
		return s.requeueSearch(ctx, account, network)
	}
	if !e.Status.IsSettled() {
		return nil, apperrors.NewConflictError(fmt.Sprintf("lineage %s is still %s", account, e.Status))
	}

	pending := types.StatusPendingHorizonAPIDatasets
	zero := 0
	note := "requeued from " + string(e.Status)
	updated, err := s.store.UpdateLineage(ctx, e.ID, e.Status, models.LineageUpdate{
		Status:     &pending,
		RetryCount: &zero,
		LastError:  &note,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue lineage: %w", err)
	}

	if err := s.tracker.Complete(ctx, account, network, mustStage(2), types.ExecutionReset, 0, errors.New(note)); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record requeue execution")
	}

	se, err := s.store.GetSearchEntry(ctx, account, network)
	switch {
	case err == nil && !lineage.OwnedBySearchStage(se.Status):
		if err := s.mirror.SyncFrom(ctx, se, updated); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to mirror requeued status")
		}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		logging.FromContext(ctx).WithError(err).Warn("Failed to load search entry")
	}

	s.metrics.RecoveryAction(string(KindLineage), "requeued")
	return &RequeueResult{
		Kind:     KindLineage,
		Account:  account,
		Network:  network,
		Previous: e.Status,
		Status:   pending,
	}, nil
}

func (s *Service) requeueSearch(ctx context.Context, account string, network types.Network) (*RequeueResult, error) {
	se, err := s.store.GetSearchEntry(ctx, account, network)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("lineage", account)
		}
		return nil, fmt.Errorf("failed to load search entry: %w", err)
	}
	if !se.Status.IsTerminal() {
		return nil, apperrors.NewConflictError(fmt.Sprintf("search entry %s is still %s", account, se.Status))
	}

	pending := types.StatusPendingMakeParentLineage
	zero := 0
	note := "requeued from " + string(se.Status)
	if _, err := s.store.UpdateSearchEntry(ctx, se.ID, se.Status, models.SearchCacheUpdate{
		Status:     &pending,
		RetryCount: &zero,
		LastError:  &note,
	}); err != nil {
		return nil, fmt.Errorf("failed to requeue search entry: %w", err)
	}

	s.metrics.RecoveryAction(string(KindSearch), "requeued")
	return &RequeueResult{
		Kind:     KindSearch,
		Account:  account,
		Network:  network,
		Previous: se.Status,
		Status:   pending,
	}, nil
}

// stageOf returns the stage a stuck status belongs to
func stageOf(status types.LineageStatus) (types.Stage, bool) {
	if st, ok := types.StageForInProgress(status); ok {
		return st, true
	}
	return types.StageForStatus(status)
}

func mustStage(n int) types.Stage {
	st, err := types.StageByNumber(n)
	if err != nil {
		panic(err)
	}
	return st
}
