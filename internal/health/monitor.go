// Package health tracks whether each stage cron may run.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/metrics"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

// ReasonBufferReset is recorded when the sweep lifts an expired block
const ReasonBufferReset = "Reset after buffer period"

// DefaultBuffer is how long an unhealthy stage stays blocked
const DefaultBuffer = 102 * time.Minute

// StageHealth is the latest known health of one stage
type StageHealth struct {
	StageName string             `json:"stageName"`
	Status    types.HealthStatus `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	Since     *time.Time         `json:"since,omitempty"`
}

// Monitor reads and writes the append-only cron health log
type Monitor struct {
	store   storage.CronHealthStore
	buffer  time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMonitor creates a new monitor; buffer <= 0 uses DefaultBuffer
func NewMonitor(store storage.CronHealthStore, buffer time.Duration, m *metrics.Metrics) *Monitor {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Monitor{
		store:   store,
		buffer:  buffer,
		metrics: m,
		now:     time.Now,
	}
}

// CheckCronHealth reports whether stage may run. Only an Unhealthy latest
// record blocks; a stage with no history or an unreadable log runs.
func (m *Monitor) CheckCronHealth(ctx context.Context, stage string) bool {
	rec, err := m.store.LatestCronHealth(ctx, stage)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.FromContext(ctx).WithField("stage", stage).WithError(err).Warn("Failed to read cron health, allowing run")
		}
		return true
	}
	return rec.Status.IsHealthy()
}

// MarkUnhealthy blocks stage for the buffer period. A stage that is already
// unhealthy keeps its original record so the buffer is not extended.
func (m *Monitor) MarkUnhealthy(ctx context.Context, stage, reason string) error {
	latest, err := m.store.LatestCronHealth(ctx, stage)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read cron health for %s: %w", stage, err)
	}
	if latest != nil && !latest.Status.IsHealthy() {
		return nil
	}

	status := types.Unhealthy(reason)
	if err := m.append(ctx, stage, status, status.Reason); err != nil {
		return err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"stage":  stage,
		"status": status.String(),
	}).Warn("Stage marked unhealthy")
	return nil
}

// MarkHealthy unblocks stage
func (m *Monitor) MarkHealthy(ctx context.Context, stage, reason string) error {
	if err := m.append(ctx, stage, types.Healthy(), reason); err != nil {
		return err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"stage":  stage,
		"reason": reason,
	}).Info("Stage marked healthy")
	return nil
}

// Sweep marks healthy every stage whose unhealthy record is older than the
// buffer and returns the names of the stages it reset
func (m *Monitor) Sweep(ctx context.Context) ([]string, error) {
	latest, err := m.store.ListLatestCronHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron health: %w", err)
	}

	now := m.now()
	var reset []string
	var errs []error
	for _, rec := range latest {
		if rec.Status.IsHealthy() {
			m.metrics.SetCronHealthy(rec.StageName, true)
			continue
		}
		if now.Sub(rec.CreatedAt) < m.buffer {
			m.metrics.SetCronHealthy(rec.StageName, false)
			continue
		}
		if err := m.MarkHealthy(ctx, rec.StageName, ReasonBufferReset); err != nil {
			errs = append(errs, err)
			continue
		}
		reset = append(reset, rec.StageName)
	}
	return reset, errors.Join(errs...)
}

// Report returns the latest health of every pipeline stage in stage order.
// Stages with no record are reported healthy.
func (m *Monitor) Report(ctx context.Context) ([]StageHealth, error) {
	latest, err := m.store.ListLatestCronHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron health: %w", err)
	}
	byStage := make(map[string]*models.CronHealthRecord, len(latest))
	for _, rec := range latest {
		byStage[rec.StageName] = rec
	}

	out := make([]StageHealth, 0, types.StageCount)
	for _, st := range types.Stages() {
		h := StageHealth{StageName: st.Name, Status: types.Healthy()}
		if rec, ok := byStage[st.Name]; ok {
			since := rec.CreatedAt
			h.Status = rec.Status
			h.Reason = rec.Reason
			h.Since = &since
		}
		out = append(out, h)
	}
	return out, nil
}

func (m *Monitor) append(ctx context.Context, stage string, status types.HealthStatus, reason string) error {
	rec := &models.CronHealthRecord{
		StageName: stage,
		Status:    status,
		Reason:    reason,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.AppendCronHealth(ctx, rec); err != nil {
		return fmt.Errorf("failed to append cron health for %s: %w", stage, err)
	}
	m.metrics.SetCronHealthy(stage, status.IsHealthy())
	return nil
}
