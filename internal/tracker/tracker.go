// Package tracker keeps the per-account stage execution audit trail.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

// maxErrorMessage caps the stored error text
const maxErrorMessage = 2000

// Tracker records stage attempts. The latest record of a stage is updated in
// place; a record is created only when none exists yet.
type Tracker struct {
	store storage.StageExecutionStore
}

// New creates a new tracker
func New(store storage.StageExecutionStore) *Tracker {
	return &Tracker{store: store}
}

// Initialize creates a PENDING record for every stage that has none and
// returns how many were created
func (t *Tracker) Initialize(ctx context.Context, account string, network types.Network) (int, error) {
	n, err := t.store.InitStageExecutions(ctx, account, network)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize stage executions for %s: %w", account, err)
	}
	return n, nil
}

// Start marks an attempt of stage as IN_PROGRESS and bumps its attempt count
func (t *Tracker) Start(ctx context.Context, account string, network types.Network, stage types.Stage) (*models.StageExecutionRecord, error) {
	rec, err := t.latest(ctx, account, network, stage)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = newRecord(account, network, stage, types.ExecutionInProgress)
		rec.Attempts = 1
		if err := t.store.CreateStageExecution(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to create stage execution: %w", err)
		}
		return rec, nil
	}

	rec.Status = types.ExecutionInProgress
	rec.Attempts++
	rec.ErrorMessage = ""
	rec.DurationMs = 0
	if err := t.store.UpdateStageExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to start stage execution: %w", err)
	}
	return rec, nil
}

// Complete records the outcome of the latest attempt of stage
func (t *Tracker) Complete(ctx context.Context, account string, network types.Network, stage types.Stage, status types.ExecutionStatus, duration time.Duration, cause error) error {
	rec, err := t.latest(ctx, account, network, stage)
	if err != nil {
		return err
	}

	create := rec == nil
	if create {
		rec = newRecord(account, network, stage, status)
		rec.Attempts = 1
	}
	rec.Status = status
	rec.DurationMs = duration.Milliseconds()
	rec.ErrorMessage = errorMessage(cause)

	if create {
		err = t.store.CreateStageExecution(ctx, rec)
	} else {
		err = t.store.UpdateStageExecution(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("failed to complete stage execution: %w", err)
	}
	return nil
}

// List returns the audit trail of an account, newest first
func (t *Tracker) List(ctx context.Context, account string, network types.Network) ([]*models.StageExecutionRecord, error) {
	recs, err := t.store.ListStageExecutions(ctx, account, network)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage executions: %w", err)
	}
	return recs, nil
}

func (t *Tracker) latest(ctx context.Context, account string, network types.Network, stage types.Stage) (*models.StageExecutionRecord, error) {
	rec, err := t.store.GetLatestStageExecution(ctx, account, network, stage.Number)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stage execution: %w", err)
	}
	return rec, nil
}

func newRecord(account string, network types.Network, stage types.Stage, status types.ExecutionStatus) *models.StageExecutionRecord {
	return &models.StageExecutionRecord{
		AccountAddress: account,
		Network:        network,
		StageNumber:    stage.Number,
		StageName:      stage.Name,
		Status:         status,
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToValidUTF8(err.Error(), "?")
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
