package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/types"
)

const stageExecutionColumns = `id::text, account_address, network, stage_number, stage_name, status,
	duration_ms, error_message, attempts, created_at, updated_at`

// StageExecutionRepository handles stage execution audit persistence
type StageExecutionRepository struct {
	db  DBTX
	now func() time.Time
}

// NewStageExecutionRepository creates a new stage execution repository
func NewStageExecutionRepository(db DBTX) *StageExecutionRepository {
	return &StageExecutionRepository{db: db, now: time.Now}
}

func scanStageExecution(row pgx.Row) (*models.StageExecutionRecord, error) {
	var rec models.StageExecutionRecord
	var network, status string

	err := row.Scan(
		&rec.ID,
		&rec.AccountAddress,
		&network,
		&rec.StageNumber,
		&rec.StageName,
		&status,
		&rec.DurationMs,
		&rec.ErrorMessage,
		&rec.Attempts,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Network = types.Network(network)
	rec.Status = types.ExecutionStatus(status)
	return &rec, nil
}

// InitStageExecutions creates the missing PENDING records for all stages
func (r *StageExecutionRepository) InitStageExecutions(ctx context.Context, account string, network types.Network) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO stage_executions (
			id, account_address, network, stage_number, stage_name, status, created_at, updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM stage_executions
			WHERE account_address = $2 AND network = $3 AND stage_number = $4
		)
	`

	now := r.now().UTC()
	created := 0
	for _, stage := range types.Stages() {
		tag, err := tx.Exec(ctx, query,
			uuid.New(),
			account,
			string(network),
			stage.Number,
			stage.Name,
			string(types.ExecutionPending),
			now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to initialize stage %d: %w", stage.Number, err)
		}
		created += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit stage initialization: %w", err)
	}
	return created, nil
}

// GetLatestStageExecution returns the newest record for one stage
func (r *StageExecutionRepository) GetLatestStageExecution(ctx context.Context, account string, network types.Network, stageNumber int) (*models.StageExecutionRecord, error) {
	query := `SELECT ` + stageExecutionColumns + ` FROM stage_executions
		WHERE account_address = $1 AND network = $2 AND stage_number = $3
		ORDER BY created_at DESC, updated_at DESC
		LIMIT 1`

	rec, err := scanStageExecution(r.db.QueryRow(ctx, query, account, string(network), stageNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("stage %d for %s/%s: %w", stageNumber, network, account, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get stage execution: %w", err)
	}
	return rec, nil
}

// CreateStageExecution inserts a new record
func (r *StageExecutionRepository) CreateStageExecution(ctx context.Context, rec *models.StageExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	uid, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("invalid stage execution id %q: %w", rec.ID, err)
	}
	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO stage_executions (
			id, account_address, network, stage_number, stage_name, status,
			duration_ms, error_message, attempts, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.Exec(ctx, query,
		uid,
		rec.AccountAddress,
		string(rec.Network),
		rec.StageNumber,
		rec.StageName,
		string(rec.Status),
		rec.DurationMs,
		rec.ErrorMessage,
		rec.Attempts,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create stage execution: %w", err)
	}
	return nil
}

// UpdateStageExecution writes the outcome fields of an existing record
func (r *StageExecutionRepository) UpdateStageExecution(ctx context.Context, rec *models.StageExecutionRecord) error {
	uid, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("stage execution %s: %w", rec.ID, ErrNotFound)
	}
	rec.UpdatedAt = r.now().UTC()

	query := `
		UPDATE stage_executions
		SET status = $2, duration_ms = $3, error_message = $4, attempts = $5, updated_at = $6
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query,
		uid,
		string(rec.Status),
		rec.DurationMs,
		rec.ErrorMessage,
		rec.Attempts,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stage execution %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// ListStageExecutions returns all records for an account, newest first
func (r *StageExecutionRepository) ListStageExecutions(ctx context.Context, account string, network types.Network) ([]*models.StageExecutionRecord, error) {
	query := `SELECT ` + stageExecutionColumns + ` FROM stage_executions
		WHERE account_address = $1 AND network = $2
		ORDER BY created_at DESC, updated_at DESC, stage_number DESC`

	rows, err := r.db.Query(ctx, query, account, string(network))
	if err != nil {
		return nil, fmt.Errorf("failed to list stage executions: %w", err)
	}
	defer rows.Close()

	var out []*models.StageExecutionRecord
	for rows.Next() {
		rec, err := scanStageExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage execution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage executions: %w", err)
	}
	return out, nil
}
