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

const cronHealthColumns = `id::text, stage_name, status, reason, created_at, updated_at`

// CronHealthRepository handles cron health persistence
type CronHealthRepository struct {
	db  DBTX
	now func() time.Time
}

// NewCronHealthRepository creates a new cron health repository
func NewCronHealthRepository(db DBTX) *CronHealthRepository {
	return &CronHealthRepository{db: db, now: time.Now}
}

func scanCronHealth(row pgx.Row) (*models.CronHealthRecord, error) {
	var rec models.CronHealthRecord
	var status string

	if err := row.Scan(&rec.ID, &rec.StageName, &status, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	parsed, err := types.ParseHealthStatus(status)
	if err != nil {
		return nil, err
	}
	rec.Status = parsed
	return &rec, nil
}

// AppendCronHealth inserts a new health observation
func (r *CronHealthRepository) AppendCronHealth(ctx context.Context, rec *models.CronHealthRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	uid, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("invalid cron health id %q: %w", rec.ID, err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt

	query := `
		INSERT INTO cron_health (id, stage_name, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.Exec(ctx, query, uid, rec.StageName, rec.Status.String(), rec.Reason, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to append cron health: %w", err)
	}
	return nil
}

// LatestCronHealth returns the newest record for a stage
func (r *CronHealthRepository) LatestCronHealth(ctx context.Context, stageName string) (*models.CronHealthRecord, error) {
	query := `SELECT ` + cronHealthColumns + ` FROM cron_health
		WHERE stage_name = $1
		ORDER BY created_at DESC
		LIMIT 1`

	rec, err := scanCronHealth(r.db.QueryRow(ctx, query, stageName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cron health %s: %w", stageName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get cron health: %w", err)
	}
	return rec, nil
}

// ListLatestCronHealth returns the newest record of every stage that has one
func (r *CronHealthRepository) ListLatestCronHealth(ctx context.Context) ([]*models.CronHealthRecord, error) {
	query := `SELECT DISTINCT ON (stage_name) ` + cronHealthColumns + ` FROM cron_health
		ORDER BY stage_name, created_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron health: %w", err)
	}
	defer rows.Close()

	var out []*models.CronHealthRecord
	for rows.Next() {
		rec, err := scanCronHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cron health: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cron health: %w", err)
	}
	return out, nil
}
