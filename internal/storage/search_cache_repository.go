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

const searchCacheColumns = `id::text, account_address, network, status, cached_payload,
	last_fetched_at, retry_count, last_error, created_at, updated_at`

// SearchCacheRepository handles search cache persistence
type SearchCacheRepository struct {
	db  DBTX
	now func() time.Time
}

// NewSearchCacheRepository creates a new search cache repository
func NewSearchCacheRepository(db DBTX) *SearchCacheRepository {
	return &SearchCacheRepository{db: db, now: time.Now}
}

func scanSearchEntry(row pgx.Row) (*models.SearchCacheEntry, error) {
	var e models.SearchCacheEntry
	var network, status string
	var payload []byte

	err := row.Scan(
		&e.ID,
		&e.AccountAddress,
		&network,
		&status,
		&payload,
		&e.LastFetchedAt,
		&e.RetryCount,
		&e.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Network = types.Network(network)
	e.Status = types.LineageStatus(status)
	e.CachedPayload = payload
	return &e, nil
}

// GetSearchEntry retrieves the entry for an account on a network
func (r *SearchCacheRepository) GetSearchEntry(ctx context.Context, account string, network types.Network) (*models.SearchCacheEntry, error) {
	query := `SELECT ` + searchCacheColumns + ` FROM search_cache WHERE account_address = $1 AND network = $2`

	e, err := scanSearchEntry(r.db.QueryRow(ctx, query, account, string(network)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("search entry %s/%s: %w", network, account, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get search entry: %w", err)
	}
	return e, nil
}

// CreateSearchEntry inserts a new entry; a duplicate (account, network)
// returns ErrConflict
func (r *SearchCacheRepository) CreateSearchEntry(ctx context.Context, e *models.SearchCacheEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	uid, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("invalid search entry id %q: %w", e.ID, err)
	}
	now := r.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	query := `
		INSERT INTO search_cache (
			id, account_address, network, status, cached_payload, last_fetched_at,
			retry_count, last_error, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.Exec(ctx, query,
		uid,
		e.AccountAddress,
		string(e.Network),
		string(e.Status),
		rawArg(e.CachedPayload),
		e.LastFetchedAt,
		e.RetryCount,
		e.LastError,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("search entry %s/%s: %w", e.Network, e.AccountAddress, ErrConflict)
		}
		return fmt.Errorf("failed to create search entry: %w", err)
	}
	return nil
}

// UpdateSearchEntry applies u to the entry, optionally guarded by ifStatus
func (r *SearchCacheRepository) UpdateSearchEntry(ctx context.Context, id string, ifStatus types.LineageStatus, u models.SearchCacheUpdate) (*models.SearchCacheEntry, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("search entry %s: %w", id, ErrNotFound)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	e, err := scanSearchEntry(tx.QueryRow(ctx, `SELECT `+searchCacheColumns+` FROM search_cache WHERE id = $1 FOR UPDATE`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("search entry %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock search entry: %w", err)
	}
	if ifStatus != "" && e.Status != ifStatus {
		return nil, fmt.Errorf("search entry %s is %s, expected %s: %w", id, e.Status, ifStatus, ErrConflict)
	}

	u.Apply(e)
	e.UpdatedAt = r.now().UTC()

	query := `
		UPDATE search_cache
		SET status = $2, cached_payload = $3, last_fetched_at = $4, retry_count = $5,
			last_error = $6, updated_at = $7
		WHERE id = $1
	`

	_, err = tx.Exec(ctx, query,
		uid,
		string(e.Status),
		rawArg(e.CachedPayload),
		e.LastFetchedAt,
		e.RetryCount,
		e.LastError,
		e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update search entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit search entry update: %w", err)
	}
	return e, nil
}

// ClaimSearchEntry moves an entry from -> to if it is still in from
func (r *SearchCacheRepository) ClaimSearchEntry(ctx context.Context, id string, from, to types.LineageStatus) (bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("search entry %s: %w", id, ErrNotFound)
	}

	query := `UPDATE search_cache SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, uid, string(from), string(to), r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim search entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListSearchEntriesByStatus returns entries in any of statuses, oldest update first
func (r *SearchCacheRepository) ListSearchEntriesByStatus(ctx context.Context, statuses []types.LineageStatus, limit int) ([]*models.SearchCacheEntry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	query := `SELECT ` + searchCacheColumns + ` FROM search_cache
		WHERE status = ANY($1)
		ORDER BY updated_at ASC, id ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, statusStrings(statuses), limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list search entries: %w", err)
	}
	defer rows.Close()

	var out []*models.SearchCacheEntry
	for rows.Next() {
		e, err := scanSearchEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search entries: %w", err)
	}
	return out, nil
}
