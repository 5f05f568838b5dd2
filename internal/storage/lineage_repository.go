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

const lineageColumns = `id::text, account_address, network, root_account, depth, creator_address,
	created_at_ledger_time, home_domain, balance, accounts_raw, operations_raw, effects_raw,
	attributes_raw, assets_raw, children_raw, tags, is_high_value, status, retry_count,
	last_error, created_at, updated_at`

// LineageRepository handles lineage entry persistence
type LineageRepository struct {
	db           DBTX
	hvaThreshold float64
	now          func() time.Time
}

// NewLineageRepository creates a new lineage repository
func NewLineageRepository(db DBTX, hvaThreshold float64) *LineageRepository {
	return &LineageRepository{db: db, hvaThreshold: hvaThreshold, now: time.Now}
}

func scanLineage(row pgx.Row) (*models.LineageEntry, error) {
	var e models.LineageEntry
	var network, status string
	var accountsRaw, operationsRaw, effectsRaw, attributesRaw, assetsRaw, childrenRaw []byte

	err := row.Scan(
		&e.ID,
		&e.AccountAddress,
		&network,
		&e.RootAccount,
		&e.Depth,
		&e.CreatorAddress,
		&e.CreatedAtLedgerTime,
		&e.HomeDomain,
		&e.Balance,
		&accountsRaw,
		&operationsRaw,
		&effectsRaw,
		&attributesRaw,
		&assetsRaw,
		&childrenRaw,
		&e.Tags,
		&e.IsHighValue,
		&status,
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
	e.AccountsRaw = accountsRaw
	e.OperationsRaw = operationsRaw
	e.EffectsRaw = effectsRaw
	e.AttributesRaw = attributesRaw
	e.AssetsRaw = assetsRaw
	e.ChildrenRaw = childrenRaw
	return &e, nil
}

func collectLineage(rows pgx.Rows) ([]*models.LineageEntry, error) {
	defer rows.Close()

	var out []*models.LineageEntry
	for rows.Next() {
		e, err := scanLineage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lineage entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lineage entries: %w", err)
	}
	return out, nil
}

// GetLineage retrieves the entry for an account on a network
func (r *LineageRepository) GetLineage(ctx context.Context, account string, network types.Network) (*models.LineageEntry, error) {
	query := `SELECT ` + lineageColumns + ` FROM lineage WHERE account_address = $1 AND network = $2`

	e, err := scanLineage(r.db.QueryRow(ctx, query, account, string(network)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lineage %s/%s: %w", network, account, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get lineage entry: %w", err)
	}
	return e, nil
}

// GetLineageByID retrieves an entry by id
func (r *LineageRepository) GetLineageByID(ctx context.Context, id string) (*models.LineageEntry, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}

	query := `SELECT ` + lineageColumns + ` FROM lineage WHERE id = $1`

	e, err := scanLineage(r.db.QueryRow(ctx, query, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get lineage entry: %w", err)
	}
	return e, nil
}

// CreateLineage inserts a new entry, assigning id and timestamps when unset
func (r *LineageRepository) CreateLineage(ctx context.Context, e *models.LineageEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	uid, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("invalid lineage id %q: %w", e.ID, err)
	}
	now := r.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.RootAccount == "" {
		e.RootAccount = e.AccountAddress
	}
	e.ApplyHighValue(r.hvaThreshold)

	query := `
		INSERT INTO lineage (
			id, account_address, network, root_account, depth, creator_address,
			created_at_ledger_time, home_domain, balance, accounts_raw, operations_raw,
			effects_raw, attributes_raw, assets_raw, children_raw, tags, is_high_value,
			status, retry_count, last_error, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`

	_, err = r.db.Exec(ctx, query,
		uid,
		e.AccountAddress,
		string(e.Network),
		e.RootAccount,
		e.Depth,
		e.CreatorAddress,
		e.CreatedAtLedgerTime,
		e.HomeDomain,
		e.Balance,
		rawArg(e.AccountsRaw),
		rawArg(e.OperationsRaw),
		rawArg(e.EffectsRaw),
		rawArg(e.AttributesRaw),
		rawArg(e.AssetsRaw),
		rawArg(e.ChildrenRaw),
		e.Tags,
		e.IsHighValue,
		string(e.Status),
		e.RetryCount,
		e.LastError,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lineage %s/%s: %w", e.Network, e.AccountAddress, ErrConflict)
		}
		return fmt.Errorf("failed to create lineage entry: %w", err)
	}
	return nil
}

// UpdateLineage applies u under a row lock and recomputes the high value
// flag before writing
func (r *LineageRepository) UpdateLineage(ctx context.Context, id string, ifStatus types.LineageStatus, u models.LineageUpdate) (*models.LineageEntry, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	e, err := scanLineage(tx.QueryRow(ctx, `SELECT `+lineageColumns+` FROM lineage WHERE id = $1 FOR UPDATE`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock lineage entry: %w", err)
	}
	if ifStatus != "" && e.Status != ifStatus {
		return nil, fmt.Errorf("lineage %s is %s, expected %s: %w", id, e.Status, ifStatus, ErrConflict)
	}

	u.Apply(e)
	e.ApplyHighValue(r.hvaThreshold)
	e.UpdatedAt = r.now().UTC()

	query := `
		UPDATE lineage
		SET creator_address = $2, created_at_ledger_time = $3, home_domain = $4, balance = $5,
			accounts_raw = $6, operations_raw = $7, effects_raw = $8, attributes_raw = $9,
			assets_raw = $10, children_raw = $11, tags = $12, is_high_value = $13,
			status = $14, retry_count = $15, last_error = $16, updated_at = $17
		WHERE id = $1
	`

	_, err = tx.Exec(ctx, query,
		uid,
		e.CreatorAddress,
		e.CreatedAtLedgerTime,
		e.HomeDomain,
		e.Balance,
		rawArg(e.AccountsRaw),
		rawArg(e.OperationsRaw),
		rawArg(e.EffectsRaw),
		rawArg(e.AttributesRaw),
		rawArg(e.AssetsRaw),
		rawArg(e.ChildrenRaw),
		e.Tags,
		e.IsHighValue,
		string(e.Status),
		e.RetryCount,
		e.LastError,
		e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update lineage entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit lineage update: %w", err)
	}
	return e, nil
}

// ClaimLineage moves an entry from -> to if it is still in from
func (r *LineageRepository) ClaimLineage(ctx context.Context, id string, from, to types.LineageStatus) (bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}

	query := `UPDATE lineage SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, uid, string(from), string(to), r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim lineage entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendLineageChild adds child to the children blob under a row lock
func (r *LineageRepository) AppendLineageChild(ctx context.Context, id, child string) (bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT children_raw FROM lineage WHERE id = $1 FOR UPDATE`, uid).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("failed to lock lineage entry: %w", err)
	}

	children, added, err := models.AppendChild(raw, child)
	if err != nil {
		return false, fmt.Errorf("lineage %s: %w", id, err)
	}
	if !added {
		return false, nil
	}

	_, err = tx.Exec(ctx, `UPDATE lineage SET children_raw = $2, updated_at = $3 WHERE id = $1`,
		uid, string(children), r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update lineage children: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit lineage children: %w", err)
	}
	return true, nil
}

// ListLineageByStatus returns entries in any of statuses, oldest update first
func (r *LineageRepository) ListLineageByStatus(ctx context.Context, statuses []types.LineageStatus, limit int) ([]*models.LineageEntry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	query := `SELECT ` + lineageColumns + ` FROM lineage
		WHERE status = ANY($1)
		ORDER BY updated_at ASC, id ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, statusStrings(statuses), limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list lineage entries: %w", err)
	}
	return collectLineage(rows)
}

// ListLineageByCreator returns the entries whose creator is creator
func (r *LineageRepository) ListLineageByCreator(ctx context.Context, creator string, network types.Network) ([]*models.LineageEntry, error) {
	query := `SELECT ` + lineageColumns + ` FROM lineage
		WHERE creator_address = $1 AND network = $2
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, creator, string(network))
	if err != nil {
		return nil, fmt.Errorf("failed to list lineage children: %w", err)
	}
	return collectLineage(rows)
}

// rawArg maps an empty blob to SQL NULL
func rawArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
