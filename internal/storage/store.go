package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique key already exists or a
	// conditional update lost against a concurrent writer
	ErrConflict = errors.New("record conflict")
)

// SearchCacheStore persists search cache entries
type SearchCacheStore interface {
	GetSearchEntry(ctx context.Context, account string, network types.Network) (*models.SearchCacheEntry, error)
	CreateSearchEntry(ctx context.Context, entry *models.SearchCacheEntry) error
	// UpdateSearchEntry applies u; when ifStatus is non-empty the update only
	// happens while the row still has that status (ErrConflict otherwise).
	UpdateSearchEntry(ctx context.Context, id string, ifStatus types.LineageStatus, u models.SearchCacheUpdate) (*models.SearchCacheEntry, error)
	// ClaimSearchEntry moves the row from -> to atomically. False means
	// another writer got there first.
	ClaimSearchEntry(ctx context.Context, id string, from, to types.LineageStatus) (bool, error)
	// ListSearchEntriesByStatus returns rows in any of statuses, least
	// recently updated first. limit <= 0 returns all.
	ListSearchEntriesByStatus(ctx context.Context, statuses []types.LineageStatus, limit int) ([]*models.SearchCacheEntry, error)
}

// LineageStore persists lineage entries. Every write recomputes the high
// value flag and tag from the balance.
type LineageStore interface {
	GetLineage(ctx context.Context, account string, network types.Network) (*models.LineageEntry, error)
	GetLineageByID(ctx context.Context, id string) (*models.LineageEntry, error)
	CreateLineage(ctx context.Context, entry *models.LineageEntry) error
	UpdateLineage(ctx context.Context, id string, ifStatus types.LineageStatus, u models.LineageUpdate) (*models.LineageEntry, error)
	ClaimLineage(ctx context.Context, id string, from, to types.LineageStatus) (bool, error)
	ListLineageByStatus(ctx context.Context, statuses []types.LineageStatus, limit int) ([]*models.LineageEntry, error)
	// AppendLineageChild adds child to the children blob of entry id while
	// holding the row. False means child was already listed.
	AppendLineageChild(ctx context.Context, id, child string) (bool, error)
	// ListLineageByCreator returns the entries created by creator
	ListLineageByCreator(ctx context.Context, creator string, network types.Network) ([]*models.LineageEntry, error)
}

// StageExecutionStore persists the per-account stage audit trail
type StageExecutionStore interface {
	// InitStageExecutions creates a PENDING record for every stage that has
	// none yet and returns how many were created
	InitStageExecutions(ctx context.Context, account string, network types.Network) (int, error)
	GetLatestStageExecution(ctx context.Context, account string, network types.Network, stageNumber int) (*models.StageExecutionRecord, error)
	CreateStageExecution(ctx context.Context, rec *models.StageExecutionRecord) error
	UpdateStageExecution(ctx context.Context, rec *models.StageExecutionRecord) error
	// ListStageExecutions returns records newest first
	ListStageExecutions(ctx context.Context, account string, network types.Network) ([]*models.StageExecutionRecord, error)
}

// CronHealthStore persists append-only stage health records
type CronHealthStore interface {
	AppendCronHealth(ctx context.Context, rec *models.CronHealthRecord) error
	LatestCronHealth(ctx context.Context, stageName string) (*models.CronHealthRecord, error)
	ListLatestCronHealth(ctx context.Context) ([]*models.CronHealthRecord, error)
}

// Store is the full record store
type Store interface {
	SearchCacheStore
	LineageStore
	StageExecutionStore
	CronHealthStore
}

// DBTX is the subset of pgxpool.Pool the repositories use
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore combines the Postgres repositories into a Store
type PostgresStore struct {
	*SearchCacheRepository
	*LineageRepository
	*StageExecutionRepository
	*CronHealthRepository
}

// NewPostgresStore creates a Store backed by db
func NewPostgresStore(db DBTX, hvaThreshold float64) *PostgresStore {
	return &PostgresStore{
		SearchCacheRepository:    NewSearchCacheRepository(db),
		LineageRepository:        NewLineageRepository(db, hvaThreshold),
		StageExecutionRepository: NewStageExecutionRepository(db),
		CronHealthRepository:     NewCronHealthRepository(db),
	}
}

func statusStrings(statuses []types.LineageStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isUniqueViolation reports whether err is a Postgres unique_violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
